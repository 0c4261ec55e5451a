package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/imap-xlsx-ingest/model"
)

var ErrEmptyMessage = errors.New("message body is empty")

// Message parses a raw RFC 5322 message into sender, subject and the ordered
// list of parts flagged as attachments. A message without attachments decodes
// to an empty list. Unknown charsets are tolerated; structural errors are
// reported as model.ErrParse.
func Message(raw model.RawMessage) (model.DecodedMessage, error) {
	if len(raw.Body) == 0 {
		return model.DecodedMessage{}, fmt.Errorf("%w: seq %d: %w", model.ErrParse, raw.SeqNum, ErrEmptyMessage)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.DecodedMessage{}, fmt.Errorf("%w: seq %d: %w", model.ErrParse, raw.SeqNum, err)
	}
	defer mr.Close()

	decoded := model.DecodedMessage{}

	if subject, err := mr.Header.Subject(); err == nil {
		decoded.Subject = subject
	} else {
		decoded.Subject = mr.Header.Get("Subject")
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		decoded.From = strings.ToLower(strings.TrimSpace(from[0].Address))
	}

	if date, err := mr.Header.Date(); err == nil {
		decoded.Date = date
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return model.DecodedMessage{}, fmt.Errorf("%w: seq %d: next part: %w", model.ErrParse, raw.SeqNum, err)
		}
		if part == nil {
			continue
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		// Filename hides a malformed disposition behind the Content-Type fallback.
		disposition := header.Get("Content-Disposition")
		filename, nameErr := header.Filename()
		if _, _, dispErr := header.ContentDisposition(); dispErr != nil && disposition != "" {
			nameErr = dispErr
		}
		if strings.TrimSpace(filename) != "" {
			nameErr = nil
		} else if nameErr != nil {
			nameErr = fmt.Errorf("%w: seq %d: attachment filename: %w", model.ErrParse, raw.SeqNum, nameErr)
		}
		contentType, _, _ := header.ContentType()

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return model.DecodedMessage{}, fmt.Errorf("%w: seq %d: read attachment %q: %w", model.ErrParse, raw.SeqNum, filename, err)
		}

		decoded.Attachments = append(decoded.Attachments, model.Attachment{
			Filename:    strings.TrimSpace(filename),
			ContentType: contentType,
			Content:     body,
			Disposition: disposition,
			FilenameErr: nameErr,
		})
	}

	return decoded, nil
}
