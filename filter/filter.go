package filter

import (
	"bytes"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/dhcgn/imap-xlsx-ingest/model"
)

// Fields understood by the matcher and the IMAP search builder.
const (
	FieldFrom    = "FROM"
	FieldSubject = "SUBJECT"
)

// Policy constants for the transaction-notification mail.
const (
	DefaultSender  = "no-reply@mail.kakaobank.com"
	DefaultSubject = "[카카오뱅크] 고객님께서 요청하신 거래내역 엑셀파일입니다"
)

// Default returns the fixed search criterion used by the daemon.
func Default() model.SearchCriterion {
	return model.SearchCriterion{Fields: []model.CriterionField{
		{Field: FieldFrom, Value: DefaultSender},
		{Field: FieldSubject, Value: DefaultSubject},
	}}
}

// Matcher checks messages against a search criterion. AllowsHeader emulates
// the server-side SEARCH (substring, case-insensitive) on raw headers; Matches
// applies the exact comparison on decoded fields.
type Matcher struct {
	criterion model.SearchCriterion
	header    []*regexp.Regexp
}

// New compiles a Matcher for the criterion. Only FROM and SUBJECT are supported.
func New(c model.SearchCriterion) (*Matcher, error) {
	if len(c.Fields) == 0 {
		return nil, fmt.Errorf("search criterion is empty")
	}

	patterns := make([]*regexp.Regexp, 0, len(c.Fields))
	for _, f := range c.Fields {
		var name string
		switch strings.ToUpper(f.Field) {
		case FieldFrom:
			name = "From"
		case FieldSubject:
			name = "Subject"
		default:
			return nil, fmt.Errorf("unsupported search field %q", f.Field)
		}
		if strings.TrimSpace(f.Value) == "" {
			return nil, fmt.Errorf("search field %s has empty value", f.Field)
		}
		re, err := regexp.Compile(`(?im)^` + name + `:.*` + regexp.QuoteMeta(f.Value))
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", f.Field, err)
		}
		patterns = append(patterns, re)
	}
	return &Matcher{criterion: c, header: patterns}, nil
}

// Criterion returns the criterion the matcher was built from.
func (m *Matcher) Criterion() model.SearchCriterion {
	return m.criterion
}

// AllowsHeader reports whether every criterion field occurs in the raw header.
// Encoded words are decoded before matching.
func (m *Matcher) AllowsHeader(header []byte) bool {
	text := decodeHeaderText(header)
	for _, re := range m.header {
		if !re.MatchString(text) {
			return false
		}
	}
	return true
}

// Matches reports whether msg satisfies the criterion exactly: the sender
// address compares case-insensitively, the subject after trimming spaces.
func (m *Matcher) Matches(msg model.DecodedMessage) bool {
	for _, f := range m.criterion.Fields {
		switch strings.ToUpper(f.Field) {
		case FieldFrom:
			if !strings.EqualFold(strings.TrimSpace(msg.From), strings.TrimSpace(f.Value)) {
				return false
			}
		case FieldSubject:
			if strings.TrimSpace(msg.Subject) != strings.TrimSpace(f.Value) {
				return false
			}
		}
	}
	return true
}

// SplitRawMessage separates header and body at the first blank line.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

func decodeHeaderText(header []byte) string {
	lines := strings.Split(unfold(string(header)), "\n")
	for i, line := range lines {
		if !strings.Contains(line, "=?") {
			continue
		}
		if decoded, err := wordDecoder.DecodeHeader(line); err == nil {
			lines[i] = decoded
		}
	}
	return strings.Join(lines, "\n")
}

func unfold(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n ", " ")
	return strings.ReplaceAll(s, "\n\t", " ")
}
