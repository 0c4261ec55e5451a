package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-xlsx-ingest/filter"
	"github.com/dhcgn/imap-xlsx-ingest/model"
)

// Mailbox serves messages from a local mbox file through the same session
// contract as the IMAP adapter. The file is re-read on every Open.
type Mailbox struct {
	path   string
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) (*Mailbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{path: path, logger: logger}, nil
}

// Open reads the whole file. A missing or unreadable file is model.ErrNetwork
// so it fails the tick the same way an unreachable server does.
func (m *Mailbox) Open(_ context.Context) (model.Session, error) {
	file, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open mbox: %w", model.ErrNetwork, err)
	}
	defer file.Close()

	messages, err := readAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrProtocol, err)
	}

	m.logger.Debug("mbox loaded", "path", m.path, "messages", len(messages))
	return &Session{messages: messages}, nil
}

// Session holds the messages of one Open call. Ids are 1-based positions.
type Session struct {
	messages [][]byte
	selected bool
	closed   bool
}

// Select accepts any folder name; an mbox file has a single folder.
func (s *Session) Select(_ context.Context, _ string) error {
	if s.closed {
		return fmt.Errorf("%w: session closed", model.ErrProtocol)
	}
	s.selected = true
	return nil
}

// Search applies the criterion to each message header like a server-side
// SEARCH would: case-insensitive substring match per field.
func (s *Session) Search(_ context.Context, criterion model.SearchCriterion) ([]uint32, error) {
	if !s.selected {
		return nil, fmt.Errorf("%w: search before select", model.ErrProtocol)
	}

	matcher, err := filter.New(criterion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrProtocol, err)
	}

	var ids []uint32
	for idx, raw := range s.messages {
		header, _ := filter.SplitRawMessage(raw)
		if matcher.AllowsHeader(header) {
			ids = append(ids, uint32(idx+1))
		}
	}
	return ids, nil
}

func (s *Session) Fetch(_ context.Context, ids []uint32) ([]model.RawMessage, error) {
	if !s.selected {
		return nil, fmt.Errorf("%w: fetch before select", model.ErrProtocol)
	}

	out := make([]model.RawMessage, 0, len(ids))
	for _, id := range ids {
		if id == 0 || int(id) > len(s.messages) {
			return nil, fmt.Errorf("%w: message %d out of range", model.ErrProtocol, id)
		}
		out = append(out, model.RawMessage{SeqNum: id, UID: id, Body: s.messages[id-1]})
	}
	return out, nil
}

func (s *Session) Close() error {
	s.closed = true
	s.messages = nil
	return nil
}

func readAll(r io.Reader) ([][]byte, error) {
	reader := mboxlib.NewReader(r)

	var messages [][]byte
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return messages, nil
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}
		messages = append(messages, raw)
	}
}
