package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-xlsx-ingest/filter"
	"github.com/dhcgn/imap-xlsx-ingest/model"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Mailbox dials a fresh IMAP connection for every Open call.
type Mailbox struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Mailbox, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{opts: opts, logger: logger}, nil
}

// Open dials and logs in. Dial failures are model.ErrNetwork, rejected
// credentials model.ErrAuth.
func (m *Mailbox) Open(ctx context.Context) (model.Session, error) {
	address := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)

	if m.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         m.opts.Host,
			InsecureSkipVerify: m.opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial imap %s: %w", model.ErrNetwork, address, err)
	}

	if err := client.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, classifyLogin(m.opts.Username, err)
	}

	m.logger.Debug("imap connection established", "address", address, "user", m.opts.Username, "tls", m.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	return &Session{client: client, logger: m.logger, stopClose: stopClose}, nil
}

// Session wraps one logged-in connection.
type Session struct {
	client    *imapclient.Client
	logger    *slog.Logger
	stopClose func() bool
	folder    string
}

// Select examines folder; the mailbox is never modified.
func (s *Session) Select(_ context.Context, folder string) error {
	if folder == "" {
		folder = "INBOX"
	}
	data, err := s.client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("%w: select %s: %w", model.ErrProtocol, folder, err)
	}
	s.folder = folder
	s.logger.Debug("imap folder selected", "folder", folder, "messages", data.NumMessages)
	return nil
}

// Search runs UID SEARCH with the criterion fields as header constraints.
func (s *Session) Search(_ context.Context, criterion model.SearchCriterion) ([]uint32, error) {
	criteria, err := searchCriteria(criterion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrProtocol, err)
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %w", model.ErrProtocol, s.folder, err)
	}

	uids := data.AllUIDs()
	ids := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, uint32(uid))
	}
	return ids, nil
}

// Fetch downloads full bodies with BODY.PEEK[] so the \Seen flag is untouched.
// A dropped connection fails the whole fetch.
func (s *Session) Fetch(_ context.Context, ids []uint32) ([]model.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	uids := make([]imapv2.UID, 0, len(ids))
	for _, id := range ids {
		uids = append(uids, imapv2.UID(id))
	}

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	})

	messages := make([]model.RawMessage, 0, len(ids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			_ = fetchCmd.Close()
			return nil, fmt.Errorf("%w: collect message: %w", model.ErrProtocol, err)
		}

		messages = append(messages, model.RawMessage{
			SeqNum: buf.SeqNum,
			UID:    uint32(buf.UID),
			Body:   buf.FindBodySection(bodySection),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("%w: fetch: %w", model.ErrProtocol, err)
	}

	return messages, nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	s.stopClose()
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "err", err)
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close imap connection: %w", err)
	}
	return nil
}

func searchCriteria(criterion model.SearchCriterion) (*imapv2.SearchCriteria, error) {
	criteria := &imapv2.SearchCriteria{}
	for _, f := range criterion.Fields {
		var key string
		switch strings.ToUpper(f.Field) {
		case filter.FieldFrom:
			key = "From"
		case filter.FieldSubject:
			key = "Subject"
		default:
			return nil, fmt.Errorf("unsupported search field %q", f.Field)
		}
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: key, Value: f.Value})
	}
	return criteria, nil
}

// classifyLogin maps a tagged NO/BAD reply to model.ErrAuth and anything else
// (I/O failure during login) to model.ErrNetwork.
func classifyLogin(user string, err error) error {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return fmt.Errorf("%w: login %s rejected: %w", model.ErrAuth, user, err)
	}
	return fmt.Errorf("%w: login %s: %w", model.ErrNetwork, user, err)
}
