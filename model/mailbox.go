package model

import "context"

// Mailbox opens one connection per tick. Implementations: IMAP and mbox.
type Mailbox interface {
	Open(ctx context.Context) (Session, error)
}

// Session is a single authenticated mailbox connection. Calls are made in
// order Select, Search, Fetch, then Close.
type Session interface {
	// Select opens folder read-only.
	Select(ctx context.Context, folder string) error
	// Search returns ids of messages matching every criterion field.
	Search(ctx context.Context, criterion SearchCriterion) ([]uint32, error)
	// Fetch returns the raw bodies of ids. Order is not guaranteed to match ids.
	Fetch(ctx context.Context, ids []uint32) ([]RawMessage, error)
	Close() error
}
