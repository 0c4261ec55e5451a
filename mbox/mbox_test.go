package mbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/imap-xlsx-ingest/model"
)

const spool = `From bank@example.com Mon Jan  1 10:00:00 2024
From: bank@example.com
Subject: Your statement
Content-Type: text/plain

first

From friend@example.com Mon Jan  1 11:00:00 2024
From: friend@example.com
Subject: lunch?
Content-Type: text/plain

second

From bank@example.com Tue Jan  2 10:00:00 2024
From: Bank <BANK@example.com>
Subject: FW: your statement
Content-Type: text/plain

third
`

func writeSpool(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func criterion() model.SearchCriterion {
	return model.SearchCriterion{Fields: []model.CriterionField{
		{Field: "FROM", Value: "bank@example.com"},
		{Field: "SUBJECT", Value: "Your statement"},
	}}
}

func TestSession_SearchAndFetch(t *testing.T) {
	mb, err := New(writeSpool(t, spool), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	session, err := mb.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer session.Close()

	if err := session.Select(ctx, "INBOX"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	ids, err := session.Search(ctx, criterion())
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("Search() = %v, want [1 3]", ids)
	}

	msgs, err := session.Fetch(ctx, ids)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(Fetch()) = %d, want 2", len(msgs))
	}
	if !strings.Contains(string(msgs[0].Body), "first") {
		t.Errorf("first body = %q", msgs[0].Body)
	}
	if !strings.Contains(string(msgs[1].Body), "third") {
		t.Errorf("second body = %q", msgs[1].Body)
	}
}

func TestSession_OrderEnforced(t *testing.T) {
	mb, err := New(writeSpool(t, spool), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	session, err := mb.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := session.Search(ctx, criterion()); !errors.Is(err, model.ErrProtocol) {
		t.Errorf("Search before Select error = %v, want ErrProtocol", err)
	}

	if err := session.Select(ctx, "INBOX"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Fetch(ctx, []uint32{9}); !errors.Is(err, model.ErrProtocol) {
		t.Errorf("Fetch out of range error = %v, want ErrProtocol", err)
	}

	_ = session.Close()
	if err := session.Select(ctx, "INBOX"); !errors.Is(err, model.ErrProtocol) {
		t.Errorf("Select after Close error = %v, want ErrProtocol", err)
	}
}

func TestOpen_MissingFile(t *testing.T) {
	mb, err := New(filepath.Join(t.TempDir(), "absent.mbox"), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := mb.Open(context.Background()); !errors.Is(err, model.ErrNetwork) {
		t.Errorf("Open() error = %v, want ErrNetwork", err)
	}
}

func TestNew_EmptyPath(t *testing.T) {
	if _, err := New("  ", nil); err == nil {
		t.Error("expected error for empty path")
	}
}
