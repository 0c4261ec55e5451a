package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/imap-xlsx-ingest/model"
)

const tempPrefix = ".ingest-"

var (
	ErrInvalidFilename = errors.New("invalid attachment filename")
)

// Store writes attachments into a single flat directory. The presence of a
// file is the only record that an attachment was ingested; a filename is
// written at most once.
type Store struct {
	root string
}

// Snapshot summarises the directory contents.
type Snapshot struct {
	Files int
}

// Open prepares root for use and removes temp files left behind by an
// interrupted write. root is made absolute.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	s := &Store{root: abs}
	if err := s.sweep(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string {
	return s.root
}

// StoreIfNew writes att under root/<filename> unless that entry already
// exists. The content is staged in a temp file and hard-linked into place, so
// the target either appears complete or not at all, and a concurrent writer
// of the same name observes the existing entry instead of overwriting it.
func (s *Store) StoreIfNew(att model.Attachment) (model.StoreOutcome, error) {
	name, err := cleanName(att.Filename)
	if err != nil {
		return model.StoreOutcome{}, fmt.Errorf("%w: %w", model.ErrIO, err)
	}

	target := filepath.Join(s.root, name)
	if _, err := os.Lstat(target); err == nil {
		return model.StoreOutcome{Status: model.StoreSkipped, Path: target}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return model.StoreOutcome{}, fmt.Errorf("%w: stat %s: %w", model.ErrIO, name, err)
	}

	tmp, err := os.CreateTemp(s.root, tempPrefix+"*.tmp")
	if err != nil {
		return model.StoreOutcome{}, fmt.Errorf("%w: create temp file: %w", model.ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(att.Content); err != nil {
		_ = tmp.Close()
		return model.StoreOutcome{}, fmt.Errorf("%w: write %s: %w", model.ErrIO, name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return model.StoreOutcome{}, fmt.Errorf("%w: sync %s: %w", model.ErrIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		return model.StoreOutcome{}, fmt.Errorf("%w: close %s: %w", model.ErrIO, name, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return model.StoreOutcome{}, fmt.Errorf("%w: chmod %s: %w", model.ErrIO, name, err)
	}

	if err := os.Link(tmpPath, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return model.StoreOutcome{Status: model.StoreSkipped, Path: target}, nil
		}
		return model.StoreOutcome{}, fmt.Errorf("%w: link %s: %w", model.ErrIO, name, err)
	}

	return model.StoreOutcome{Status: model.StoreWritten, Path: target}, nil
}

// Exists reports whether filename is already stored.
func (s *Store) Exists(filename string) bool {
	name, err := cleanName(filename)
	if err != nil {
		return false
	}
	_, err = os.Lstat(filepath.Join(s.root, name))
	return err == nil
}

// Files lists stored filenames in lexical order, excluding temp files.
func (s *Store) Files() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || isTemp(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Snapshot() Snapshot {
	names, err := s.Files()
	if err != nil {
		return Snapshot{}
	}
	return Snapshot{Files: len(names)}
}

func (s *Store) sweep() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read storage root: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTemp(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale temp file: %w", err)
		}
	}
	return nil
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, ".tmp")
}

// cleanName accepts only a plain file name: no separators, no dot entries,
// no temp-file prefix.
func cleanName(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidFilename)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidFilename, name)
	case isTemp(name):
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidFilename, name)
	}
	return name, nil
}
