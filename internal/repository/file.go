package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"desklicense/internal/files"
)

const ledgerVersion = 1

type ledgerDocument struct {
	Version  int             `json:"version"`
	Licenses []StoredLicense `json:"licenses"`
}

// File keeps the ledger in memory and rewrites a JSON document on every
// mutation.
type File struct {
	*Memory
	path string
}

// OpenFile loads path, or starts an empty ledger if it does not exist.
func OpenFile(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var doc ledgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	if doc.Version != ledgerVersion {
		return nil, fmt.Errorf("unsupported ledger version %d", doc.Version)
	}
	for _, l := range doc.Licenses {
		if err := f.insert(l); err != nil {
			return nil, fmt.Errorf("load ledger: %w", err)
		}
	}
	return f, nil
}

// flush must be called with the write lock held.
func (f *File) flush() error {
	data, err := json.MarshalIndent(ledgerDocument{Version: ledgerVersion, Licenses: f.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return files.WriteAtomic(f.path, data, 0o600)
}

func (f *File) Save(_ context.Context, l StoredLicense) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.insert(l); err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		f.items = f.items[:len(f.items)-1]
		delete(f.index, l.ID)
		return err
	}
	return nil
}

func (f *File) MarkRevoked(_ context.Context, kid string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.markRevoked(kid, at)
	if n == 0 {
		return 0, nil
	}
	return n, f.flush()
}

func (f *File) SoftDelete(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.softDelete(id, at); err != nil {
		return err
	}
	return f.flush()
}
