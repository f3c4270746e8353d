package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists lease state in one JSON document. Writes replace
// the whole document atomically via a temp-file rename.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore constructs a file-backed lease store. The parent
// directory is created on first write.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lease store path is required")
	}
	return &FileStore{path: path}, nil
}

// Load reads the current lease document. A missing document is an empty
// lease table; a corrupt one is an error, not silently discarded, since
// dropping live leases would defeat the mutual exclusion.
func (s *FileStore) Load(_ context.Context) ([]Lease, error) {
	if s == nil {
		return nil, errors.New("file store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Lease{}, nil
		}
		return nil, fmt.Errorf("read lease file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return []Lease{}, nil
	}
	var leases []Lease
	if err := json.Unmarshal(data, &leases); err != nil {
		return nil, fmt.Errorf("parse lease file: %w", err)
	}
	return leases, nil
}

// Save replaces the lease document.
func (s *FileStore) Save(_ context.Context, leases []Lease) error {
	if s == nil {
		return errors.New("file store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(leases, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal leases: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create lease directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write lease file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace lease file: %w", err)
	}
	return nil
}
