package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Registry is a durable append/update log of session records backed by a
// single JSON document. Every mutation reads the full document, applies
// the change, and writes the document back. The supervisor is the sole
// writer, so last-writer-wins is acceptable.
type Registry struct {
	mu   sync.Mutex
	path string
}

// NewRegistry creates a registry persisted at path. The parent directory
// is created on first write.
func NewRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("registry path is required")
	}
	return &Registry{path: path}, nil
}

// Append adds one record to the end of the registry.
func (r *Registry) Append(record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.load()
	records = append(records, record)
	return r.save(records)
}

// UpdateByID replaces the record whose ID matches.
func (r *Registry) UpdateByID(id string, record Record) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("record id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.load()
	for i := range records {
		if records[i].ID == id {
			records[i] = record
			return r.save(records)
		}
	}
	return fmt.Errorf("session %s not found in registry", id)
}

// ListAll returns every record, oldest first.
func (r *Registry) ListAll() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// load reads the current document. A missing, unreadable, or corrupt
// document is treated as an empty registry, never a fatal error.
func (r *Registry) load() []Record {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil
	}
	return records
}

func (r *Registry) save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
