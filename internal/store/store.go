// Package store implements the wallet's persistent key→value mapping:
// a single flat file, not a database. The whole map is serialized as one
// textual blob on every write and parsed back as a whole on load — there
// is no schema, no indexing, no partial writes.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klingon-exchange/btcwallet/internal/walleterr"
)

// Store is a key→value mapping backed by a single file. It assumes a
// single writer; callers (Wallet Core) are responsible for serializing
// concurrent mutations with their own lock.
type Store struct {
	mu         sync.RWMutex
	path       string
	data       map[string]interface{}
	fileExists bool
}

// Open loads path into memory. A missing file is not an error: it yields
// an empty store with FileExists()==false. An existing file that cannot
// be parsed fails with walleterr.StoreCorrupt.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]interface{})}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	parsed, err := parse(string(raw))
	if err != nil {
		return nil, walleterr.New("store.Open", walleterr.StoreCorrupt, err)
	}
	asMap, ok := parsed.(map[string]interface{})
	if !ok {
		return nil, walleterr.New("store.Open", walleterr.StoreCorrupt, fmt.Errorf("top-level value is not a mapping"))
	}

	s.data = asMap
	s.fileExists = true
	return s, nil
}

// FileExists reports whether the backing file existed at Open time.
func (s *Store) FileExists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileExists
}

// Get returns the value stored at key, and whether it was present.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Put sets key to value in memory, and — when save is true — persists the
// entire map to disk as a single atomic rewrite.
func (s *Store) Put(key string, value interface{}, save bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	if !save {
		return nil
	}
	return s.writeLocked()
}

// Delete removes key from the in-memory map, persisting when save is true.
func (s *Store) Delete(key string, save bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	if !save {
		return nil
	}
	return s.writeLocked()
}

// Save rewrites the whole map to disk unconditionally.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

// Snapshot returns a shallow copy of the in-memory map, for callers that
// need to enumerate keys (e.g. the wallet file's top-level key list).
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *Store) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	serialized := serialize(s.data)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(serialized), 0600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		return fmt.Errorf("chmod store: %w", err)
	}
	s.fileExists = true
	return nil
}
