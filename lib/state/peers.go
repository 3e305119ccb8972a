package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// PeerRecord is the persisted metadata of one peer, keyed by public key.
// PresharedKey and SecretKey hold SecretCipher output, never plaintext.
type PeerRecord struct {
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	IP           string    `json:"ip"`
	PresharedKey string    `json:"presharedKey,omitempty"`
	SecretKey    string    `json:"secretKey,omitempty"`
	Iface        string    `json:"iface,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitzero"`
	UpdatedAt    time.Time `json:"updatedAt,omitzero"`
}

// PeerStore is the peers.json file: a map from public key to PeerRecord,
// rewritten wholesale on every Save.
type PeerStore struct {
	mu      sync.RWMutex
	path    string
	records map[string]PeerRecord
}

// NewPeerStore creates an empty store persisted at path.
func NewPeerStore(path string) *PeerStore {
	return &PeerStore{
		path:    path,
		records: make(map[string]PeerRecord),
	}
}

// LoadPeerStore loads a peer store from disk.
// Returns an empty store if the file doesn't exist.
func LoadPeerStore(path string) (*PeerStore, error) {
	store := NewPeerStore(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("reading peer store: %w", err)
	}

	if err := json.Unmarshal(data, &store.records); err != nil {
		return nil, fmt.Errorf("parsing peer store: %w", err)
	}
	if store.records == nil {
		store.records = make(map[string]PeerRecord)
	}

	return store, nil
}

// Save persists the peer store to disk.
func (s *PeerStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling peer store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating peer store directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing peer store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming peer store: %w", err)
	}

	return nil
}

// Get returns the record for a public key.
func (s *PeerStore) Get(publicKey string) (PeerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[publicKey]
	return rec, ok
}

// Put inserts or replaces a record.
func (s *PeerStore) Put(publicKey string, rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[publicKey] = rec
}

// Delete removes a record and reports whether it existed.
func (s *PeerStore) Delete(publicKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[publicKey]
	delete(s.records, publicKey)
	return ok
}

// Keys returns all public keys in sorted order.
func (s *PeerStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of records.
func (s *PeerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of all records.
func (s *PeerStore) Records() map[string]PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PeerRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}
