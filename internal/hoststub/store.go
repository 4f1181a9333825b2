package hoststub

import (
	"sort"
	"sync"
)

// recordKey identifies one gadget's stored configuration
type recordKey struct {
	account string
	gadget  string
}

// Store keeps gadget configurations as the service does: flat string values
type Store struct {
	mu      sync.RWMutex
	records map[recordKey]map[string]string
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{records: make(map[recordKey]map[string]string)}
}

// Get returns a copy of the configuration of gadget in account
func (s *Store) Get(account, gadget string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.records[recordKey{account, gadget}]
	out := make(map[string]string, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Put replaces the configuration of gadget in account
func (s *Store) Put(account, gadget string, values map[string]string) {
	rec := make(map[string]string, len(values))
	for k, v := range values {
		rec[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{account, gadget}] = rec
}

// Gadgets returns the gadget IDs with a stored configuration in account
func (s *Store) Gadgets(account string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for k := range s.records {
		if k.account == account {
			ids = append(ids, k.gadget)
		}
	}
	sort.Strings(ids)
	return ids
}
