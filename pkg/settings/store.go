// Package settings holds the gadget's configuration map: a flat mapping from
// key to JSON-compatible value, replaced wholesale by remote fetches and host
// pushes and mutated key by key locally.
package settings

import (
	"encoding/json"
	"sort"
	"sync"
)

// Store is a concurrency-safe configuration map. Last writer wins.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{values: make(map[string]any)}
}

// Get returns the value for key. Composite values are returned as deep copies.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Set assigns a single key
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes a key
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Merge assigns every key of values, keeping keys it does not mention
func (s *Store) Merge(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}

// Replace discards the current contents and installs values
func (s *Store) Replace(values map[string]any) {
	next := make(map[string]any, len(values))
	for k, v := range values {
		next[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = next
}

// Snapshot returns a deep copy of the whole map
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = clone(v)
	}
	return out
}

// Keys returns the sorted keys
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// clone deep-copies maps and slices decoded from JSON or MessagePack.
// Values of other composite types are copied through a JSON round trip.
func clone(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return t
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return t
		}
		return out
	}
}
