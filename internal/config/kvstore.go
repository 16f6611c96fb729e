package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// KVStore is the opaque key/value store backing GET/PUT /api/config. The
// schema of the values is an external-collaborator concern; the server only
// persists and returns whatever JSON-compatible values it is given.
type KVStore struct {
	mu   sync.RWMutex
	path string
	data map[string]any
}

// NewKVStore loads an optional YAML pre-seed file, mirroring the teacher's
// wing.yaml idiom: a missing file yields an empty store, not an error.
func NewKVStore(path string) (*KVStore, error) {
	s := &KVStore{path: path, data: make(map[string]any)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s.data); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the current key/value map.
func (s *KVStore) Get() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Put replaces the whole key/value map and persists it to the pre-seed file.
func (s *KVStore) Put(values map[string]any) error {
	s.mu.Lock()
	s.data = values
	path := s.path
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
