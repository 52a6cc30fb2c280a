package checkpoint

import (
	"sort"
	"strings"
	"sync"
)

// InMemoryStore is a simple in-memory store implementation. It implements
// the Store interface. Do not use in production; state is lost on exit.
type InMemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values: make(map[string][]byte),
	}
}

// Start the store.
func (st *InMemoryStore) Start() error {
	return nil
}

// Get returns the value stored under key.
func (st *InMemoryStore) Get(key string) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores value under key.
func (st *InMemoryStore) Set(key string, value []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (st *InMemoryStore) Delete(key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.values, key)
	return nil
}

// Keys lists stored keys with the given prefix, sorted.
func (st *InMemoryStore) Keys(prefix string) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var keys []string
	for k := range st.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close the store.
func (st *InMemoryStore) Close() error {
	return nil
}
