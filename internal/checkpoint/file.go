package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mkurosawa/batchpilot/internal/lock"
	yamlutil "github.com/mkurosawa/batchpilot/internal/yaml"
)

// FileStore keeps one YAML file per key inside a directory. Writes go
// through the atomic temp-validate-rename path so a crash never leaves a
// torn record, and access is serialized per key. Key separators map to
// double underscores on disk.
type FileStore struct {
	dir   string
	locks *lock.MutexMap
}

// NewFileStore creates a store rooted at dir. The directory is created on
// Start.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, locks: lock.NewMutexMap()}
}

func (st *FileStore) Start() error {
	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return nil
}

func (st *FileStore) Get(key string) ([]byte, error) {
	st.locks.Lock(key)
	defer st.locks.Unlock(key)
	data, err := os.ReadFile(st.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %q: %w", key, err)
	}
	return data, nil
}

func (st *FileStore) Set(key string, value []byte) error {
	st.locks.Lock(key)
	defer st.locks.Unlock(key)
	if err := yamlutil.AtomicWriteRaw(st.path(key), value); err != nil {
		return fmt.Errorf("write checkpoint %q: %w", key, err)
	}
	return nil
}

func (st *FileStore) Delete(key string) error {
	st.locks.Lock(key)
	defer st.locks.Unlock(key)
	err := os.Remove(st.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %q: %w", key, err)
	}
	_ = os.Remove(st.path(key) + ".bak")
	return nil
}

func (st *FileStore) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		key := keyFromFile(strings.TrimSuffix(name, ".yaml"))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (st *FileStore) Close() error {
	return nil
}

// Dir returns the backing directory, for external watchers.
func (st *FileStore) Dir() string {
	return st.dir
}

func (st *FileStore) path(key string) string {
	return filepath.Join(st.dir, fileFromKey(key)+".yaml")
}

func fileFromKey(key string) string {
	return strings.ReplaceAll(key, "/", "__")
}

func keyFromFile(name string) string {
	return strings.ReplaceAll(name, "__", "/")
}
