package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrInvalidName is returned for ranker names that cannot be used as keys.
var ErrInvalidName = errors.New("invalid ranker name")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateName checks that name is safe to use as a file name, object key or
// table key.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Store persists one State per ranker name. Load returns ErrNotFound when
// nothing was saved yet and ErrCorrupt when the stored bytes do not decode.
type Store interface {
	Load(ctx context.Context, name string) (*State, error)
	Save(ctx context.Context, name string, s *State) error
}

// MemoryStore keeps encoded states in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	codec Codec
	data  map[string][]byte
}

// NewMemoryStore creates an empty in-memory store using JSON encoding.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codec: JSONCodec{}, data: make(map[string][]byte)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, name string) (*State, error) {
	m.mu.RLock()
	b, ok := m.data[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return m.codec.Decode(b)
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, name string, s *State) error {
	b, err := m.codec.Encode(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	m.mu.Lock()
	m.data[name] = b
	m.mu.Unlock()
	return nil
}

// Put stores raw bytes under name, bypassing encoding.
func (m *MemoryStore) Put(name string, raw []byte) {
	m.mu.Lock()
	m.data[name] = append([]byte(nil), raw...)
	m.mu.Unlock()
}

// FileStore writes one file per ranker into a directory.
type FileStore struct {
	dir   string
	codec Codec
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, codec Codec) (*FileStore, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir, codec: codec}, nil
}

// Path returns the file used for name.
func (f *FileStore) Path(name string) string {
	return filepath.Join(f.dir, name+f.codec.Extension())
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context, name string) (*State, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return f.codec.Decode(b)
}

// Save implements Store. The file is replaced atomically.
func (f *FileStore) Save(_ context.Context, name string, s *State) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	b, err := f.codec.Encode(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path(name)); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
