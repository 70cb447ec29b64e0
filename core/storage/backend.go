package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Backend is a raw blob store. Implementations back the fast tier (a
// memory region surviving deep sleep) and the slow tier (non-volatile
// key/value storage). A size mismatch on load is treated as absent data.
type Backend interface {
	// Load returns exactly size bytes, or an error when nothing of that
	// size is stored.
	Load(size int) ([]byte, error)
	// Save stores the blob, replacing any previous content.
	Save(data []byte) error
}

// MemBackend is an in-process byte region modelling the always-on memory
// tier. It reads back whatever was last saved in this process lifetime;
// a cold boot is a fresh MemBackend.
type MemBackend struct {
	mu     sync.Mutex
	region []byte
}

// NewMemBackend creates an empty memory region backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{}
}

func (m *MemBackend) Load(size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.region) != size {
		return nil, fmt.Errorf("%w: region holds %d bytes, want %d", ErrNotFound, len(m.region), size)
	}
	out := make([]byte, size)
	copy(out, m.region)
	return out, nil
}

func (m *MemBackend) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.region = make([]byte, len(data))
	copy(m.region, data)
	return nil
}

// FileBackend stores the blob in a single file, modelling the slow
// non-volatile tier. Writes go through a temp file and rename so a crash
// mid-write never leaves a torn blob.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend creates a file-backed store at the given path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) Load(size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, f.path)
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: file holds %d bytes, want %d", ErrNotFound, len(data), size)
	}
	return data, nil
}

func (f *FileBackend) Save(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".espnow-blob-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing blob: %w", err)
	}
	return nil
}
