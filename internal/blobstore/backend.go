// Package blobstore is the content-addressed artifact store. All large
// immutable bytes flow through it; every read and write is checked
// against the caller's workspace.
package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ObjectBackend is the raw byte storage under the store. Keys are
// opaque slash-separated paths.
type ObjectBackend interface {
	Write(key string, r io.Reader) (int64, error)
	Read(key string) (io.ReadCloser, error)
	Rename(oldKey, newKey string) error
	Delete(key string) error
}

// ============================================================================
// FILESYSTEM BACKEND
// ============================================================================

// FSBackend stores objects under a root directory. It is the default
// object store; OBJECT_STORE_DIR selects the root.
type FSBackend struct {
	root string
}

// NewFSBackend creates the root directory if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FSBackend) Write(key string, r io.Reader) (int64, error) {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(p)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return 0, err
	}
	return n, nil
}

func (b *FSBackend) Read(key string) (io.ReadCloser, error) {
	return os.Open(b.path(key))
}

func (b *FSBackend) Rename(oldKey, newKey string) error {
	newPath := b.path(newKey)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}
	return os.Rename(b.path(oldKey), newPath)
}

func (b *FSBackend) Delete(key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ============================================================================
// IN-MEMORY BACKEND
// ============================================================================

// MemBackend keeps objects in a map. Used by tests and by deployments
// without an object store configured.
type MemBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[string][]byte)}
}

func (b *MemBackend) Write(key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return int64(len(data)), nil
}

func (b *MemBackend) Read(key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemBackend) Rename(oldKey, newKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[oldKey]
	if !ok {
		return os.ErrNotExist
	}
	b.objects[newKey] = data
	delete(b.objects, oldKey)
	return nil
}

func (b *MemBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

// Keys returns stored keys with the given prefix, for tests.
func (b *MemBackend) Keys(prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}
