package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileBackend stores the document as YAML. Writes are serialized across
// processes with an advisory lock on "<path>.lock" and land atomically via
// rename.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend creates a backend for the given document path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the document path.
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) lockPath() string {
	return b.path + ".lock"
}

// Load reads the document. A missing or empty file is an empty store.
func (b *FileBackend) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	unlock, err := lockFile(b.lockPath(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to lock store: %w", err)
	}
	defer unlock()

	return b.readUnsafe()
}

func (b *FileBackend) readUnsafe() (*Document, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewDocument(), nil
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse store %s: %w", b.path, err)
	}
	return &doc, nil
}

// Save writes doc if the stored revision still equals expected.
func (b *FileBackend) Save(ctx context.Context, doc *Document, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	unlock, err := lockFile(b.lockPath(), true)
	if err != nil {
		return fmt.Errorf("failed to lock store: %w", err)
	}
	defer unlock()

	current, err := b.readUnsafe()
	if err != nil {
		return err
	}
	if current.Revision != expected {
		return ErrConflict
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set store permissions: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}

// Touch bumps the modification time of the store file.
func (b *FileBackend) Touch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(b.path, now, now); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to touch store: %w", err)
	}
	return nil
}

// Close is a no-op; locks are held only for the duration of a call.
func (b *FileBackend) Close() error { return nil }
