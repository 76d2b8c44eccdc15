package rules

import (
	"context"
	"sync"
)

// Backend persists the whole Document.
//
// Save must store doc only if the currently persisted revision equals
// expected and return ErrConflict otherwise. A backend that has never been
// written reports revision 0.
type Backend interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document, expected uint64) error
	// Touch is a best-effort liveness poke used by the messenger wake step.
	Touch(ctx context.Context) error
	Close() error
}

// MemoryBackend keeps the document in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	doc     *Document
	touched int
}

// NewMemoryBackend returns a backend seeded with doc (nil for an empty store).
func NewMemoryBackend(doc *Document) *MemoryBackend {
	return &MemoryBackend{doc: doc.Clone()}
}

// Load returns a copy of the stored document.
func (m *MemoryBackend) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return NewDocument(), nil
	}
	return m.doc.Clone(), nil
}

// Save stores a copy of doc if the revision matches.
func (m *MemoryBackend) Save(ctx context.Context, doc *Document, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	if m.doc != nil {
		current = m.doc.Revision
	}
	if current != expected {
		return ErrConflict
	}
	m.doc = doc.Clone()
	return nil
}

// Touch records the poke.
func (m *MemoryBackend) Touch(context.Context) error {
	m.mu.Lock()
	m.touched++
	m.mu.Unlock()
	return nil
}

// Touches returns how many times Touch was called.
func (m *MemoryBackend) Touches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
