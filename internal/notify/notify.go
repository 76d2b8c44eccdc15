// Package notify fans store changes out to the supervisor and to read-only
// UI listeners.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/user/hostswitch/internal/logger"
)

// Event describes one successful mutation.
type Event[T any] struct {
	Revision uint64
	Op       string
	Source   string
	Snapshot T
}

// Primary handles an event first and synchronously. Its error is returned
// from Publish.
type Primary[T any] func(ctx context.Context, ev Event[T]) error

// Listener observes an event. It must not mutate the publisher; the
// context it receives makes such attempts fail.
type Listener[T any] func(ctx context.Context, ev Event[T])

// Hub delivers events to one primary and any number of listeners.
type Hub[T any] struct {
	mu        sync.RWMutex
	primary   Primary[T]
	listeners map[uint64]Listener[T]
	nextID    uint64
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{listeners: make(map[uint64]Listener[T])}
}

// SetPrimary installs the primary handler, replacing any previous one.
func (h *Hub[T]) SetPrimary(fn Primary[T]) {
	h.mu.Lock()
	h.primary = fn
	h.mu.Unlock()
}

// Subscribe adds a listener and returns a func that removes it.
func (h *Hub[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Len returns the number of listeners.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Publish runs the primary, then every listener in subscription order.
// Panics are recovered and logged; a primary panic becomes its error.
func (h *Hub[T]) Publish(ctx context.Context, ev Event[T]) error {
	h.mu.RLock()
	primary := h.primary
	ids := make([]uint64, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener[T], 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, h.listeners[id])
	}
	h.mu.RUnlock()

	ctx = context.WithValue(ctx, dispatchingKey{}, true)

	var err error
	if primary != nil {
		err = runPrimary(ctx, primary, ev)
	}
	for _, l := range listeners {
		runListener(ctx, l, ev)
	}
	return err
}

func runPrimary[T any](ctx context.Context, fn Primary[T], ev Event[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("PANIC in change primary (revision %d): %v", ev.Revision, r)
			err = fmt.Errorf("change handler panicked: %v", r)
		}
	}()
	return fn(ctx, ev)
}

func runListener[T any](ctx context.Context, fn Listener[T], ev Event[T]) {
	defer logger.Recover("change listener")
	fn(ctx, ev)
}

type dispatchingKey struct{}

// Dispatching reports whether ctx was handed out by Publish.
func Dispatching(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchingKey{}).(bool)
	return v
}
