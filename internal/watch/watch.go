// Package watch implements a single-slot broadcast value: one writer,
// many readers, where a reader can always ask "what's the value after
// the version I last saw" without missing an update that happened
// between two waits. It stands in for Go's lack of a tokio::sync::watch
// equivalent in the standard library.
package watch

import (
	"context"
	"sync"
)

// Value holds a versioned T. The zero value is not usable; use New.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	version uint64
	changed chan struct{}
}

// New creates a Value seeded with initial at version 0.
func New[T any](initial T) *Value[T] {
	return &Value[T]{current: initial, changed: make(chan struct{})}
}

// Get returns the current value and its version.
func (v *Value[T]) Get() (T, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current, v.version
}

// Set stores val, bumps the version, and wakes every pending WaitChanged.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = val
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
}

// WaitChanged blocks until the version advances past knownVersion, then
// returns the value current at that point along with its version. If
// the value is already past knownVersion it returns immediately.
func (v *Value[T]) WaitChanged(ctx context.Context, knownVersion uint64) (T, uint64, error) {
	for {
		v.mu.Lock()
		if v.version != knownVersion {
			val, ver := v.current, v.version
			v.mu.Unlock()
			return val, ver, nil
		}
		ch := v.changed
		v.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, knownVersion, ctx.Err()
		}
	}
}
