// Package handles provides a thread-safe table mapping opaque integer ids
// to Go values.
//
// Code on the far side of a foreign boundary cannot hold Go pointers, so
// buffers are handed out as ids instead and resolved back through the table
// when they come back in.
package handles

import (
	"sync"
)

// Table stores values of type T under monotonically increasing ids.
// The zero value is ready to use. Id 0 is never issued.
type Table[T any] struct {
	mu     sync.RWMutex
	values map[uint64]T
	nextID uint64
}

// Register stores v and returns its id.
//
// Thread-safe.
func (t *Table[T]) Register(v T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.values == nil {
		t.values = make(map[uint64]T)
	}
	t.nextID++
	id := t.nextID
	t.values[id] = v
	return id
}

// Lookup returns the value registered under id.
//
// Thread-safe.
func (t *Table[T]) Lookup(id uint64) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[id]
	return v, ok
}

// Unregister removes id and returns the value it held. The boolean is false
// when id was not registered, so exactly one caller observes a successful
// removal.
//
// Thread-safe.
func (t *Table[T]) Unregister(id uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[id]
	if ok {
		delete(t.values, id)
	}
	return v, ok
}

// Count returns the number of registered ids.
// Useful for leak checks in tests.
func (t *Table[T]) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// Range calls fn for every registered entry until fn returns false.
// fn must not modify the table.
func (t *Table[T]) Range(fn func(id uint64, v T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, v := range t.values {
		if !fn(id, v) {
			return
		}
	}
}
