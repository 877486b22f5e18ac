// Package memmgr serves the translator's allocate/reallocate/free
// trampolines (spec.md §4.2), tracking every outstanding host-memory block
// so teardown can assert there are no leaks.
package memmgr

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Manager tracks host pointers handed out to the translator via its
// allocate/reallocate/free exports. It is safe for concurrent use; the
// translator may call these exports from the CPU thread while a snapshot
// or dispose path inspects Outstanding from another thread.
type Manager struct {
	mu    sync.Mutex
	sizes map[uintptr]uint64
	total atomic.Int64
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{sizes: make(map[uintptr]uint64)}
}

// Allocate registers size bytes at ptr, a host pointer the caller has just
// obtained from the platform allocator (e.g. a purego-bound malloc).
// Manager only keeps the bookkeeping, so tests can register fake pointers
// without allocating.
func (m *Manager) Allocate(ptr uintptr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.sizes[ptr]; dup {
		panic(errors.Errorf("memmgr: duplicate allocation registered at %#x", ptr))
	}
	m.sizes[ptr] = size
	m.total.Add(int64(size))
}

// Reallocate moves the bookkeeping for oldPtr to newPtr, adjusting the
// running total by newSize-oldSize. Callers implement the null/zero-size
// cases described in spec.md §4.2 (allocate-if-null, free-if-zero) before
// calling Reallocate for the general case.
func (m *Manager) Reallocate(oldPtr, newPtr uintptr, newSize uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldSize, ok := m.sizes[oldPtr]
	if !ok {
		panic(errors.Errorf("memmgr: reallocate of unregistered pointer %#x", oldPtr))
	}
	delete(m.sizes, oldPtr)
	m.sizes[newPtr] = newSize
	m.total.Add(int64(newSize) - int64(oldSize))
}

// Free unregisters ptr. Freeing an unregistered pointer is an invariant
// violation (spec.md §4.2, §7) and panics.
func (m *Manager) Free(ptr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.sizes[ptr]
	if !ok {
		panic(errors.Errorf("memmgr: free of unregistered pointer %#x", ptr))
	}
	delete(m.sizes, ptr)
	m.total.Add(-int64(size))
}

// Outstanding returns the number of currently registered allocations.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sizes)
}

// TotalBytes returns the running total of outstanding allocation size.
func (m *Manager) TotalBytes() int64 {
	return m.total.Load()
}

// AssertEmpty returns an error if any allocation is still outstanding;
// called on CPU Dispose per spec.md §3, §8.
func (m *Manager) AssertEmpty() error {
	if n := m.Outstanding(); n != 0 {
		return errors.Errorf("memmgr: %d allocation(s) still outstanding at teardown", n)
	}
	return nil
}
