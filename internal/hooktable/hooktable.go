// Package hooktable keeps the managed-side registry of hooks applied at
// guest addresses, mirroring the translator's own code hooks so that
// RemoveAllAt and re-application after a translation-cache flush stay in
// sync (spec.md §4.6). It is grounded on the teacher's address-keyed
// breakpoint bookkeeping.
package hooktable

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

func callbackKey(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

// Callback is invoked when execution reaches a hooked address.
type Callback func(addr uint64)

// AddHookFunc/RemoveHookFunc bind to the translator's breakpoint
// imports (add_breakpoint/remove_breakpoint, spec.md §4.1); hook is an
// opaque translator-side handle.
type (
	AddHookFunc    func(addr uint64) (hook uintptr, err error)
	RemoveHookFunc func(hook uintptr) error
)

type entry struct {
	handle   uintptr
	callback Callback
}

// Table is the Hook Table component: one address-keyed set of entries,
// plus a single reserved slot for the block-begin hook used to signal
// translation-cache invalidation (spec.md §4.6). All hook mutations are
// safe at any time (spec.md §4.6), so the table is mutex-guarded
// (spec.md §5).
type Table struct {
	AddHook    AddHookFunc
	RemoveHook RemoveHookFunc

	mu     sync.Mutex
	byAddr map[uint64][]entry

	onBlockBegin func(addr uint64)
}

// New returns an empty hook table.
func New() *Table {
	return &Table{byAddr: make(map[uint64][]entry)}
}

// AddHookAt registers cb to fire when addr is reached, installing a
// translator-side hook the first time any callback is registered at that
// address (spec.md §4.6).
func (t *Table) AddHookAt(addr uint64, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, err := t.install(addr)
	if err != nil {
		return err
	}
	t.byAddr[addr] = append(t.byAddr[addr], entry{handle: handle, callback: cb})
	return nil
}

func (t *Table) install(addr uint64) (uintptr, error) {
	if existing := t.byAddr[addr]; len(existing) > 0 {
		return existing[0].handle, nil
	}
	if t.AddHook == nil {
		return 0, nil
	}
	handle, err := t.AddHook(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "hooktable: add_hook at %#x failed", addr)
	}
	return handle, nil
}

// Dispatch invokes every callback registered at addr, in registration
// order. Called from the translator's block-execution callback.
func (t *Table) Dispatch(addr uint64) {
	t.mu.Lock()
	entries := append([]entry{}, t.byAddr[addr]...)
	t.mu.Unlock()
	for _, e := range entries {
		e.callback(addr)
	}
}

// RemoveAllAt removes every hook registered at addr and, if a
// translator-side hook was installed for it, removes that too (spec.md
// §4.6). Safe to call with no hooks registered at addr.
func (t *Table) RemoveAllAt(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.byAddr[addr]
	if !ok {
		return nil
	}
	delete(t.byAddr, addr)
	if t.RemoveHook != nil && len(entries) > 0 {
		if err := t.RemoveHook(entries[0].handle); err != nil {
			return errors.Wrapf(err, "hooktable: remove_hook at %#x failed", addr)
		}
	}
	return nil
}

// RemoveHookAt drops a single callback registered at addr, identified by
// pointer equality with the Go func value's underlying data (callers
// keep the value they passed to AddHookAt to remove it later, matching
// spec.md §6's AddHook/RemoveHook(addr, cb) pair). If the set becomes
// empty, the translator-side hook is removed too.
func (t *Table) RemoveHookAt(addr uint64, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, ok := t.byAddr[addr]
	if !ok {
		return nil
	}
	target := callbackKey(cb)
	kept := entries[:0]
	for _, e := range entries {
		if callbackKey(e.callback) != target {
			kept = append(kept, e)
		}
	}
	if len(kept) > 0 {
		t.byAddr[addr] = kept
		return nil
	}
	delete(t.byAddr, addr)
	if t.RemoveHook != nil {
		if err := t.RemoveHook(entries[0].handle); err != nil {
			return errors.Wrapf(err, "hooktable: remove_hook at %#x failed", addr)
		}
	}
	return nil
}

// Addresses returns every address with at least one hook registered, for
// re-application after a translation-cache flush invalidates translator
// hook handles (spec.md §4.6 cross-CPU invalidation broadcast).
func (t *Table) Addresses() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.byAddr))
	for addr := range t.byAddr {
		out = append(out, addr)
	}
	return out
}

// Reapply re-installs translator-side hooks for every address currently
// tracked, replacing stale handles. Used after the translation cache is
// invalidated and all translator hook handles become void.
func (t *Table) Reapply() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, entries := range t.byAddr {
		if t.AddHook == nil {
			continue
		}
		handle, err := t.AddHook(addr)
		if err != nil {
			return errors.Wrapf(err, "hooktable: reapply at %#x failed", addr)
		}
		for i := range entries {
			entries[i].handle = handle
		}
		t.byAddr[addr] = entries
	}
	return nil
}

// SetBlockBeginCallback installs the single reserved block-begin hook
// used to detect translation-block boundaries for stepping and cache
// invalidation signaling (spec.md §4.6, §4.4). It returns true when this
// call flips the hook between installed and uninstalled, since that
// transition changes what is_block_begin_event_enabled reports to the
// translator and therefore forces a translation-cache invalidation.
func (t *Table) SetBlockBeginCallback(cb func(addr uint64)) (transitioned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.onBlockBegin != nil
	t.onBlockBegin = cb
	is := t.onBlockBegin != nil
	return was != is
}

// HasBlockBeginHook reports whether a block-begin callback is installed,
// bound to the translator's is_block_begin_event_enabled export.
func (t *Table) HasBlockBeginHook() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onBlockBegin != nil
}

// DispatchBlockBegin invokes the block-begin callback, if installed.
func (t *Table) DispatchBlockBegin(addr uint64) {
	t.mu.Lock()
	cb := t.onBlockBegin
	t.mu.Unlock()
	if cb != nil {
		cb(addr)
	}
}

// Count returns the number of distinct hooked addresses.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byAddr)
}
