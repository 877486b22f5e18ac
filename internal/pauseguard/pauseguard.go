// Package pauseguard implements precise watchpoint pause by bracketing
// every bus access the translator performs, and the reentrant-pause
// sanity check used when Pause is called from the CPU thread itself
// (spec.md §4.7).
package pauseguard

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Guard is the per-CPU pause guard. Enter/Leave bracket the translator's
// execute call and toggle active; Initialize/Dispose bracket each bus
// access the translator performs during that call.
type Guard struct {
	active atomic.Bool
	token  unsafe.Pointer // *struct{}; nil when no bus access is in flight

	// blockRestartReached latches true the first time a watchpointed
	// access triggers a restart, and is cleared the second time the same
	// access is reached after the one-instruction retranslation
	// (spec.md §4.7).
	blockRestartReached atomic.Bool
}

// New returns an inactive guard with no bus access in flight.
func New() *Guard {
	return &Guard{}
}

// Enter marks the calling thread as inside a translator execute call
// (spec.md §4.7).
func (g *Guard) Enter() {
	g.active.Store(true)
}

// Leave marks the calling thread as having returned from execute.
func (g *Guard) Leave() {
	g.active.Store(false)
}

// Initialize brackets one bus access. watchpointed reports whether
// bus.IsWatchpointAt matched the access. It returns true exactly once per
// watchpointed access — on that call the caller must invoke
// restart_translation_block and not perform the actual bus operation,
// since restart_translation_block unwinds the translator out of the
// current block and never returns normally to this call (spec.md §4.7).
// On the second pass, reached after the block has been retranslated to a
// single instruction and re-executes the same access, Initialize clears
// the latch and returns false so the access proceeds normally.
func (g *Guard) Initialize(watchpointed bool) (mustRestart bool) {
	tok := new(struct{})
	atomic.StorePointer(&g.token, unsafe.Pointer(tok))

	if !watchpointed {
		return false
	}
	if !g.blockRestartReached.Load() {
		g.blockRestartReached.Store(true)
		return true
	}
	g.blockRestartReached.Store(false)
	return false
}

// Dispose clears the guard token at the end of a bus access.
func (g *Guard) Dispose() {
	atomic.StorePointer(&g.token, nil)
}

// OrderPause is called when Pause is requested from the CPU thread
// itself (spec.md §4.4 Pause protocol). While the guard is active (inside
// execute), it is only valid to do so from within a guarded bus access —
// one with a live token — since that is the only reentrant path the
// translator can safely unwind from (spec.md §4.7, §9 "debug-only
// assertion... watchpoint handler"); a call while active with no token is
// an invariant violation. When the guard is not active it returns nil.
func (g *Guard) OrderPause() error {
	if g.active.Load() && atomic.LoadPointer(&g.token) == nil {
		return errors.New("pauseguard: pause ordered on the CPU thread outside a guarded bus access")
	}
	return nil
}

// Active reports whether the guard currently brackets an execute call.
func (g *Guard) Active() bool {
	return g.active.Load()
}
