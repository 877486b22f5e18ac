// Package clocksource is the time base driven by retired-instruction
// counts (spec.md §4.8). It advances virtual time and schedules timer
// callbacks, and is the designated unwind mechanism for the execution
// loop's cancellable Advance call (spec.md §5).
package clocksource

import (
	"reflect"

	"github.com/pkg/errors"
)

// ErrCancelled is returned by Advance when the in-progress advance was
// cancelled. This is not a failure: spec.md §5 designates it the
// mechanism for unwinding the execution loop for re-entry.
var ErrCancelled = errors.New("clocksource: advance cancelled")

// Handler is invoked when an entry's period elapses.
type Handler func(value uint64)

// Entry is one scheduled clock callback (spec.md §3).
type Entry struct {
	Handler Handler
	Period  uint64
	Enabled bool
	Value   uint64

	key uintptr
}

func handlerKey(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Source is the ordered collection of clock entries. All methods are safe
// for concurrent use.
type Source struct {
	mu      chan struct{} // binary semaphore; see lock/unlock below
	entries []*Entry

	// Cancel, when non-nil, causes the next Advance call to return
	// ErrCancelled instead of completing. Tests set this to model the "force cancellation mid-advance" scenario
	// (spec.md §8 end-to-end scenario 6).
	Cancel func() bool
}

// New returns an empty clock source.
func New() *Source {
	s := &Source{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *Source) lock()   { <-s.mu }
func (s *Source) unlock() { s.mu <- struct{}{} }

// Add inserts an entry keyed by handler identity. It returns true if this
// is the transition from zero to one entries, which requires the caller
// to invalidate the translation cache (spec.md §4.8).
func (s *Source) Add(e *Entry) bool {
	s.lock()
	defer s.unlock()
	wasEmpty := len(s.entries) == 0
	e.key = handlerKey(e.Handler)
	s.entries = append(s.entries, e)
	return wasEmpty && len(s.entries) == 1
}

// Remove deletes the entry registered for handler h, if any.
func (s *Source) Remove(h Handler) {
	s.lock()
	defer s.unlock()
	key := handlerKey(h)
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	s.entries = out
}

// Visit calls fn for every entry under the internal lock.
func (s *Source) Visit(fn func(*Entry)) {
	s.lock()
	defer s.unlock()
	for _, e := range s.entries {
		fn(e)
	}
}

// Get returns the entry registered for handler h, if any.
func (s *Source) Get(h Handler) (*Entry, bool) {
	s.lock()
	defer s.unlock()
	key := handlerKey(h)
	for _, e := range s.entries {
		if e.key == key {
			return e, true
		}
	}
	return nil, false
}

// Exchange atomically removes the entry for the given handler (if present,
// visiting it first) and adds a freshly-built replacement.
func (s *Source) Exchange(h Handler, visit func(*Entry), factory func() *Entry) bool {
	s.lock()
	key := handlerKey(h)
	for _, e := range s.entries {
		if e.key == key && visit != nil {
			visit(e)
		}
	}
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	s.entries = out
	wasEmpty := len(s.entries) == 0
	if n := factory(); n != nil {
		n.key = handlerKey(n.Handler)
		s.entries = append(s.entries, n)
	}
	grew := wasEmpty && len(s.entries) > 0
	s.unlock()
	return grew
}

// EjectAll removes and returns every entry.
func (s *Source) EjectAll() []*Entry {
	s.lock()
	defer s.unlock()
	out := s.entries
	s.entries = nil
	return out
}

// AddAll re-adds a batch of previously ejected entries, returning true if
// this transitions the source from zero to non-zero entries.
func (s *Source) AddAll(entries []*Entry) bool {
	s.lock()
	defer s.unlock()
	wasEmpty := len(s.entries) == 0
	s.entries = append(s.entries, entries...)
	return wasEmpty && len(s.entries) > 0
}

// HasEntries reports whether any entry is currently scheduled.
func (s *Source) HasEntries() bool {
	s.lock()
	defer s.unlock()
	return len(s.entries) > 0
}

// CurrentValue returns the lowest Value across all entries, or 0 if empty.
func (s *Source) CurrentValue() uint64 {
	s.lock()
	defer s.unlock()
	var min uint64
	first := true
	for _, e := range s.entries {
		if first || e.Value < min {
			min, first = e.Value, false
		}
	}
	return min
}

// NearestLimitIn returns the smallest Period-Value across enabled entries,
// i.e. how many ticks until the nearest entry would next fire.
func (s *Source) NearestLimitIn() int64 {
	s.lock()
	defer s.unlock()
	var min int64
	first := true
	for _, e := range s.entries {
		if !e.Enabled {
			continue
		}
		remaining := int64(e.Period) - int64(e.Value)
		if first || remaining < min {
			min, first = remaining, false
		}
	}
	return min
}

// TicksForInstructions converts a retired-instruction count to virtual
// clock ticks using PerformanceInMips as the divisor (spec.md §6).
func TicksForInstructions(n uint64, mips uint32) uint64 {
	if mips == 0 {
		return n
	}
	return n / uint64(mips)
}

// Advance moves every enabled entry forward by ticks, firing handlers
// whose period has elapsed. restart replays an advance that a prior call
// was cancelled mid-way through, per spec.md §5's cancellation protocol;
// it is accepted for interface fidelity with spec.md §4.8 but does not by
// itself change behavior here since cancellation is modeled as an
// all-or-nothing check at entry.
func (s *Source) Advance(ticks uint64, restart bool) error {
	if s.Cancel != nil && s.Cancel() {
		return ErrCancelled
	}
	s.lock()
	defer s.unlock()
	for _, e := range s.entries {
		if !e.Enabled {
			continue
		}
		e.Value += ticks
		for e.Value >= e.Period && e.Period > 0 {
			e.Value -= e.Period
			if e.Handler != nil {
				e.Handler(e.Value)
			}
		}
	}
	return nil
}
