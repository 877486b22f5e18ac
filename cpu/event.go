package cpu

import "sync"

// event is a broadcastable wake signal, used to collapse spec.md §5's
// wait-handle array (pause event, interrupt latches, halted-finished)
// into a single condition any interested goroutine can wait on. notify
// closes the current channel and arms a fresh one.
type event struct {
	mu sync.Mutex
	ch chan struct{}
}

func (e *event) init() {
	e.ch = make(chan struct{})
}

// wait blocks until the next notify call.
func (e *event) wait() {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	<-ch
}

// c returns a channel that closes on the next notify, for use in a
// select alongside a timeout or other wake condition.
func (e *event) c() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// notify wakes every current waiter and arms a fresh channel for the
// next wait.
func (e *event) notify() {
	e.mu.Lock()
	old := e.ch
	e.ch = make(chan struct{})
	e.mu.Unlock()
	close(old)
}
