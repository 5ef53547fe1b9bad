package statemgr

import (
	"context"
	"sync"
)

// resettableEvent is a manual-reset event: Wait blocks until Set is
// called, Clear re-arms it. Mirrors the teacher's wrapping of a
// broadcast channel around reconcile-loop signals in
// machine/convergence/loop.go, generalized to the settle/update signals
// §4.B and §5 require (a node's update_event, an item's settle event).
type resettableEvent struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newResettableEvent() *resettableEvent {
	return &resettableEvent{ch: make(chan struct{})}
}

// Set arms the event, waking every current waiter. A no-op if already set.
func (e *resettableEvent) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

// Clear disarms the event for the next Wait call.
func (e *resettableEvent) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

func (e *resettableEvent) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until Set is called or ctx is cancelled.
func (e *resettableEvent) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return nil
	}
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
