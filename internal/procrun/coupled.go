package procrun

import (
	"context"
	"sync"
)

// Pair is one coupled output: a process event paired with the latest
// state location known at the time it was yielded.
type Pair struct {
	Event    ExecEvent
	Location any
}

// CoupledStateIterator interleaves a process's event stream with
// out-of-band state-location updates (pushed via Notify) so that every
// yielded Pair carries the latest of both — the Go rendering of
// CoupledStateIterator2, whose call sites in the original fiber/segment.py
// couple a segment's process stream with its state instance's
// notifications.
type CoupledStateIterator struct {
	mu       sync.Mutex
	location any

	out  chan Pair
	done chan struct{}
}

// NewCoupledStateIterator starts relaying events until the source
// channel closes.
func NewCoupledStateIterator(events <-chan ExecEvent) *CoupledStateIterator {
	it := &CoupledStateIterator{
		out:  make(chan Pair),
		done: make(chan struct{}),
	}
	go it.relay(events)
	return it
}

func (it *CoupledStateIterator) relay(events <-chan ExecEvent) {
	defer close(it.out)
	for ev := range events {
		it.mu.Lock()
		loc := it.location
		it.mu.Unlock()

		select {
		case it.out <- Pair{Event: ev, Location: loc}:
		case <-it.done:
			return
		}
	}
}

// Notify records the latest state location; the next relayed event (and
// every one after it, until the next Notify) carries this value.
func (it *CoupledStateIterator) Notify(location any) {
	it.mu.Lock()
	it.location = location
	it.mu.Unlock()
}

// Next blocks for the next coupled pair, returning ok=false once the
// underlying process stream has been exhausted.
func (it *CoupledStateIterator) Next(ctx context.Context) (pair Pair, ok bool, err error) {
	select {
	case p, open := <-it.out:
		return p, open, nil
	case <-ctx.Done():
		return Pair{}, false, ctx.Err()
	}
}

// Close stops relaying early, for callers that abandon the iterator
// before the source stream closes (e.g. on halt).
func (it *CoupledStateIterator) Close() {
	select {
	case <-it.done:
	default:
		close(it.done)
	}
}
