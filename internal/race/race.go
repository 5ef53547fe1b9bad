// Package race implements the race(a, b) primitive the concurrency model
// requires (§5): run several cancellable operations concurrently, return
// as soon as the first finishes, and cancel the rest.
package race

import "context"

// Race runs every fn concurrently with a shared cancellable context
// derived from ctx. It returns the index and error of whichever fn
// returns first; every other fn is cancelled via ctx and left to unwind
// on its own — callers pass cancellation-aware functions (a claim's
// wait/lost, an event's Wait) for which this is always safe.
func Race(ctx context.Context, fns ...func(context.Context) error) (int, error) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		idx int
		err error
	}

	resCh := make(chan result, len(fns))
	for i, fn := range fns {
		i, fn := i, fn
		go func() {
			resCh <- result{i, fn(childCtx)}
		}()
	}

	first := <-resCh
	return first.idx, first.err
}
