package procrun

import (
	"context"
	"testing"
	"time"
)

func TestCoupledStateIteratorCarriesLatestLocation(t *testing.T) {
	events := make(chan ExecEvent)
	it := NewCoupledStateIterator(events)

	it.Notify("loc-0")

	go func() {
		events <- ExecEvent{Stopped: false}
		it.Notify("loc-1")
		events <- ExecEvent{Stopped: true, Terminated: true}
		close(events)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, ok, err := it.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first pair, got ok=%v err=%v", ok, err)
	}
	if first.Location != "loc-0" {
		t.Fatalf("expected first pair to carry loc-0, got %v", first.Location)
	}

	second, ok, err := it.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected second pair, got ok=%v err=%v", ok, err)
	}
	if second.Location != "loc-1" || !second.Event.Terminated {
		t.Fatalf("expected terminated pair carrying loc-1, got %+v", second)
	}

	_, ok, err = it.Next(ctx)
	if err != nil || ok {
		t.Fatalf("expected stream to be exhausted, got ok=%v err=%v", ok, err)
	}
}
