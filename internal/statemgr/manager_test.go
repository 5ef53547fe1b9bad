package statemgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TablewareBox/automancer/internal/blockstate"
	"github.com/TablewareBox/automancer/internal/node"
)

// fakeHandle is a minimal Handle for tests: a plain tree node with an
// optional parent, standing in for internal/program's ProgramHandle.
type fakeHandle struct {
	parent *fakeHandle
}

func (h *fakeHandle) Parent() (Handle, bool) {
	if h.parent == nil {
		return nil, false
	}
	return h.parent, true
}

type fakeDriver struct {
	mu     sync.Mutex
	writes []any
}

func (d *fakeDriver) Read(ctx context.Context) (bool, error) { return false, nil }

func (d *fakeDriver) Write(ctx context.Context, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, value)
	return nil
}

func (d *fakeDriver) snapshot() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]any, len(d.writes))
	copy(out, d.writes)
	return out
}

func newTestManager(nodes map[string]*node.Writable) (*Manager, *DevicesConsumer) {
	resolve := func(path string) (*node.Writable, bool) {
		n, ok := nodes[path]
		return n, ok
	}
	consumer := NewDevicesConsumer(resolve, node.RootSymbol())
	return NewManager(map[string]Consumer{"devices": consumer}), consumer
}

func TestSingleSegmentAppliesAndSettles(t *testing.T) {
	driver := &fakeDriver{}
	valve := node.NewWritable(node.Info{Path: node.Path{"valve"}}, driver)
	mgr, _ := newTestManager(map[string]*node.Writable{"valve": valve})

	handle := &fakeHandle{}
	var records []Record
	var mu sync.Mutex

	mgr.Add(handle, blockstate.State{"devices": DeviceState{"valve": 3}}, func(r Record) {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, r)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := mgr.Apply(ctx, handle, false); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := driver.snapshot(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected a single write of 3, got %v", got)
	}

	mu.Lock()
	last := records[len(records)-1]
	mu.Unlock()
	if !last.Settled {
		t.Fatalf("expected final record to be settled")
	}
}

func TestNestedStatesRestoreOuterOnInnerRemoval(t *testing.T) {
	driver := &fakeDriver{}
	valve := node.NewWritable(node.Info{Path: node.Path{"valve"}}, driver)
	mgr, _ := newTestManager(map[string]*node.Writable{"valve": valve})

	outerHandle := &fakeHandle{}
	innerHandle := &fakeHandle{parent: outerHandle}

	mgr.Add(outerHandle, blockstate.State{"devices": DeviceState{"valve": 1}}, func(Record) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := mgr.Apply(ctx, outerHandle, false); err != nil {
		t.Fatalf("apply outer: %v", err)
	}

	mgr.Add(innerHandle, blockstate.State{"devices": DeviceState{"valve": 2}}, func(Record) {})
	if err := mgr.Apply(ctx, innerHandle, false); err != nil {
		t.Fatalf("apply inner: %v", err)
	}

	if err := mgr.Remove(ctx, innerHandle); err != nil {
		t.Fatalf("remove inner: %v", err)
	}

	// Removing the inner item must, by itself, fall the node back to the
	// outer item's value — no further Apply call should be necessary
	// (§4.B: "the manager re-enters the write loop via update_event").
	deadline := time.After(time.Second)
	for {
		writes := driver.snapshot()
		if len(writes) >= 3 {
			if writes[0] != 1 || writes[1] != 2 || writes[2] != 1 {
				t.Fatalf("expected writes [1 2 1], got %v", writes)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for writes, got %v", writes)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestClaimPreemptedByHigherSymbol(t *testing.T) {
	valve := node.NewWritable(node.Info{Path: node.Path{"valve"}}, &fakeDriver{})

	low := node.RootSymbol().Child(0)
	claim := valve.Claim(low)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := claim.Wait(ctx); err != nil {
		t.Fatalf("expected immediate grant: %v", err)
	}

	high := node.RootSymbol().Child(1)
	preempt := valve.Claim(high)

	if err := claim.Lost(context.Background()); err != nil {
		t.Fatalf("expected low claim to be preempted: %v", err)
	}
	preemptCtx, preemptCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer preemptCancel()
	if err := preempt.Wait(preemptCtx); err != nil {
		t.Fatalf("expected high claim to be granted: %v", err)
	}
}
