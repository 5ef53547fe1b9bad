package block

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TablewareBox/automancer/internal/master"
	"github.com/TablewareBox/automancer/internal/procrun"
	"github.com/TablewareBox/automancer/internal/program"
	"github.com/TablewareBox/automancer/internal/statemgr"
)

// fakeConsumer is a statemgr.Consumer that settles immediately on both
// Add and Apply, so block tests can drive a state manager without a
// real node while still exercising re-apply after a suspend.
type fakeConsumer struct {
	mu     sync.Mutex
	notify map[*statemgr.Item]func(statemgr.Event)
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{notify: make(map[*statemgr.Item]func(statemgr.Event))}
}

func (c *fakeConsumer) Add(item *statemgr.Item, state any, notify func(statemgr.Event)) {
	c.mu.Lock()
	c.notify[item] = notify
	c.mu.Unlock()
	notify(statemgr.Event{Location: "applied", Settled: true})
}

func (c *fakeConsumer) Remove(ctx context.Context, item *statemgr.Item) error {
	c.mu.Lock()
	delete(c.notify, item)
	c.mu.Unlock()
	return nil
}

func (c *fakeConsumer) Apply(ctx context.Context, items []*statemgr.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		if notify, ok := c.notify[item]; ok {
			notify(statemgr.Event{Location: "applied", Settled: true})
		}
	}
	return nil
}

func (c *fakeConsumer) Suspend(ctx context.Context, item *statemgr.Item) (*statemgr.Event, error) {
	return &statemgr.Event{Location: "suspended", Settled: false}, nil
}

func (c *fakeConsumer) Clear(ctx context.Context, item *statemgr.Item) error { return nil }

func newTestMaster() *master.Master {
	return master.New(map[string]statemgr.Consumer{"test": newFakeConsumer()})
}

// scriptedProcess emits a fixed sequence of events, then closes, and
// additionally honors Halt()/Pause()/Resume() by emitting a follow-up
// event.
type scriptedProcess struct {
	events chan procrun.ExecEvent
}

func newScriptedProcess() *scriptedProcess {
	return &scriptedProcess{events: make(chan procrun.ExecEvent, 8)}
}

func (p *scriptedProcess) Run(ctx context.Context, point any) (<-chan procrun.ExecEvent, error) {
	return p.events, nil
}

func (p *scriptedProcess) Halt() {
	p.events <- procrun.ExecEvent{Stopped: true, Terminated: true, Time: time.Now()}
	close(p.events)
}

func (p *scriptedProcess) Pause() {
	p.events <- procrun.ExecEvent{Stopped: true, Time: time.Now()}
}

func (p *scriptedProcess) Resume() {
	p.events <- procrun.ExecEvent{Stopped: false, Time: time.Now()}
}

func TestSegmentRunsToCompletionOnProcessTermination(t *testing.T) {
	proc := newScriptedProcess()
	proc.events <- procrun.ExecEvent{Time: time.Now()}
	proc.events <- procrun.ExecEvent{Stopped: true, Terminated: true, Time: time.Now()}
	close(proc.events)

	seg := &Segment{Namespace: "test", NewProcess: func() procrun.Process { return proc }}

	m := newTestMaster()
	child := m.Root().CreateChild()
	prog := seg.CreateProgram(child)
	child.SetProgram(prog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := prog.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	loc, ok := child.Location().(SegmentLocation)
	if !ok {
		t.Fatalf("expected final location to be a SegmentLocation, got %#v", child.Location())
	}
	if loc.Mode != SegmentNormal {
		t.Fatalf("expected final mode to remain Normal on natural termination, got %s", loc.Mode)
	}
}

func TestSegmentHaltTransitionsToHalted(t *testing.T) {
	proc := newScriptedProcess()
	seg := &Segment{Namespace: "test", NewProcess: func() procrun.Process { return proc }}

	m := newTestMaster()
	child := m.Root().CreateChild()
	prog := seg.CreateProgram(child).(*SegmentProgram)
	child.SetProgram(prog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- prog.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	prog.Receive(program.ControlMessage{Type: "halt"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for halted segment to finish")
	}

	loc := child.Location().(SegmentLocation)
	if loc.Mode != SegmentHalted {
		t.Fatalf("expected final mode Halted, got %s", loc.Mode)
	}
}

func TestSegmentPauseThenResumeReturnsToNormal(t *testing.T) {
	proc := newScriptedProcess()
	seg := &Segment{Namespace: "test", NewProcess: func() procrun.Process { return proc }}

	m := newTestMaster()
	child := m.Root().CreateChild()
	prog := seg.CreateProgram(child).(*SegmentProgram)
	child.SetProgram(prog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- prog.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	prog.Receive(program.ControlMessage{Type: "pause"})

	waitForMode(t, child, SegmentPaused)

	prog.Receive(program.ControlMessage{Type: "resume"})
	waitForMode(t, child, SegmentNormal)

	proc.Halt()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for segment to finish after resume")
	}
}

func waitForMode(t *testing.T, h interface{ Location() any }, want SegmentMode) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if loc, ok := h.Location().(SegmentLocation); ok && loc.Mode == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for mode %s", want)
}
