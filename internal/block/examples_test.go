package block

import (
	"context"
	"testing"
	"time"

	"github.com/TablewareBox/automancer/internal/procrun"
	"github.com/TablewareBox/automancer/internal/program"
)

// idleProcess waits until halted, emitting no further events on its own —
// the Go stand-in for the original's pr1_idle leaf unit
// (original_source/units/builtin/src/pr1_idle), which parks a protocol
// until an operator advances it.
type idleProcess struct {
	halt chan struct{}
}

func newIdleProcess() *idleProcess { return &idleProcess{halt: make(chan struct{})} }

func (p *idleProcess) Run(ctx context.Context, point any) (<-chan procrun.ExecEvent, error) {
	out := make(chan procrun.ExecEvent, 1)
	out <- procrun.ExecEvent{Location: "idle", Time: time.Now()}

	go func() {
		select {
		case <-p.halt:
		case <-ctx.Done():
		}
		out <- procrun.ExecEvent{Stopped: true, Terminated: true, Time: time.Now()}
		close(out)
	}()

	return out, nil
}

func (p *idleProcess) Halt() { close(p.halt) }

// timerProcess runs for a fixed duration and then terminates on its
// own — the Go stand-in for pr1_timer.
type timerProcess struct {
	duration time.Duration
}

func newTimerProcess(d time.Duration) *timerProcess { return &timerProcess{duration: d} }

func (p *timerProcess) Run(ctx context.Context, point any) (<-chan procrun.ExecEvent, error) {
	out := make(chan procrun.ExecEvent, 1)
	out <- procrun.ExecEvent{Location: p.duration, Time: time.Now()}

	go func() {
		select {
		case <-time.After(p.duration):
		case <-ctx.Done():
		}
		out <- procrun.ExecEvent{Stopped: true, Terminated: true, Time: time.Now()}
		close(out)
	}()

	return out, nil
}

// sayProcess emits one message and terminates immediately — the Go
// stand-in for pr1_say, whose Matrix holds a fixed voice/text pair
// rather than any running state.
type sayProcess struct {
	message string
}

func newSayProcess(message string) *sayProcess { return &sayProcess{message: message} }

func (p *sayProcess) Run(ctx context.Context, point any) (<-chan procrun.ExecEvent, error) {
	out := make(chan procrun.ExecEvent, 2)
	out <- procrun.ExecEvent{Location: p.message, Time: time.Now()}
	out <- procrun.ExecEvent{Stopped: true, Terminated: true, Time: time.Now()}
	close(out)
	return out, nil
}

func TestSegmentWithIdleProcessHaltsOnHalt(t *testing.T) {
	proc := newIdleProcess()
	seg := &Segment{Namespace: "idle", NewProcess: func() procrun.Process { return proc }}

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
		t.Fatal("timed out waiting for idle segment to halt")
	}

	loc := child.Location().(SegmentLocation)
	if loc.Mode != SegmentHalted {
		t.Fatalf("expected final mode Halted, got %s", loc.Mode)
	}
}

func TestSegmentWithTimerProcessTerminatesOnItsOwn(t *testing.T) {
	proc := newTimerProcess(10 * time.Millisecond)
	seg := &Segment{Namespace: "timer", NewProcess: func() procrun.Process { return proc }}

	m := newTestMaster()
	child := m.Root().CreateChild()
	prog := seg.CreateProgram(child)
	child.SetProgram(prog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := prog.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestSegmentWithSayProcessTerminatesImmediately(t *testing.T) {
	proc := newSayProcess("ready")
	seg := &Segment{Namespace: "say", NewProcess: func() procrun.Process { return proc }}

	m := newTestMaster()
	child := m.Root().CreateChild()
	prog := seg.CreateProgram(child)
	child.SetProgram(prog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := prog.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
