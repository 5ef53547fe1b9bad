package block

import (
	"context"
	"testing"
	"time"

	"github.com/TablewareBox/automancer/internal/procrun"
	"github.com/TablewareBox/automancer/internal/program"
)

// instantProcess terminates as soon as it runs, letting a Segment child
// complete a Repeat iteration without any external driving.
func newInstantProcessFactory() ProcessFactory {
	return func() procrun.Process {
		proc := newScriptedProcess()
		proc.events <- procrun.ExecEvent{Stopped: true, Terminated: true, Time: time.Now()}
		close(proc.events)
		return proc
	}
}

func TestRepeatRunsChildCountTimes(t *testing.T) {
	seg := &Segment{Namespace: "test", NewProcess: newInstantProcessFactory()}

	count := 3
	rep := &Repeat{Child: seg, Count: &count}

	m := newTestMaster()
	child := m.Root().CreateChild()
	prog := rep.CreateProgram(child).(*RepeatProgram)
	child.SetProgram(prog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := prog.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if prog.Index() != count {
		t.Fatalf("expected final index %d, got %d", count, prog.Index())
	}
}

func TestRepeatHaltStopsIteration(t *testing.T) {
	proc := newScriptedProcess()

	seg := &Segment{Namespace: "test", NewProcess: func() procrun.Process { return proc }}
	rep := &Repeat{Child: seg, Count: nil}

	m := newTestMaster()
	child := m.Root().CreateChild()
	prog := rep.CreateProgram(child).(*RepeatProgram)
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
		t.Fatal("timed out waiting for repeat to finish after halt")
	}

	if prog.Index() != 1 {
		t.Fatalf("expected index 1 after a single completed iteration, got %d", prog.Index())
	}
}
