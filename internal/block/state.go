package block

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/TablewareBox/automancer/internal/blockstate"
	"github.com/TablewareBox/automancer/internal/check"
	"github.com/TablewareBox/automancer/internal/program"
	"github.com/TablewareBox/automancer/internal/statemgr"
)

// StateMode is the State program's mode machine (§4.E State).
type StateMode int

const (
	StateApplyingState StateMode = iota
	StateNormal
	StatePausingChild
	StatePausingState
	StatePaused
	StateResuming
	StateResumingState
	StateSuspendingState
	StateHaltingChildThenState
	StateHaltingChildWhilePaused
	StateHaltingState
	StateTerminated
)

func (m StateMode) String() string {
	switch m {
	case StateApplyingState:
		return "applying_state"
	case StateNormal:
		return "normal"
	case StatePausingChild:
		return "pausing_child"
	case StatePausingState:
		return "pausing_state"
	case StatePaused:
		return "paused"
	case StateResuming:
		return "resuming"
	case StateResumingState:
		return "resuming_state"
	case StateSuspendingState:
		return "suspending_state"
	case StateHaltingChildThenState:
		return "halting_child_then_state"
	case StateHaltingChildWhilePaused:
		return "halting_child_while_paused"
	case StateHaltingState:
		return "halting_state"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (m StateMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// StateLocation is the exported location of a running State block.
type StateLocation struct {
	Mode  StateMode
	State any
}

func (l StateLocation) Export() map[string]any {
	return map[string]any{"mode": l.Mode, "state": l.State}
}

// State wraps a child block with unit state demanded for its duration
// (§4.E State; the original's `StateBlock`). Settle controls whether the
// block waits for the state to fully apply before starting its child.
type State struct {
	Child  Block
	State  blockstate.State
	Settle bool
}

func (b *State) CreateProgram(handle *program.Handle) program.Program {
	return &StateProgram{handle: handle, block: b}
}

// StateProgram is one running instance of a State block (the original's
// `StateProgram`).
type StateProgram struct {
	handle *program.Handle
	block  *State

	mu            sync.Mutex
	mode          StateMode
	stateLocation any
	childProg     program.Program
}

func (p *StateProgram) location() StateLocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return StateLocation{Mode: p.mode, State: p.stateLocation}
}

func (p *StateProgram) send() {
	p.handle.Send(p.location())
}

func (p *StateProgram) Busy() bool {
	p.mu.Lock()
	mode := p.mode
	child := p.childProg
	p.mu.Unlock()

	if mode != StateNormal && mode != StatePaused {
		return true
	}
	return child != nil && child.Busy()
}

// Receive dispatches pause/resume/halt cooperatively (loose): a pause or
// resume that arrives while this program isn't in the expected mode is
// a silent no-op rather than an assertion failure, matching how
// pause_children/resume_parent broadcast to descendants that may not all
// share the same mode at the moment of broadcast.
func (p *StateProgram) Receive(msg program.ControlMessage) {
	switch msg.Type {
	case "halt":
		p.halt()
	case "pause":
		p.pause(context.Background(), true)
	case "resume":
		p.resume(context.Background(), true)
	}
}

func (p *StateProgram) halt() {
	p.mu.Lock()
	var next StateMode
	switch p.mode {
	case StateNormal:
		next = StateHaltingChildThenState
	case StatePaused:
		next = StateHaltingChildWhilePaused
	default:
		p.mu.Unlock()
		check.Assertf(false, "state halt: illegal mode %s", p.mode)
		return
	}
	p.mode = next
	child := p.childProg
	p.mu.Unlock()

	p.send()

	if child != nil {
		child.Receive(program.ControlMessage{Type: "halt"})
	}
}

func (p *StateProgram) pause(ctx context.Context, loose bool) error {
	p.mu.Lock()
	if p.mode != StateNormal {
		p.mu.Unlock()
		if loose {
			return nil
		}
		check.Assertf(false, "state pause: illegal mode %s", p.mode)
		return nil
	}
	p.mode = StatePausingChild
	p.mu.Unlock()
	p.send()

	if err := p.handle.PauseChildren(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.mode = StatePausingState
	p.mu.Unlock()
	p.send()

	if err := p.handle.Master().StateManager().Suspend(ctx, p.handle); err != nil {
		return fmt.Errorf("state: pause suspend: %w", err)
	}

	p.mu.Lock()
	p.mode = StatePaused
	p.mu.Unlock()
	p.send()

	return nil
}

func (p *StateProgram) resume(ctx context.Context, loose bool) error {
	p.mu.Lock()
	if p.mode != StatePaused {
		p.mu.Unlock()
		if loose {
			return nil
		}
		check.Assertf(false, "state resume: illegal mode %s", p.mode)
		return nil
	}
	p.mode = StateResuming
	p.mu.Unlock()
	p.send()

	if err := p.handle.ResumeParent(ctx); err != nil {
		p.mu.Lock()
		p.mode = StatePaused
		p.mu.Unlock()
		p.send()
		return err
	}

	if p.block.Settle || !loose {
		p.mu.Lock()
		p.mode = StateResumingState
		p.mu.Unlock()
		p.send()

		if err := p.handle.Master().StateManager().Apply(ctx, p.handle, !loose); err != nil {
			return fmt.Errorf("state: resume apply: %w", err)
		}
	}

	p.mu.Lock()
	p.mode = StateNormal
	p.mu.Unlock()
	p.send()

	return nil
}

// Run registers the block's unit state, applies it and waits for it to
// settle when Settle is set (otherwise the first apply comes from a
// descendant), runs the child block to completion, then suspends and
// removes the state item (§4.E State "Run sequence").
func (p *StateProgram) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "state.run")
	defer span.End()

	mgr := p.handle.Master().StateManager()

	mgr.Add(p.handle, p.block.State, func(rec statemgr.Record) {
		p.mu.Lock()
		p.stateLocation = rec.Location
		p.mu.Unlock()
		p.send()
	})

	if p.block.Settle {
		p.mu.Lock()
		p.mode = StateApplyingState
		p.mu.Unlock()

		if err := mgr.Apply(ctx, p.handle, false); err != nil {
			return fmt.Errorf("state: initial apply: %w", err)
		}

		p.mu.Lock()
		p.mode = StateNormal
		p.mu.Unlock()
		p.send()
	} else {
		p.mu.Lock()
		p.mode = StateNormal
		p.mu.Unlock()
	}

	childHandle := p.handle.CreateChild()
	childProg := p.block.Child.CreateProgram(childHandle)
	childHandle.SetProgram(childProg)

	p.mu.Lock()
	p.childProg = childProg
	p.mu.Unlock()

	childErr := childProg.Run(ctx)
	childHandle.Detach()

	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()

	if mode != StateHaltingChildWhilePaused && mode != StatePaused {
		p.mu.Lock()
		p.mode = StateSuspendingState
		p.mu.Unlock()

		if err := mgr.Suspend(ctx, p.handle); err != nil {
			return fmt.Errorf("state: final suspend: %w", err)
		}
	}

	if err := mgr.Remove(ctx, p.handle); err != nil {
		return fmt.Errorf("state: remove: %w", err)
	}

	p.mu.Lock()
	p.mode = StateTerminated
	p.mu.Unlock()
	p.send()

	return childErr
}
