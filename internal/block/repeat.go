package block

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/TablewareBox/automancer/internal/program"
)

// RepeatMode is the Repeat program's mode machine (§4.E Repeat).
type RepeatMode int

const (
	RepeatNormal RepeatMode = iota
	RepeatHalting
)

func (m RepeatMode) String() string {
	switch m {
	case RepeatNormal:
		return "normal"
	case RepeatHalting:
		return "halting"
	default:
		return "unknown"
	}
}

func (m RepeatMode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// RepeatLocation is the exported location of a running Repeat block.
type RepeatLocation struct {
	Mode  RepeatMode
	Index int
	Child any
}

func (l RepeatLocation) Export() map[string]any {
	return map[string]any{"mode": l.Mode, "index": l.Index, "child": l.Child}
}

// Repeat runs its child Count times, or forever when Count is nil (§4.E
// Repeat). Each iteration's index is exposed on RepeatProgram.Index for
// the child's runtime environment to read.
type Repeat struct {
	Child Block
	Count *int // nil means "forever"
}

func (b *Repeat) CreateProgram(handle *program.Handle) program.Program {
	return &RepeatProgram{handle: handle, block: b}
}

// RepeatProgram is one running instance of a Repeat block.
type RepeatProgram struct {
	handle *program.Handle
	block  *Repeat

	mu      sync.Mutex
	mode    RepeatMode
	index   int
	current program.Program
}

// Index returns the iteration currently running, for the child's
// runtime environment ("exposes index in the child's runtime
// environment").
func (p *RepeatProgram) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

func (p *RepeatProgram) send(childLoc any) {
	p.mu.Lock()
	loc := RepeatLocation{Mode: p.mode, Index: p.index, Child: childLoc}
	p.mu.Unlock()
	p.handle.Send(loc)
}

func (p *RepeatProgram) Busy() bool {
	p.mu.Lock()
	mode := p.mode
	current := p.current
	p.mu.Unlock()

	if mode == RepeatHalting {
		return true
	}
	return current != nil && current.Busy()
}

func (p *RepeatProgram) Receive(msg program.ControlMessage) {
	if msg.Type == "halt" {
		p.mu.Lock()
		p.mode = RepeatHalting
		current := p.current
		p.mu.Unlock()
		if current != nil {
			current.Receive(msg)
		}
		return
	}

	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current != nil {
		current.Receive(msg)
	}
}

// Run executes the child once per iteration, restarting on termination
// until Count iterations have run (or forever, if Count is nil).
func (p *RepeatProgram) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "repeat.run")
	defer span.End()

	p.mu.Lock()
	p.index = 0
	p.mode = RepeatNormal
	p.mu.Unlock()

	for {
		p.mu.Lock()
		halting := p.mode == RepeatHalting
		done := p.block.Count != nil && p.index >= *p.block.Count
		p.mu.Unlock()

		if halting || done {
			break
		}

		childHandle := p.handle.CreateChild()
		childProg := p.block.Child.CreateProgram(childHandle)
		childHandle.SetProgram(childProg)

		p.mu.Lock()
		p.current = childProg
		p.mu.Unlock()

		err := childProg.Run(ctx)
		childHandle.Detach()

		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()

		if err != nil {
			return err
		}

		p.mu.Lock()
		p.index++
		p.mu.Unlock()

		p.send(nil)
	}

	return nil
}
