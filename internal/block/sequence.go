package block

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/TablewareBox/automancer/internal/program"
)

// SequenceMode is the Sequence program's mode machine (§4.E Sequence).
type SequenceMode int

const (
	SequenceNormal SequenceMode = iota
	SequencePaused
	SequenceHalting
)

func (m SequenceMode) String() string {
	switch m {
	case SequenceNormal:
		return "normal"
	case SequencePaused:
		return "paused"
	case SequenceHalting:
		return "halting"
	default:
		return "unknown"
	}
}

func (m SequenceMode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// SequenceLocation is the exported location of a running Sequence.
type SequenceLocation struct {
	Mode  SequenceMode
	Index int
	Child any
}

func (l SequenceLocation) Export() map[string]any {
	return map[string]any{"mode": l.Mode, "index": l.Index, "child": l.Child}
}

// Sequence runs its children one after another, in order (§4.E Sequence;
// the original defines no dedicated parser file for this kind — its
// semantics come straight from the distilled design).
type Sequence struct {
	Children []Block
}

func (b *Sequence) CreateProgram(handle *program.Handle) program.Program {
	return &SequenceProgram{handle: handle, block: b}
}

// SequenceProgram is one running instance of a Sequence block.
type SequenceProgram struct {
	handle *program.Handle
	block  *Sequence

	mu        sync.Mutex
	mode      SequenceMode
	index     int
	jumpIndex int
	jumping   bool
	current   program.Program
}

func (p *SequenceProgram) send(childLoc any) {
	p.mu.Lock()
	loc := SequenceLocation{Mode: p.mode, Index: p.index, Child: childLoc}
	p.mu.Unlock()
	p.handle.Send(loc)
}

func (p *SequenceProgram) Busy() bool {
	p.mu.Lock()
	mode := p.mode
	current := p.current
	p.mu.Unlock()

	if mode == SequenceHalting {
		return true
	}
	return current != nil && current.Busy()
}

// Receive forwards pause/resume to the active child; halt both marks
// this sequence as halting and forwards to the active child. A jump whose
// Point is an int child index is handled here: the index is recorded and
// the active child is halted, so Run continues at that index; any other
// jump is ignored.
func (p *SequenceProgram) Receive(msg program.ControlMessage) {
	switch msg.Type {
	case "halt":
		p.mu.Lock()
		p.mode = SequenceHalting
		current := p.current
		p.mu.Unlock()
		if current != nil {
			current.Receive(msg)
		}
	case "jump":
		if idx, ok := msg.Point.(int); ok {
			p.mu.Lock()
			p.jumpIndex = idx
			p.jumping = true
			current := p.current
			p.mu.Unlock()
			if current != nil {
				current.Receive(program.ControlMessage{Type: "halt"})
			}
		}
	default:
		p.mu.Lock()
		current := p.current
		p.mu.Unlock()
		if current != nil {
			current.Receive(msg)
		}
	}
}

// Run executes each child block in order, advancing on termination and
// honoring mid-run jumps to an arbitrary index (§4.E Sequence).
func (p *SequenceProgram) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sequence.run")
	defer span.End()

	p.mu.Lock()
	p.index = 0
	p.mode = SequenceNormal
	p.mu.Unlock()

	for {
		p.mu.Lock()
		idx := p.index
		halting := p.mode == SequenceHalting
		p.mu.Unlock()

		if halting || idx >= len(p.block.Children) {
			break
		}

		childHandle := p.handle.CreateChild()
		childProg := p.block.Children[idx].CreateProgram(childHandle)
		childHandle.SetProgram(childProg)

		p.mu.Lock()
		p.current = childProg
		p.mu.Unlock()

		err := childProg.Run(ctx)
		childHandle.Detach()

		p.mu.Lock()
		p.current = nil
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if p.jumping {
			p.index = p.jumpIndex
			p.jumping = false
		} else {
			p.index++
		}
		p.mu.Unlock()

		p.send(nil)
	}

	return nil
}
