package block

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/TablewareBox/automancer/internal/program"
)

// ParallelMode is the Parallel program's mode machine (§4.E Parallel).
type ParallelMode int

const (
	ParallelNormal ParallelMode = iota
	ParallelPaused
	ParallelHalting
)

func (m ParallelMode) String() string {
	switch m {
	case ParallelNormal:
		return "normal"
	case ParallelPaused:
		return "paused"
	case ParallelHalting:
		return "halting"
	default:
		return "unknown"
	}
}

func (m ParallelMode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// ParallelLocation is the exported location of a running Parallel block.
type ParallelLocation struct {
	Mode     ParallelMode
	Branches []any
}

func (l ParallelLocation) Export() map[string]any {
	return map[string]any{"mode": l.Mode, "branches": l.Branches}
}

// Parallel spawns one child per branch and runs them concurrently (§4.E
// Parallel).
type Parallel struct {
	Branches []Block
}

func (b *Parallel) CreateProgram(handle *program.Handle) program.Program {
	return &ParallelProgram{handle: handle, block: b}
}

// ParallelProgram is one running instance of a Parallel block.
type ParallelProgram struct {
	handle *program.Handle
	block  *Parallel

	mu       sync.Mutex
	mode     ParallelMode
	children []program.Program
}

func (p *ParallelProgram) Busy() bool {
	p.mu.Lock()
	mode := p.mode
	children := append([]program.Program(nil), p.children...)
	p.mu.Unlock()

	if mode == ParallelHalting {
		return true
	}
	for _, c := range children {
		if c != nil && c.Busy() {
			return true
		}
	}
	return false
}

// Receive broadcasts pause/resume/halt to every branch (§4.E Parallel
// "pause/resume/halt broadcast").
func (p *ParallelProgram) Receive(msg program.ControlMessage) {
	p.mu.Lock()
	if msg.Type == "halt" {
		p.mode = ParallelHalting
	} else if msg.Type == "pause" {
		p.mode = ParallelPaused
	} else if msg.Type == "resume" {
		p.mode = ParallelNormal
	}
	children := append([]program.Program(nil), p.children...)
	p.mu.Unlock()

	for _, c := range children {
		if c != nil {
			c.Receive(msg)
		}
	}
}

// Run spawns every branch concurrently and waits for all of them to
// terminate, regardless of whether any fails (§4.E Parallel: "not
// fail-fast").
func (p *ParallelProgram) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "parallel.run")
	defer span.End()

	n := len(p.block.Branches)

	p.mu.Lock()
	p.mode = ParallelNormal
	p.children = make([]program.Program, n)
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, n)

	for i, branch := range p.block.Branches {
		childHandle := p.handle.CreateChild()
		childProg := branch.CreateProgram(childHandle)
		childHandle.SetProgram(childProg)

		p.mu.Lock()
		p.children[i] = childProg
		p.mu.Unlock()

		wg.Add(1)
		go func(i int, h *program.Handle, prog program.Program) {
			defer wg.Done()
			errs[i] = prog.Run(ctx)
			h.Detach()
		}(i, childHandle, childProg)
	}

	wg.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
