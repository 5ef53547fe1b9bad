// Package program implements the program tree and handles (§4.D): the
// structural layer linking a running block program to its parent, its
// children, and the master runtime, independent of any particular block
// kind (those live in package block).
package program

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TablewareBox/automancer/internal/node"
	"github.com/TablewareBox/automancer/internal/statemgr"
)

// HandleID identifies a handle within the master's arena (§9 Design
// Notes: "arena-allocated nodes with stable ids").
type HandleID uint64

// ControlMessage is a client-originated control input, routed to a
// program by handle id path and dispatched by Type (§4.D, §6).
type ControlMessage struct {
	Type  string // "halt", "jump", "pause", "resume"
	Point any
}

// Program is implemented by each block kind's running instance (package
// block). The program package depends only on this narrow surface, never
// on any concrete block kind — avoiding the cycle block -> program would
// otherwise create if program depended back on block.
type Program interface {
	// Run drives the program to completion, returning when its mode
	// machine reaches a terminal state.
	Run(ctx context.Context) error

	// Receive dispatches a control message; unknown types are a no-op at
	// this layer (§4.D "unknown types bubble to a default handler").
	Receive(msg ControlMessage)

	// Busy reports whether the program is mid-transition (§4.D
	// owner.busy): pausing, halting, or otherwise between stable modes.
	Busy() bool
}

// MasterLink is the narrow surface a handle needs from the master
// runtime (§4.D: "master — the root, exposing the state manager and
// update scheduling").
type MasterLink interface {
	StateManager() *statemgr.Manager
	UpdateSoon()
	NewHandle(parent *Handle) *Handle
	Forget(h *Handle)
}

// Handle is the program tree's structural node (§4.D): it owns the
// parent back-reference, its children keyed by handle id, the most
// recent location its program emitted, and a link to the master.
type Handle struct {
	ID     HandleID
	Symbol node.Symbol

	master MasterLink
	parent *Handle

	mu           sync.Mutex
	children     map[HandleID]*Handle
	program      Program
	lastLocation any
	nextChildOrd uint64
}

// NewHandle constructs a handle; only called by the master (arena
// owner) via MasterLink.NewHandle.
func NewHandle(id HandleID, symbol node.Symbol, parent *Handle, master MasterLink) *Handle {
	return &Handle{
		ID:       id,
		Symbol:   symbol,
		master:   master,
		parent:   parent,
		children: make(map[HandleID]*Handle),
	}
}

// Parent implements statemgr.Handle, letting the state manager walk the
// handle tree without depending on this package.
func (h *Handle) Parent() (statemgr.Handle, bool) {
	if h.parent == nil {
		return nil, false
	}
	return h.parent, true
}

// SetProgram attaches the running program instance to this handle. Done
// once, immediately after CreateChild, before Run is called.
func (h *Handle) SetProgram(p Program) {
	h.mu.Lock()
	h.program = p
	h.mu.Unlock()
}

// Program returns the program instance attached to this handle, if any.
func (h *Handle) Program() (Program, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.program, h.program != nil
}

// Send publishes a program's latest location; the master coalesces this
// into the next exported snapshot (§4.D send).
func (h *Handle) Send(location any) {
	h.mu.Lock()
	h.lastLocation = location
	h.mu.Unlock()
	h.master.UpdateSoon()
}

// Location returns the most recently sent location, or nil before the
// first Send.
func (h *Handle) Location() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLocation
}

// Master exposes the root runtime link (§4.D "master").
func (h *Handle) Master() MasterLink { return h.master }

// CreateChild instantiates a child handle, with a claim symbol strictly
// greater than h's (§4.A), and returns it as the "owner" the caller
// drives: attach a Program with SetProgram, then call Run.
func (h *Handle) CreateChild() *Handle {
	child := h.master.NewHandle(h)

	h.mu.Lock()
	h.children[child.ID] = child
	h.mu.Unlock()

	return child
}

// Detach removes this handle from its parent's children and the
// master's arena, once its program's Run has returned (§4.D "detached
// when the child program returns").
func (h *Handle) Detach() {
	if h.parent != nil {
		h.parent.mu.Lock()
		delete(h.parent.children, h.ID)
		h.parent.mu.Unlock()
	}
	h.master.Forget(h)
}

// Children returns a stable snapshot of this handle's current children.
func (h *Handle) Children() []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Handle, 0, len(h.children))
	for _, c := range h.children {
		out = append(out, c)
	}
	return out
}

const pausePollInterval = 5 * time.Millisecond

// PauseChildren broadcasts pause to every direct child and blocks until
// each reaches a paused (non-busy) mode (§4.D "pause_children awaits
// every descendant reaching a paused mode"). Polls Busy() rather than
// requiring a dedicated promise channel per child — adequate for a
// cooperative single-threaded-equivalent scheduler where pause
// transitions are not the hot path.
func (h *Handle) PauseChildren(ctx context.Context) error {
	for _, c := range h.Children() {
		c.mu.Lock()
		prog := c.program
		c.mu.Unlock()
		if prog != nil {
			prog.Receive(ControlMessage{Type: "pause"})
		}
	}

	for _, c := range h.Children() {
		if err := c.waitNotBusy(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) waitNotBusy(ctx context.Context) error {
	ticker := time.NewTicker(pausePollInterval)
	defer ticker.Stop()

	for {
		h.mu.Lock()
		prog := h.program
		h.mu.Unlock()

		if prog == nil || !prog.Busy() {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ErrParentRefused is returned by ResumeParent when the parent program
// cannot currently reach Normal mode.
var ErrParentRefused = fmt.Errorf("program: parent refused resume")

// ResumeParent asks the parent to reach Normal mode before this handle's
// program proceeds (§4.D "resume_parent requests the parent reach Normal
// before the child proceeds, fails if the parent cannot"). A handle with
// no parent (the root) always succeeds trivially.
func (h *Handle) ResumeParent(ctx context.Context) error {
	if h.parent == nil {
		return nil
	}

	h.parent.mu.Lock()
	prog := h.parent.program
	h.parent.mu.Unlock()

	if prog == nil {
		return nil
	}

	prog.Receive(ControlMessage{Type: "resume"})
	return h.parent.waitNotBusy(ctx)
}
