// Package master implements the root program owner (§4.F): the handle
// arena, claim-symbol allocation, update-coalescing, and the exported
// location snapshot tree.
package master

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/TablewareBox/automancer/internal/node"
	"github.com/TablewareBox/automancer/internal/program"
	"github.com/TablewareBox/automancer/internal/statemgr"
)

const updateDebounce = 10 * time.Millisecond

// Master is the root of the program tree and the sole implementation of
// program.MasterLink: it owns the handle arena (stable ids, §9 Design
// Notes), the state manager, and the exported snapshot broker.
type Master struct {
	state *statemgr.Manager

	mu     sync.Mutex
	arena  map[program.HandleID]*program.Handle
	nextID program.HandleID
	root   *program.Handle

	broker *broker

	updateMu      sync.Mutex
	updatePending bool
}

// New constructs a master with the given per-namespace state consumers
// (§4.B) and allocates the root handle at node.RootSymbol().
func New(consumers map[string]statemgr.Consumer) *Master {
	m := &Master{
		state:  statemgr.NewManager(consumers),
		arena:  make(map[program.HandleID]*program.Handle),
		broker: newBroker(),
	}

	m.root = program.NewHandle(m.nextID, node.RootSymbol(), nil, m)
	m.arena[m.root.ID] = m.root
	m.nextID++

	return m
}

// Root returns the root handle. Callers attach the root block's program
// with Root().SetProgram(...) and drive it with Run.
func (m *Master) Root() *program.Handle { return m.root }

// StateManager implements program.MasterLink.
func (m *Master) StateManager() *statemgr.Manager { return m.state }

// NewHandle implements program.MasterLink: allocates a fresh arena id and
// a claim symbol strictly above the parent's (§4.A).
func (m *Master) NewHandle(parent *program.Handle) *program.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	h := program.NewHandle(id, parent.Symbol.Child(uint64(id)), parent, m)
	m.arena[id] = h
	return h
}

// Forget implements program.MasterLink: removes a handle from the arena
// once its program has returned and it has been detached from its
// parent.
func (m *Master) Forget(h *program.Handle) {
	m.mu.Lock()
	delete(m.arena, h.ID)
	m.mu.Unlock()
}

// UpdateSoon implements program.MasterLink: schedules a debounced
// snapshot publish, coalescing bursts of Send calls across many handles
// into one export (§4.F "update_soon").
func (m *Master) UpdateSoon() {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	if m.updatePending {
		return
	}
	m.updatePending = true

	time.AfterFunc(updateDebounce, func() {
		m.updateMu.Lock()
		m.updatePending = false
		m.updateMu.Unlock()

		m.broker.publish(m.Export())
	})
}

// Export builds the current location snapshot tree, isomorphic to the
// handle tree (testable property 5).
func (m *Master) Export() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make([]Node, 0, len(m.arena))
	for _, h := range m.arena {
		parentID := ""
		if parentHandle, ok := h.Parent(); ok {
			if ph, ok := parentHandle.(*program.Handle); ok {
				parentID = formatHandleID(ph.ID)
			}
		}

		nodes = append(nodes, Node{
			ID:       formatHandleID(h.ID),
			ParentID: parentID,
			Location: h.Location(),
		})
	}

	return Snapshot{Nodes: nodes}
}

// Subscribe registers a subscriber for the exported snapshot stream. The
// subscriber receives the latest published snapshot at once (if any),
// then a fresh export of the current tree after the update debounce,
// followed by every update until ctx is cancelled.
func (m *Master) Subscribe(ctx context.Context) <-chan Snapshot {
	ch, unsub := m.broker.subscribe()
	m.UpdateSoon()
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return ch
}

func formatHandleID(id program.HandleID) string {
	return strconv.FormatUint(uint64(id), 10)
}
