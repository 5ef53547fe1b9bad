package master

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TablewareBox/automancer/internal/node"
	"github.com/TablewareBox/automancer/internal/program"
)

// Host is the single value threaded through program construction (§9
// Design Note: "the node registry and executor registry are
// process-wide; expose them as a single Host value ... not ambient
// globals"). It wraps the shared master runtime with a process-wide node
// registry and the set of running chips — one root program per chip,
// each rooted at its own handle under the shared master — the Go analog
// of the original's Host.chips dict (original_source/host/pr1/host.py).
type Host struct {
	Master *Master

	nodesMu sync.RWMutex
	nodes   map[string]nodeEntry

	chipsMu sync.Mutex
	chips   map[string]*program.Handle
}

type nodeEntry struct {
	path     node.Path
	writable *node.Writable
}

// NewHost constructs a Host around a shared master runtime.
func NewHost(m *Master) *Host {
	return &Host{
		Master: m,
		nodes:  make(map[string]nodeEntry),
		chips:  make(map[string]*program.Handle),
	}
}

// RegisterNode adds an addressable node to the process-wide registry,
// keyed by its path.
func (h *Host) RegisterNode(path node.Path, w *node.Writable) {
	h.nodesMu.Lock()
	h.nodes[path.String()] = nodeEntry{path: path, writable: w}
	h.nodesMu.Unlock()
}

// Node looks up a registered node by path.
func (h *Host) Node(path node.Path) (*node.Writable, bool) {
	h.nodesMu.RLock()
	defer h.nodesMu.RUnlock()
	e, ok := h.nodes[path.String()]
	return e.writable, ok
}

// Nodes returns every registered node path, for client export.
func (h *Host) Nodes() []node.Path {
	h.nodesMu.RLock()
	defer h.nodesMu.RUnlock()

	paths := make([]node.Path, 0, len(h.nodes))
	for _, e := range h.nodes {
		paths = append(paths, e.path)
	}
	return paths
}

// CreateChip allocates a new chip: a fresh handle under the shared
// master's root, keyed by a generated id, ready for a compiled block's
// program to be attached with SetProgram.
func (h *Host) CreateChip() (chipID string, root *program.Handle) {
	chipID = uuid.NewString()
	root = h.Master.Root().CreateChild()

	h.chipsMu.Lock()
	h.chips[chipID] = root
	h.chipsMu.Unlock()
	return chipID, root
}

// DeleteChip detaches a chip's handle from the tree and drops it from
// the registry. It does not halt a program running on that handle.
func (h *Host) DeleteChip(chipID string) {
	h.chipsMu.Lock()
	root, ok := h.chips[chipID]
	delete(h.chips, chipID)
	h.chipsMu.Unlock()

	if ok {
		root.Detach()
	}
}

// ChipRoot implements frontend.ChipResolver.
func (h *Host) ChipRoot(chipID string) (*program.Handle, bool) {
	h.chipsMu.Lock()
	defer h.chipsMu.Unlock()
	root, ok := h.chips[chipID]
	return root, ok
}

// ChipIDs implements frontend.ChipResolver.
func (h *Host) ChipIDs() []string {
	h.chipsMu.Lock()
	defer h.chipsMu.Unlock()

	ids := make([]string, 0, len(h.chips))
	for id := range h.chips {
		ids = append(ids, id)
	}
	return ids
}
