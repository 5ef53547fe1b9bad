package statemgr

import (
	"context"
	"errors"
	"sync"

	"github.com/TablewareBox/automancer/internal/check"
	"github.com/TablewareBox/automancer/internal/node"
	"github.com/TablewareBox/automancer/internal/race"
)

// DeviceState is the devices namespace's unit-state shape: a demand of
// value-per-node-path (§3's "opaque value interpretable only by its
// owning state consumer", concretized for the one consumer this runtime
// ships). Grounded on DevicesState/runner.py's `state.values`.
type DeviceState map[string]any // keyed by node.Path.String()

// NodeLocation is one node's exported status within a devices-namespace
// item location (runner.py NodeStateLocation).
type NodeLocation struct {
	Value              any
	ErrorDisconnected  bool
	ErrorEvaluation    bool
	ErrorUnclaimable   bool
}

// Resolver looks up a writable node by its joined path string (the keys
// of a DeviceState). The devices consumer does not own node construction
// or the node registry (that is the Host's job, §5 SUPPLEMENTED
// FEATURES) — it only resolves the keys it's handed.
type Resolver func(path string) (*node.Writable, bool)

type deviceCandidate struct {
	item  *Item
	value any
}

type deviceItemInfo struct {
	item     *Item
	notify   func(Event)
	nodes    map[*node.Writable]node.Path
	location map[string]*NodeLocation
}

func (ii *deviceItemInfo) isSettled(c *DevicesConsumer) bool {
	for n := range ii.nodes {
		info := c.nodeInfos[n]
		if info.currentCandidate != nil && info.currentCandidate.item == ii.item && !info.settled {
			return false
		}
	}
	return true
}

func (ii *deviceItemInfo) doNotify(c *DevicesConsumer) {
	values := make(map[string]any, len(ii.location))
	for path, loc := range ii.location {
		values[path] = map[string]any{
			"value":              loc.Value,
			"error_disconnected": loc.ErrorDisconnected,
			"error_evaluation":   loc.ErrorEvaluation,
			"error_unclaimable":  loc.ErrorUnclaimable,
		}
	}
	ii.notify(Event{Location: values, Settled: ii.isSettled(c)})
}

type nodeInfo struct {
	path             node.Path
	candidates       []*deviceCandidate
	currentCandidate *deviceCandidate
	claim            *node.Claim
	settled          bool
	updateEvent      *resettableEvent
	cancel           context.CancelFunc
}

// DevicesConsumer is the Consumer (§4.B) that reconciles item demands
// against writable device nodes: a direct Go rendering of
// DevicesStateManager/_node_lifecycle from the original host runtime.
type DevicesConsumer struct {
	mu           sync.Mutex
	resolve      Resolver
	claimSymbol  node.Symbol
	itemInfos    map[*Item]*deviceItemInfo
	nodeInfos    map[*node.Writable]*nodeInfo
	updatedNodes map[*node.Writable]bool
}

// NewDevicesConsumer constructs a devices consumer. symbol is the claim
// priority this consumer presents to every node it manages — distinct
// from item priority, which is arbitrated internally via the candidate
// list (§4.B "merging across the item tree"), not via the node claim
// stack. A single fixed symbol is sufficient unless some other
// subsystem also claims these nodes directly.
func NewDevicesConsumer(resolve Resolver, symbol node.Symbol) *DevicesConsumer {
	return &DevicesConsumer{
		resolve:      resolve,
		claimSymbol:  symbol,
		itemInfos:    make(map[*Item]*deviceItemInfo),
		nodeInfos:    make(map[*node.Writable]*nodeInfo),
		updatedNodes: make(map[*node.Writable]bool),
	}
}

// Add implements Consumer. state must be a DeviceState (or nil).
func (c *DevicesConsumer) Add(item *Item, state any, notify func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ds, _ := state.(DeviceState)

	ii := &deviceItemInfo{
		item:     item,
		notify:   notify,
		nodes:    make(map[*node.Writable]node.Path),
		location: make(map[string]*NodeLocation),
	}
	c.itemInfos[item] = ii

	for pathStr, value := range ds {
		n, ok := c.resolve(pathStr)
		check.Assertf(ok, "state demand references unknown node %q", pathStr)

		ii.nodes[n] = n.Info.Path
		ii.location[pathStr] = &NodeLocation{Value: value}

		info, exists := c.nodeInfos[n]
		if !exists {
			info = &nodeInfo{path: n.Info.Path, updateEvent: newResettableEvent()}
			c.nodeInfos[n] = info
		}

		info.candidates = insertCandidate(info.candidates, &deviceCandidate{item: item, value: value})
		c.updatedNodes[n] = true
	}
}

// insertCandidate inserts cand in ancestor-before-descendant order.
// Candidates are heap-allocated (not slice elements) so a later filtering
// pass can reorder the slice without invalidating a currentCandidate
// pointer taken earlier.
func insertCandidate(list []*deviceCandidate, cand *deviceCandidate) []*deviceCandidate {
	idx := len(list)
	for i, c := range list {
		if cand.item.Less(c.item) {
			idx = i
			break
		}
	}
	out := make([]*deviceCandidate, 0, len(list)+1)
	out = append(out, list[:idx]...)
	out = append(out, cand)
	out = append(out, list[idx:]...)
	return out
}

// Remove implements Consumer. Per §4.B, a deeper item's removal falls the
// node back to the next shallower candidate immediately — the manager
// re-enters the node's write loop via its update event rather than
// waiting for a future Apply.
func (c *DevicesConsumer) Remove(ctx context.Context, item *Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ii, ok := c.itemInfos[item]
	if !ok {
		return nil
	}
	delete(c.itemInfos, item)

	appliedOnly := func(it *Item) bool { return it.Applied }

	for n := range ii.nodes {
		info := c.nodeInfos[n]
		filtered := info.candidates[:0]
		for _, cand := range info.candidates {
			if cand.item != item {
				filtered = append(filtered, cand)
			}
		}
		info.candidates = filtered

		if len(info.candidates) == 0 {
			// No more candidates will ever select this node again until a
			// new Add touches it; tear down its lifecycle task now rather
			// than leaving it parked forever on claim.Wait (§4.B "on...
			// final removal, release the claim").
			if info.cancel != nil {
				info.cancel()
			}
			delete(c.nodeInfos, n)
			delete(c.updatedNodes, n)
			continue
		}

		c.reselectNode(n, info, appliedOnly)
	}

	return nil
}

// reselectNode recomputes a node's current candidate under the given
// liveness predicate, notifying the outgoing item and waking the node's
// lifecycle task on change. Callers must hold c.mu.
func (c *DevicesConsumer) reselectNode(n *node.Writable, info *nodeInfo, live func(*Item) bool) {
	var newCandidate *deviceCandidate
	for i := len(info.candidates) - 1; i >= 0; i-- {
		if live(info.candidates[i].item) {
			newCandidate = info.candidates[i]
			break
		}
	}

	if info.currentCandidate == newCandidate {
		return
	}

	if info.currentCandidate != nil {
		if prevInfo := c.itemInfos[info.currentCandidate.item]; prevInfo != nil {
			loc := prevInfo.location[info.path.String()]
			loc.ErrorDisconnected = false
			loc.ErrorEvaluation = false
			loc.ErrorUnclaimable = false
			prevInfo.doNotify(c)
		}
	}

	info.currentCandidate = newCandidate
	if info.updateEvent != nil {
		info.updateEvent.Set()
	}
}

// Apply implements Consumer: re-selects each touched node's current
// candidate, lazily starts its claim and lifecycle task, and notifies
// items whose current candidate changed out from under them.
func (c *DevicesConsumer) Apply(ctx context.Context, items []*Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	relevant := make(map[*Item]bool, len(items))
	for _, it := range items {
		relevant[it] = true
	}
	live := func(it *Item) bool { return it.Applied || relevant[it] }

	for n := range c.updatedNodes {
		info := c.nodeInfos[n]
		firstStart := info.cancel == nil

		c.reselectNode(n, info, live)

		if info.claim == nil {
			info.claim = n.Claim(c.claimSymbol)
		}

		if firstStart {
			// The lifecycle task's first pass reads info.currentCandidate
			// directly, so the signal reselectNode just raised is
			// redundant here; clear it to avoid a duplicate first write.
			info.updateEvent.Clear()

			taskCtx, cancel := context.WithCancel(context.Background())
			info.cancel = cancel
			go c.nodeLifecycle(taskCtx, n, info)
		}
	}

	clear(c.updatedNodes)
	return nil
}

// nodeLifecycle is one goroutine per touched writable node (§4.B "Node
// lifecycle task"): await the claim, write the current candidate in a
// loop, and race the claim being lost against the candidate changing.
func (c *DevicesConsumer) nodeLifecycle(ctx context.Context, n *node.Writable, info *nodeInfo) {
	defer info.claim.Destroy()

	for {
		if err := info.claim.Wait(ctx); err != nil {
			return
		}

		for {
			c.mu.Lock()
			cand := info.currentCandidate
			c.mu.Unlock()

			if cand != nil {
				c.writeCandidate(ctx, n, info, cand)
			}

			idx, err := race.Race(ctx,
				func(ctx context.Context) error { return info.claim.Lost(ctx) },
				func(ctx context.Context) error { return info.updateEvent.Wait(ctx) },
			)
			if err != nil {
				return
			}
			if idx == 0 {
				break
			}
			info.updateEvent.Clear()
		}
	}
}

func (c *DevicesConsumer) writeCandidate(ctx context.Context, n *node.Writable, info *nodeInfo, cand *deviceCandidate) {
	err := n.Write(ctx, cand.value)

	c.mu.Lock()
	defer c.mu.Unlock()

	ii, ok := c.itemInfos[cand.item]
	if !ok {
		return
	}
	loc := ii.location[info.path.String()]

	switch {
	case err == nil:
		info.settled = true
		loc.ErrorDisconnected = false
	case errorsIsNodeUnavailable(err):
		info.settled = false
		loc.ErrorDisconnected = true
	default:
		info.settled = false
		loc.ErrorEvaluation = true
	}

	ii.doNotify(c)
}

func errorsIsNodeUnavailable(err error) bool {
	return errors.Is(err, node.ErrNodeUnavailable)
}

// Suspend implements Consumer. Each of item's nodes immediately falls
// back to its deepest still-applied candidate (waking the node's
// lifecycle task, §4.B "merging across the item tree"), and is marked so
// that the next Apply re-selects it; then an empty settled-false location
// is reported.
func (c *DevicesConsumer) Suspend(ctx context.Context, item *Item) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ii, ok := c.itemInfos[item]; ok {
		appliedOnly := func(it *Item) bool { return it.Applied }
		for n := range ii.nodes {
			c.reselectNode(n, c.nodeInfos[n], appliedOnly)
			c.updatedNodes[n] = true
		}
	}

	return &Event{Location: map[string]any{}, Settled: false}, nil
}

// Clear implements Consumer; devices state has no process-wide reset
// beyond per-item removal.
func (c *DevicesConsumer) Clear(ctx context.Context, item *Item) error {
	return nil
}
