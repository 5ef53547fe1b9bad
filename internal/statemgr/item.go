// Package statemgr implements the state manager (§4.B): the component that
// accepts (item, state) pairs from state-owning programs, reconciles
// per-node demands into a priority-ordered candidate list, writes the
// winner to each node, and reports settling back to items.
package statemgr

import "github.com/TablewareBox/automancer/internal/check"

// Handle is the structural identity the state manager attaches items to.
// It mirrors the shape of a program tree handle (§4.D) without depending
// on the program package: only the parent back-reference is needed to
// walk up to an existing item, exactly as the state manager's add/apply
// walk the handle tree in the original runtime.
type Handle interface {
	Parent() (Handle, bool)
}

// LocationUnitEntry is one namespace's location within an item, paired
// with whether that namespace's nodes have all finished writing (§3
// StateLocationUnitEntry).
type LocationUnitEntry struct {
	Location any
	Settled  bool
}

// Location is an item's per-namespace snapshot (§3 StateLocation). A nil
// entry means the namespace has not reported a location yet.
type Location struct {
	Entries map[string]*LocationUnitEntry
}

func newLocation(namespaces []string) *Location {
	entries := make(map[string]*LocationUnitEntry, len(namespaces))
	for _, ns := range namespaces {
		entries[ns] = nil
	}
	return &Location{Entries: entries}
}

func (l *Location) clone() *Location {
	entries := make(map[string]*LocationUnitEntry, len(l.Entries))
	for ns, e := range l.Entries {
		if e == nil {
			entries[ns] = nil
			continue
		}
		copy := *e
		entries[ns] = &copy
	}
	return &Location{Entries: entries}
}

// Export renders the location as a client-facing value, mirroring
// StateLocation.export in the original host.
func (l *Location) Export() map[string]any {
	out := make(map[string]any, len(l.Entries))
	for ns, e := range l.Entries {
		if e == nil {
			out[ns] = nil
			continue
		}
		out[ns] = map[string]any{
			"location": e.Location,
			"settled":  e.Settled,
		}
	}
	return out
}

// Record is delivered to an item's update callback on every location
// change (§3 StateRecord).
type Record struct {
	Errors   []error
	Location *Location
	Settled  bool
}

// Event is what a per-namespace consumer reports back about one item
// (§3 StateEvent): a new location, whether it settled, and any errors.
type Event struct {
	Location any
	Errors   []error
	Settled  bool
}

// Item is the state manager's record of one state-owning program (§3
// StateProgramItem). Items form a tree parallel to (a subtree of) the
// program handle tree.
type Item struct {
	Handle  Handle
	Depth   int
	Parent  *Item
	Applied bool

	children []*Item
	location *Location
	settle   *resettableEvent
	onUpdate func(Record)
}

func newItem(handle Handle, parent *Item, namespaces []string, onUpdate func(Record)) *Item {
	depth := 0
	if parent != nil {
		depth = parent.Depth + 1
	}

	return &Item{
		Handle:   handle,
		Depth:    depth,
		Parent:   parent,
		location: newLocation(namespaces),
		settle:   newResettableEvent(),
		onUpdate: onUpdate,
	}
}

// Settled reports whether every namespace entry on this item has settled.
func (it *Item) Settled() bool {
	return it.settle.IsSet()
}

// Ancestors yields it, then its parent, grandparent, and so on to the root.
func (it *Item) Ancestors() []*Item {
	var out []*Item
	for cur := it; cur != nil; cur = cur.Parent {
		out = append(out, cur)
	}
	return out
}

// Descendants yields every item whose ancestor chain passes through it,
// not including it itself.
func (it *Item) Descendants() []*Item {
	var out []*Item
	var walk func(*Item)
	walk = func(n *Item) {
		for _, c := range n.children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(it)
	return out
}

// Less reports whether it is a strict ancestor of other (§3: "a < b iff a
// is an ancestor of b").
func (it *Item) Less(other *Item) bool {
	if other.Depth <= it.Depth {
		return false
	}
	cur := other
	for i := 0; i < other.Depth-it.Depth; i++ {
		cur = cur.Parent
	}
	return cur == it
}

func (it *Item) recomputeSettle() {
	for _, e := range it.location.Entries {
		if e == nil || !e.Settled {
			it.settle.Clear()
			return
		}
	}
	it.settle.Set()
}

// applyEvent folds a consumer-reported Event for one namespace into the
// item's location, recomputes the item's settle state, and fires the
// update callback — the Go rendering of GlobalStateManager._handle_event.
func (it *Item) applyEvent(namespace string, ev Event) {
	entry := it.location.Entries[namespace]

	if entry == nil {
		check.Assertf(ev.Location != nil, "state event for unestablished namespace %q must carry a location", namespace)
		entry = &LocationUnitEntry{Location: ev.Location, Settled: ev.Settled}
		it.location.Entries[namespace] = entry
	} else {
		entry.Settled = ev.Settled
		if ev.Location != nil {
			entry.Location = ev.Location
		}
	}

	it.recomputeSettle()

	it.onUpdate(Record{
		Errors:   ev.Errors,
		Location: it.location.clone(),
		Settled:  it.Settled(),
	})
}
