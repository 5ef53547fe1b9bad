package statemgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/TablewareBox/automancer/internal/blockstate"
	"github.com/TablewareBox/automancer/internal/check"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("automancer/statemgr")

// Consumer owns one namespace's share of every item's demand (§4.B: "the
// manager ... notifies programs via per-item callbacks", one consumer per
// namespace). DevicesConsumer (devices.go) is the concrete implementation
// wired to writable nodes; other namespaces (timers, idle waits) can
// supply their own.
type Consumer interface {
	// Add registers state for item in this namespace. notify is called
	// whenever this namespace's contribution to item's location changes.
	Add(item *Item, state any, notify func(Event))

	// Remove releases item's resources in this namespace.
	Remove(ctx context.Context, item *Item) error

	// Apply brings every item in items (all previously unapplied) to an
	// applied state in this namespace.
	Apply(ctx context.Context, items []*Item) error

	// Suspend releases item's exclusive hold on this namespace's
	// resources without forgetting the item, returning a final event if
	// one is available immediately.
	Suspend(ctx context.Context, item *Item) (*Event, error)

	// Clear resets this namespace, optionally scoped to one item.
	Clear(ctx context.Context, item *Item) error
}

// Manager is the state manager (§4.B): the GlobalStateManager equivalent,
// generalized over an arbitrary set of namespace Consumers.
type Manager struct {
	mu        sync.Mutex
	consumers map[string]Consumer
	items     map[Handle]*Item
	namespaces []string
}

// NewManager constructs a state manager over the given namespace
// consumers. The same consumer set is used for every item for the
// lifetime of the manager.
func NewManager(consumers map[string]Consumer) *Manager {
	namespaces := make([]string, 0, len(consumers))
	for ns := range consumers {
		namespaces = append(namespaces, ns)
	}

	return &Manager{
		consumers:  consumers,
		items:      make(map[Handle]*Item),
		namespaces: namespaces,
	}
}

// findParentItem walks handle's ancestor chain for the nearest handle
// that already owns an item, mirroring the original's
// `while isinstance(parent_handle := current_handle._parent, ProgramHandle)`
// loop.
func (m *Manager) findParentItem(handle Handle) *Item {
	current := handle
	for {
		parent, ok := current.Parent()
		if !ok {
			return nil
		}
		if item, found := m.items[parent]; found {
			return item
		}
		current = parent
	}
}

// Add registers a new item at handle's position in the item tree and
// enqueues its per-namespace demand with every consumer (§4.B add).
// A namespace absent from state is passed to its consumer as nil.
// Consumers are called without m.mu held, so they may notify
// synchronously from Add.
func (m *Manager) Add(handle Handle, state blockstate.State, onUpdate func(Record)) {
	m.mu.Lock()
	check.Assertf(m.items[handle] == nil, "state item already registered for this handle")

	parent := m.findParentItem(handle)
	item := newItem(handle, parent, m.namespaces, onUpdate)

	if parent != nil {
		parent.children = append(parent.children, item)
	}
	m.items[handle] = item
	m.mu.Unlock()

	for namespace, consumer := range m.consumers {
		value := state[namespace]
		ns := namespace
		consumer.Add(item, value, func(ev Event) {
			m.mu.Lock()
			defer m.mu.Unlock()
			item.applyEvent(ns, ev)
		})
	}
}

// Remove drops handle's item, detaching it from its consumers and its
// parent's children list (§4.B remove).
func (m *Manager) Remove(ctx context.Context, handle Handle) error {
	m.mu.Lock()
	item, ok := m.items[handle]
	m.mu.Unlock()
	check.Assertf(ok, "Remove called on a handle with no state item")

	for _, consumer := range m.consumers {
		if err := consumer.Remove(ctx, item); err != nil {
			return fmt.Errorf("statemgr: remove: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if item.Parent != nil {
		item.Parent.children = removeItem(item.Parent.children, item)
	}
	delete(m.items, handle)

	return nil
}

func removeItem(items []*Item, target *Item) []*Item {
	out := items[:0]
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}

// Apply marks every unapplied ancestor of handle's item as applied,
// instructs every consumer to bring those items' demands live, and
// blocks until every ancestor item settles (§4.B apply). If terminal is
// true and handle has no item (and none of its ancestors do either), Apply
// is a silent no-op.
func (m *Manager) Apply(ctx context.Context, handle Handle, terminal bool) error {
	ctx, span := tracer.Start(ctx, "statemgr.apply")
	defer span.End()

	m.mu.Lock()
	origin := m.originItem(handle)
	if origin == nil {
		m.mu.Unlock()
		if terminal {
			return nil
		}
		check.Assertf(false, "Apply called with no reachable state item")
		return nil
	}
	check.Assertf(!origin.Applied, "Apply called on an already-applied item")

	var relevant []*Item
	for _, ancestor := range origin.Ancestors() {
		if !ancestor.Applied {
			relevant = append(relevant, ancestor)
		}
	}
	m.mu.Unlock()

	for _, consumer := range m.consumers {
		if err := consumer.Apply(ctx, relevant); err != nil {
			return fmt.Errorf("statemgr: apply: %w", err)
		}
	}

	m.mu.Lock()
	for _, item := range relevant {
		item.Applied = true
	}
	m.mu.Unlock()

	for _, ancestor := range origin.Ancestors() {
		if err := ancestor.settle.Wait(ctx); err != nil {
			return err
		}
	}

	return nil
}

// originItem finds the item reachable from handle, walking up if handle
// itself does not own one directly. Callers must hold m.mu.
func (m *Manager) originItem(handle Handle) *Item {
	if item, ok := m.items[handle]; ok {
		return item
	}
	current := handle
	for {
		parent, ok := current.Parent()
		if !ok {
			return nil
		}
		if item, found := m.items[parent]; found {
			return item
		}
		current = parent
	}
}

// Suspend marks handle's item unapplied, clears its settle state, and
// asks every consumer to yield its hold (§4.B suspend).
func (m *Manager) Suspend(ctx context.Context, handle Handle) error {
	ctx, span := tracer.Start(ctx, "statemgr.suspend")
	defer span.End()

	m.mu.Lock()
	item, ok := m.items[handle]
	m.mu.Unlock()
	check.Assertf(ok, "Suspend called on a handle with no state item")
	check.Assertf(item.Applied, "Suspend called on an unapplied item")

	m.mu.Lock()
	item.Applied = false
	item.settle.Clear()
	for _, e := range item.location.Entries {
		if e != nil {
			e.Settled = false
		}
	}
	m.mu.Unlock()

	for namespace, consumer := range m.consumers {
		ev, err := consumer.Suspend(ctx, item)
		if err != nil {
			return fmt.Errorf("statemgr: suspend: %w", err)
		}
		if ev != nil {
			m.mu.Lock()
			item.applyEvent(namespace, *ev)
			m.mu.Unlock()
		}
	}

	return nil
}

// Clear asks every consumer to reset, optionally scoped to one handle's
// item (§4.B clear).
func (m *Manager) Clear(ctx context.Context, handle *Handle) error {
	var item *Item
	if handle != nil {
		m.mu.Lock()
		item = m.items[*handle]
		m.mu.Unlock()
	}

	for _, consumer := range m.consumers {
		if err := consumer.Clear(ctx, item); err != nil {
			return fmt.Errorf("statemgr: clear: %w", err)
		}
	}
	return nil
}
