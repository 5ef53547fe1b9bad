package node

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNodeUnavailable signals a transient driver disconnection. The
// node-lifecycle layer records it as the node's error_disconnected flag
// and leaves the node unsettled; it does not retry the write itself, and
// it never unwinds the program tree (§7).
var ErrNodeUnavailable = errors.New("node unavailable")

// ErrNotSupported signals the node does not support the requested
// operation (e.g. reading an unreadable node).
var ErrNotSupported = errors.New("node: operation not supported")

// ErrUnclaimable signals a higher-priority holder owns the node, so the
// caller's demand cannot be written right now.
var ErrUnclaimable = errors.New("node: unclaimable, higher priority holder")

// Path is an ordered sequence of identifiers addressing one node.
type Path []string

func (p Path) String() string { return strings.Join(p, "/") }

// ValueKind tags a node's value domain for client export; the arithmetic
// behind "numeric with unit" is out of scope (owned by the external unit
// system) but the tag itself is needed to describe a node to clients.
type ValueKind uint8

const (
	KindBoolean ValueKind = iota
	KindNumeric
	KindEnum
	KindScalar
	KindCollection
)

func (k ValueKind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindNumeric:
		return "numeric"
	case KindEnum:
		return "enum"
	case KindScalar:
		return "scalar"
	case KindCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// Info describes a node's static attributes, exported to clients.
type Info struct {
	Path       Path
	Readable   bool
	Writable   bool
	Nullable   bool
	Kind       ValueKind
	EnumCases  []string // only meaningful when Kind == KindEnum
}

// Driver is the minimal contract a device driver (serial, OPC-UA, Okolab,
// Runze, Grbl, ...) must satisfy; drivers themselves are out of scope —
// the core only depends on this interface.
type Driver interface {
	// Read refreshes the cached value and reports whether it changed.
	// Returns ErrNodeUnavailable on transient disconnection (the caller
	// retries), ErrNotSupported if the node is unreadable.
	Read(ctx context.Context) (changed bool, err error)

	// Write sets the target value. Returns ErrNodeUnavailable if
	// disconnected; the write is remembered by the driver and retried on
	// reconnection.
	Write(ctx context.Context, value any) error
}

// Readable is a node that can be read but not necessarily written.
type Readable struct {
	Info   Info
	Driver Driver
}

func (r *Readable) Read(ctx context.Context) (bool, error) {
	if !r.Info.Readable {
		return false, ErrNotSupported
	}
	return r.Driver.Read(ctx)
}

// Writable is a node that additionally exposes claim-arbitrated writes.
// One Writable exists per device endpoint for the lifetime of the
// executor that owns it (created at init, destroyed at shutdown).
type Writable struct {
	Readable

	mu         sync.Mutex
	claims     []*claimEntry
	topGranted *claimEntry
}

// NewWritable constructs a writable node. Driver must be non-nil.
func NewWritable(info Info, driver Driver) *Writable {
	info.Writable = true
	return &Writable{Readable: Readable{Info: info, Driver: driver}}
}

// Write sets the target value through the driver. Callers must hold the
// granted claim for this node — the state manager enforces this by only
// writing from the node-lifecycle task while its claim is at the top.
func (w *Writable) Write(ctx context.Context, value any) error {
	return w.Driver.Write(ctx, value)
}

// Claim acquires a claim token ordered by symbol. Multiple claims may be
// requested for the same symbol by different programs; each gets its own
// stack position.
func (w *Writable) Claim(symbol Symbol) *Claim {
	return newClaim(w, symbol)
}

// GrantedCount reports how many claims on this node are currently granted, for
// tests asserting claim-exclusivity (testable property 2: at most one
// granted at a time, which holds by construction of regrantLocked).
func (w *Writable) GrantedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.claims {
		if e.granted {
			n++
		}
	}
	return n
}
