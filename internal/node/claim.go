// Package node models the addressable device endpoints (§3, §4.A of the
// runtime design) and the claim arbitration that gives exactly one
// program write ownership of a node at a time.
package node

import "context"

// Symbol is a total-ordered claim priority key. A descendant program's
// symbol always outranks its ancestor's, so it preempts the ancestor on
// any node they both claim. Represented as a lexicographic path of local
// ids, one per tree level: deeper paths sort after shorter prefixes, and
// siblings compare by local id.
type Symbol struct {
	path []uint64
}

// RootSymbol is the symbol of the master's root program.
func RootSymbol() Symbol {
	return Symbol{}
}

// Child derives a new symbol strictly greater than s, to be assigned once
// per child program at creation time.
func (s Symbol) Child(local uint64) Symbol {
	path := make([]uint64, len(s.path)+1)
	copy(path, s.path)
	path[len(s.path)] = local
	return Symbol{path: path}
}

// Less reports whether s is strictly lower priority than other — i.e.
// other should preempt s on a shared node. Ancestors are always less
// than their descendants; siblings compare by local counter.
func (s Symbol) Less(other Symbol) bool {
	for i := 0; i < len(s.path) && i < len(other.path); i++ {
		if s.path[i] != other.path[i] {
			return s.path[i] < other.path[i]
		}
	}
	return len(s.path) < len(other.path)
}

// Equal reports whether two symbols are the same claim identity.
func (s Symbol) Equal(other Symbol) bool {
	if len(s.path) != len(other.path) {
		return false
	}
	for i := range s.path {
		if s.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

// claimEntry is one holder's position in a node's claim stack. grantCh
// and loseCh are replaced (fresh, unclosed) every time they're closed, so
// a holder can observe repeated grant/lose cycles across its lifetime —
// a plain close-once channel can't model "lost, then granted again".
type claimEntry struct {
	symbol  Symbol
	granted bool
	grantCh chan struct{}
	loseCh  chan struct{}
}

// Claim is an exclusive write token for a node, held by at most one
// program at a time among all claimants of that node. At any instant the
// live claims on one node form a totally ordered stack (invariant in
// §3); the top holds the write right.
type Claim struct {
	node  *Writable
	entry *claimEntry
}

// Wait blocks until this claim reaches the top of its node's stack (is
// granted), or ctx is cancelled. Safe to call again after Lost.
func (c *Claim) Wait(ctx context.Context) error {
	for {
		c.node.mu.Lock()
		if c.entry.granted {
			c.node.mu.Unlock()
			return nil
		}
		ch := c.entry.grantCh
		c.node.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Lost blocks until this claim, currently granted, is preempted by a
// higher-priority holder. A granted claim never observes a second Lost
// without an intervening re-grant.
func (c *Claim) Lost(ctx context.Context) error {
	c.node.mu.Lock()
	if !c.entry.granted {
		c.node.mu.Unlock()
		return nil
	}
	ch := c.entry.loseCh
	c.node.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy releases this claim, promoting the next holder in the stack
// if this one was granted.
func (c *Claim) Destroy() {
	c.node.releaseClaim(c.entry)
}

// newClaim registers a claim for symbol on n's stack and returns it. The
// stack is re-sorted and re-granted under n's lock.
func newClaim(n *Writable, symbol Symbol) *Claim {
	entry := &claimEntry{
		symbol:  symbol,
		grantCh: make(chan struct{}),
		loseCh:  make(chan struct{}),
	}

	n.mu.Lock()
	n.claims = append(n.claims, entry)
	n.regrantLocked()
	n.mu.Unlock()

	return &Claim{node: n, entry: entry}
}

// regrantLocked recomputes the top of the claim stack and fires
// granted/lost transitions as needed. Callers must hold n.mu.
func (n *Writable) regrantLocked() {
	var top *claimEntry
	for _, e := range n.claims {
		if top == nil || top.symbol.Less(e.symbol) {
			top = e
		}
	}

	if n.topGranted == top {
		return
	}

	if n.topGranted != nil {
		n.topGranted.granted = false
		close(n.topGranted.loseCh)
		n.topGranted.loseCh = make(chan struct{})
	}

	n.topGranted = top
	if top != nil {
		top.granted = true
		close(top.grantCh)
		top.grantCh = make(chan struct{})
	}
}

func (n *Writable) releaseClaim(entry *claimEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, e := range n.claims {
		if e == entry {
			n.claims = append(n.claims[:i], n.claims[i+1:]...)
			break
		}
	}

	n.regrantLocked()
}
