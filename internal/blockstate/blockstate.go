// Package blockstate implements the BlockState lattice (§3, §8 property 7):
// a mapping from namespace to an opaque unit-state value, with the two
// operations nested State blocks need to compose and decompose demands.
package blockstate

import "maps"

// State is a namespace → unit-state-or-nil mapping. A nil entry for a
// namespace present in the map means "declared but withholding a value";
// a namespace simply absent from the map never participated.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	return maps.Clone(s)
}

// Merge computes a ∘ b: b's non-nil entries win, a's show through
// everywhere b is nil or absent. `state ∘ nil = state`, `nil ∘ state =
// state`, and repeated application is associative — Merge(Merge(a, b), c)
// == Merge(a, Merge(b, c)) — because each namespace's winner is simply
// the rightmost non-nil entry across the chain.
func Merge(a, b State) State {
	out := make(State, len(a)+len(b))
	maps.Copy(out, a)
	for ns, v := range b {
		if v != nil {
			out[ns] = v
		}
	}
	return out
}

// Split computes a ⊗ b: decomposes a combined outer/inner demand so each
// side ends up owning exactly what it must reconcile independently. b
// (the inner, nested state) keeps every namespace it declares a non-nil
// value for; a (the outer) keeps everything else, including namespaces b
// withholds. Used when a State block nests inside another so the outer
// block only reclaims a node once the inner block stops claiming it.
func Split(a, b State) (aOut, bOut State) {
	aOut = make(State, len(a))
	bOut = make(State, len(b))

	for ns, v := range a {
		if bv, ok := b[ns]; ok && bv != nil {
			continue
		}
		aOut[ns] = v
	}

	for ns, v := range b {
		if v != nil {
			bOut[ns] = v
		}
	}

	return aOut, bOut
}
