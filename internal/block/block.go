// Package block implements the five block program kinds (§4.E): Segment,
// State, Sequence, Parallel, and Repeat. Each kind pairs a Block
// (immutable plan data) with a Program (its running instance, satisfying
// program.Program) constructed fresh per run via CreateProgram.
package block

import "github.com/TablewareBox/automancer/internal/program"

// Block is implemented by each block kind's plan type. CreateProgram
// instantiates a fresh running program bound to handle, mirroring the
// original's per-kind `Program` class attribute on `BaseBlock`.
type Block interface {
	CreateProgram(handle *program.Handle) program.Program
}
