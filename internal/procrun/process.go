// Package procrun implements the process runtime contract (§4.C): the
// interface a device-process implementation satisfies, and the coupling
// of its event stream with state-location updates into one combined
// stream a Segment program consumes.
package procrun

import (
	"context"
	"time"
)

// ExecEvent is one event a process yields (§4.C: "location, time, stopped,
// terminated, optional errors").
type ExecEvent struct {
	Location   any
	Time       time.Time
	Stopped    bool
	Terminated bool
	Errors     []error
}

// Process is the external, user-supplied leaf operation a Segment block
// wraps. Run streams ExecEvents on the returned channel until the
// process terminates, at which point the channel closes.
type Process interface {
	Run(ctx context.Context, point any) (<-chan ExecEvent, error)
}

// Halter is implemented by processes that support cooperative halting.
type Halter interface {
	Halt()
}

// Pauser is implemented by processes that support pause/resume.
type Pauser interface {
	Pause()
	Resume()
}

// Jumper is implemented by processes that can retarget their current
// point without restarting (§4.D "jump").
type Jumper interface {
	Jump(point any)
}
