package block

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TablewareBox/automancer/internal/blockstate"
	"github.com/TablewareBox/automancer/internal/check"
	"github.com/TablewareBox/automancer/internal/procrun"
	"github.com/TablewareBox/automancer/internal/program"
	"github.com/TablewareBox/automancer/internal/statemgr"
)

// SegmentMode is the Segment program's mode machine (§4.E Segment).
type SegmentMode int

const (
	SegmentHalted SegmentMode = iota - 1
	SegmentHalting
	SegmentNormal
	SegmentPausingProcess
	SegmentPausingState
	SegmentPaused
)

func (m SegmentMode) String() string {
	switch m {
	case SegmentHalted:
		return "halted"
	case SegmentHalting:
		return "halting"
	case SegmentNormal:
		return "normal"
	case SegmentPausingProcess:
		return "pausing_process"
	case SegmentPausingState:
		return "pausing_state"
	case SegmentPaused:
		return "paused"
	default:
		return "unknown"
	}
}

func (m SegmentMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// SegmentLocation is the exported location of a running Segment (§4.E:
// "SegmentProgramLocation{mode, process_state, unit_state, time_ms}").
type SegmentLocation struct {
	Mode    SegmentMode
	Process any
	State   any
	Time    time.Time
}

func (l SegmentLocation) Export() map[string]any {
	return map[string]any{
		"mode":      l.Mode,
		"process":   l.Process,
		"state":     l.State,
		"time_ms":   l.Time.UnixMilli(),
	}
}

// SegmentPoint resumes a Segment at a specific process point, or at the
// process's default start when Process is nil.
type SegmentPoint struct {
	Process any
}

// ProcessFactory constructs a fresh process instance for one run of a
// Segment's leaf operation.
type ProcessFactory func() procrun.Process

// Segment is a leaf block: one device-process operation plus the unit
// state it demands while running (§4.E Segment; the original's
// `SegmentBlock`).
type Segment struct {
	Namespace string
	NewProcess ProcessFactory
	State     blockstate.State
}

func (b *Segment) CreateProgram(handle *program.Handle) program.Program {
	return &SegmentProgram{handle: handle, block: b}
}

// SegmentProgram is one running instance of a Segment (the original's
// `SegmentProgram`).
type SegmentProgram struct {
	handle *program.Handle
	block  *Segment

	mu      sync.Mutex
	mode    SegmentMode
	point   *SegmentPoint
	process procrun.Process
	applied bool
}

func (p *SegmentProgram) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busyLocked()
}

func (p *SegmentProgram) busyLocked() bool {
	return p.mode == SegmentPausingProcess || p.mode == SegmentPausingState
}

// Receive dispatches a control message by type (§4.D).
func (p *SegmentProgram) Receive(msg program.ControlMessage) {
	switch msg.Type {
	case "halt":
		p.halt()
	case "jump":
		if point, ok := msg.Point.(*SegmentPoint); ok {
			p.jump(point)
		}
	case "pause":
		p.pause()
	case "resume":
		p.resume()
	}
}

func (p *SegmentProgram) halt() {
	p.mu.Lock()
	check.Assertf(!p.busyLocked() && (p.mode == SegmentNormal || p.mode == SegmentPaused),
		"segment halt: illegal mode %s", p.mode)
	p.mode = SegmentHalting
	proc := p.process
	p.mu.Unlock()

	if proc != nil {
		if h, ok := proc.(procrun.Halter); ok {
			h.Halt()
		}
	}
}

func (p *SegmentProgram) jump(point *SegmentPoint) {
	p.mu.Lock()
	check.Assertf(!p.busyLocked() && p.mode == SegmentNormal, "segment jump: illegal mode %s", p.mode)
	proc := p.process
	p.mu.Unlock()

	if j, ok := proc.(procrun.Jumper); ok {
		j.Jump(point.Process)
		return
	}

	p.mu.Lock()
	p.point = point
	p.mu.Unlock()
	p.halt()
}

func (p *SegmentProgram) pause() {
	p.mu.Lock()
	check.Assertf(!p.busyLocked() && p.mode == SegmentNormal, "segment pause: illegal mode %s", p.mode)
	p.mode = SegmentPausingProcess
	proc := p.process
	p.mu.Unlock()

	if proc != nil {
		if ps, ok := proc.(procrun.Pauser); ok {
			ps.Pause()
		}
	}
}

func (p *SegmentProgram) resume() {
	p.mu.Lock()
	check.Assertf(!p.busyLocked() && p.mode == SegmentPaused, "segment resume: illegal mode %s", p.mode)
	proc := p.process
	p.mu.Unlock()

	if proc != nil {
		if ps, ok := proc.(procrun.Pauser); ok {
			ps.Resume()
		}
	}
}

// Run drives the segment's leaf process to completion, coupling its
// event stream with unit-state location updates (§4.E Segment; the
// original's `SegmentProgram.run`).
func (p *SegmentProgram) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "segment.run")
	defer span.End()

	p.mu.Lock()
	p.point = &SegmentPoint{}
	p.mu.Unlock()

	events := make(chan procrun.ExecEvent)
	go p.driveProcess(ctx, events)

	it := procrun.NewCoupledStateIterator(events)
	defer it.Close()

	mgr := p.handle.Master().StateManager()
	mgr.Add(p.handle, p.block.State, func(rec statemgr.Record) {
		it.Notify(rec)
	})

	if err := mgr.Apply(ctx, p.handle, false); err != nil {
		return fmt.Errorf("segment: initial apply: %w", err)
	}
	p.mu.Lock()
	p.applied = true
	p.mu.Unlock()

	for {
		pair, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		ev := pair.Event
		evTime := ev.Time
		if evTime.IsZero() {
			evTime = time.Now()
		}

		p.mu.Lock()
		if p.mode == SegmentPausingProcess && ev.Stopped {
			p.mode = SegmentPausingState
			p.mu.Unlock()

			if err := mgr.Suspend(ctx, p.handle); err != nil {
				return fmt.Errorf("segment: suspend on pause: %w", err)
			}
			p.mu.Lock()
			p.applied = false
		}

		if p.mode == SegmentHalting && ev.Stopped {
			p.mode = SegmentHalted
		}

		if p.mode == SegmentPausingState {
			p.mode = SegmentPaused
		}

		if p.mode == SegmentPaused && !ev.Stopped {
			p.mode = SegmentNormal
			p.mu.Unlock()

			if err := mgr.Apply(ctx, p.handle, false); err != nil {
				return fmt.Errorf("segment: re-apply on resume: %w", err)
			}
			p.mu.Lock()
			p.applied = true
		}
		mode := p.mode
		p.mu.Unlock()

		p.handle.Send(SegmentLocation{
			Mode:    mode,
			Process: ev.Location,
			State:   pair.Location,
			Time:    evTime,
		})
	}

	p.mu.Lock()
	applied := p.applied
	p.mu.Unlock()

	if applied {
		if err := mgr.Suspend(ctx, p.handle); err != nil {
			return fmt.Errorf("segment: final suspend: %w", err)
		}
	}
	return mgr.Remove(ctx, p.handle)
}

// driveProcess runs the segment's leaf process to completion, and once
// more for each jump that the process itself can't honor (point is
// re-armed by jump(), which halts the current run so this loop restarts
// it — the Go rendering of the original's `while self._point:` loop).
func (p *SegmentProgram) driveProcess(ctx context.Context, out chan<- procrun.ExecEvent) {
	defer close(out)

	for {
		p.mu.Lock()
		point := p.point
		if point == nil {
			p.mu.Unlock()
			return
		}
		p.mode = SegmentNormal
		p.point = nil
		proc := p.block.NewProcess()
		p.process = proc
		p.mu.Unlock()

		procEvents, err := proc.Run(ctx, point.Process)
		if err != nil {
			select {
			case out <- procrun.ExecEvent{Errors: []error{err}, Stopped: true, Terminated: true, Time: time.Now()}:
			case <-ctx.Done():
			}
			return
		}

		for ev := range procEvents {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
