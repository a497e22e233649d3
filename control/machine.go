// Package control implements the per-channel playback state machine. It owns
// no resources itself; the engine drives it and every accepted transition is
// recorded with command provenance.
package control

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"

	"github.com/slbailey/retrovue-air/logger"
)

// ChannelState is the channel playback state.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateBuffering
	StateReady
	StatePlaying
	StatePaused
	StateStopping
	StateError
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state_%d", int(s))
}

const (
	// readyDepthWatermark promotes Buffering to Ready once the ring holds
	// this many frames.
	readyDepthWatermark = 3

	// bufferingDepthWatermark demotes back to Buffering when the ring drains
	// to this depth or below. Kept strictly below readyDepthWatermark so the
	// pair is hysteretic.
	bufferingDepthWatermark = 1
)

// Command identifies who requested a transition and when.
type Command struct {
	ID               string
	RequestStationUS int64
}

// Transition is one accepted state change with provenance.
type Transition struct {
	From               ChannelState
	To                 ChannelState
	CommandID          string
	RequestStationUS   int64
	EffectiveStationUS int64
}

// TransitionError reports an operation rejected in the current state. The
// machine is not mutated when it is returned.
type TransitionError struct {
	Op    string
	State ChannelState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("operation '%s' is not allowed in state '%s'", e.Op, e.State)
}

// BackpressureEvent annotates telemetry; it never changes state.
type BackpressureEvent int

const (
	BackpressureNone BackpressureEvent = iota
	BackpressureUnderrun
	BackpressureOverrun
)

func (e BackpressureEvent) String() string {
	switch e {
	case BackpressureNone:
		return "none"
	case BackpressureUnderrun:
		return "underrun"
	case BackpressureOverrun:
		return "overrun"
	}
	return fmt.Sprintf("event_%d", int(e))
}

// Machine is a channel's control state machine. Safe for concurrent use.
type Machine struct {
	locker xsync.Mutex

	state      ChannelState
	last       Transition
	forcedStop bool

	lastBackpressure   BackpressureEvent
	lastBackpressureUS int64

	underrunEvents atomic.Uint64
	overrunEvents  atomic.Uint64
}

// NewMachine returns a machine in Idle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() ChannelState {
	return xsync.DoR1(context.TODO(), &m.locker, func() ChannelState {
		return m.state
	})
}

// LastTransition returns the most recently accepted transition.
func (m *Machine) LastTransition() Transition {
	return xsync.DoR1(context.TODO(), &m.locker, func() Transition {
		return m.last
	})
}

// ForcedStop reports whether the last stop had to preempt a worker.
func (m *Machine) ForcedStop() bool {
	return xsync.DoR1(context.TODO(), &m.locker, func() bool {
		return m.forcedStop
	})
}

// BackpressureCounters returns the cumulative underrun and overrun counts.
func (m *Machine) BackpressureCounters() (underruns, overruns uint64) {
	return m.underrunEvents.Load(), m.overrunEvents.Load()
}

func (m *Machine) transitionLocked(ctx context.Context, to ChannelState, cmd Command, effectiveUS int64) {
	tr := Transition{
		From:               m.state,
		To:                 to,
		CommandID:          cmd.ID,
		RequestStationUS:   cmd.RequestStationUS,
		EffectiveStationUS: effectiveUS,
	}
	logger.Debugf(ctx, "state transition: %s -> %s (cmd: '%s')", tr.From, tr.To, tr.CommandID)
	m.state = to
	m.last = tr
}

// BeginSession moves Idle to Buffering.
func (m *Machine) BeginSession(ctx context.Context, cmd Command, effectiveUS int64) error {
	return xsync.DoA3R1(ctx, &m.locker, m.beginSession, ctx, cmd, effectiveUS)
}

func (m *Machine) beginSession(ctx context.Context, cmd Command, effectiveUS int64) error {
	if m.state != StateIdle {
		return &TransitionError{Op: "begin_session", State: m.state}
	}
	m.forcedStop = false
	m.transitionLocked(ctx, StateBuffering, cmd, effectiveUS)
	return nil
}

// Activate moves Ready to Playing; it is the control-plane half of a
// preview-to-live switch.
func (m *Machine) Activate(ctx context.Context, cmd Command, effectiveUS int64) error {
	return xsync.DoA3R1(ctx, &m.locker, m.activate, ctx, cmd, effectiveUS)
}

func (m *Machine) activate(ctx context.Context, cmd Command, effectiveUS int64) error {
	switch m.state {
	case StateReady, StatePlaying:
	default:
		return &TransitionError{Op: "activate", State: m.state}
	}
	if m.state != StatePlaying {
		m.transitionLocked(ctx, StatePlaying, cmd, effectiveUS)
	}
	return nil
}

// Pause moves Playing to Paused.
func (m *Machine) Pause(ctx context.Context, cmd Command, effectiveUS int64) error {
	return xsync.DoA3R1(ctx, &m.locker, m.pause, ctx, cmd, effectiveUS)
}

func (m *Machine) pause(ctx context.Context, cmd Command, effectiveUS int64) error {
	if m.state != StatePlaying {
		return &TransitionError{Op: "pause", State: m.state}
	}
	m.transitionLocked(ctx, StatePaused, cmd, effectiveUS)
	return nil
}

// Resume moves Paused back to Playing.
func (m *Machine) Resume(ctx context.Context, cmd Command, effectiveUS int64) error {
	return xsync.DoA3R1(ctx, &m.locker, m.resume, ctx, cmd, effectiveUS)
}

func (m *Machine) resume(ctx context.Context, cmd Command, effectiveUS int64) error {
	if m.state != StatePaused {
		return &TransitionError{Op: "resume", State: m.state}
	}
	m.transitionLocked(ctx, StatePlaying, cmd, effectiveUS)
	return nil
}

// BeginStop moves any active state to Stopping.
func (m *Machine) BeginStop(ctx context.Context, cmd Command, effectiveUS int64) error {
	return xsync.DoA3R1(ctx, &m.locker, m.beginStop, ctx, cmd, effectiveUS)
}

func (m *Machine) beginStop(ctx context.Context, cmd Command, effectiveUS int64) error {
	switch m.state {
	case StateIdle, StateStopping:
		return &TransitionError{Op: "stop", State: m.state}
	}
	m.transitionLocked(ctx, StateStopping, cmd, effectiveUS)
	return nil
}

// FinishStop completes a stop: Stopping to Idle. forced records whether any
// worker had to be preempted.
func (m *Machine) FinishStop(ctx context.Context, cmd Command, effectiveUS int64, forced bool) {
	m.locker.Do(ctx, func() {
		m.forcedStop = forced
		m.transitionLocked(ctx, StateIdle, cmd, effectiveUS)
	})
}

// Fail records a fatal runtime error; recovery requires a stop.
func (m *Machine) Fail(ctx context.Context, cmd Command, effectiveUS int64) {
	m.locker.Do(ctx, func() {
		if m.state == StateError {
			return
		}
		m.transitionLocked(ctx, StateError, cmd, effectiveUS)
	})
}

// OnBufferDepth feeds ring occupancy into the Buffering/Ready hysteresis.
// It reports whether a transition happened.
func (m *Machine) OnBufferDepth(ctx context.Context, depth, capacity int, nowUS int64) bool {
	return xsync.DoR1(ctx, &m.locker, func() bool {
		switch m.state {
		case StateBuffering:
			if depth >= readyDepthWatermark {
				m.transitionLocked(ctx, StateReady, Command{ID: "buffer_depth"}, nowUS)
				return true
			}
		case StateReady:
			if depth <= bufferingDepthWatermark {
				m.transitionLocked(ctx, StateBuffering, Command{ID: "buffer_depth"}, nowUS)
				return true
			}
		}
		return false
	})
}

// OnBackpressure records an advisory underrun/overrun. State is unchanged.
func (m *Machine) OnBackpressure(ctx context.Context, event BackpressureEvent, nowUS int64) {
	switch event {
	case BackpressureUnderrun:
		m.underrunEvents.Inc()
	case BackpressureOverrun:
		m.overrunEvents.Inc()
	}
	m.locker.Do(ctx, func() {
		m.lastBackpressure = event
		m.lastBackpressureUS = nowUS
	})
}

// LastBackpressure returns the most recent advisory event and its time.
func (m *Machine) LastBackpressure() (BackpressureEvent, int64) {
	return xsync.DoR2(context.TODO(), &m.locker, func() (BackpressureEvent, int64) {
		return m.lastBackpressure, m.lastBackpressureUS
	})
}
