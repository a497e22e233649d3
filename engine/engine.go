// Package engine owns the channel map and implements the control-plane
// operations: start, stop, preview loading, seamless switchover and plan
// updates.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"

	"github.com/slbailey/retrovue-air/clock"
	"github.com/slbailey/retrovue-air/control"
	"github.com/slbailey/retrovue-air/decoder"
	"github.com/slbailey/retrovue-air/logger"
	"github.com/slbailey/retrovue-air/orchestrate"
	"github.com/slbailey/retrovue-air/producer"
	"github.com/slbailey/retrovue-air/ring"
	"github.com/slbailey/retrovue-air/sink"
	"github.com/slbailey/retrovue-air/telemetry"
	"github.com/slbailey/retrovue-air/tsmux"
	"github.com/slbailey/retrovue-air/tsout"
)

const (
	// defaultRingCapacity is the frame budget between decode and pacing.
	defaultRingCapacity = 60

	// defaultReadyDepth is how many buffered frames a starting channel needs
	// before it is considered ready.
	defaultReadyDepth = 3

	// defaultReadyTimeout bounds the buffering wait at start and the
	// shadow-readiness wait during a plan update.
	defaultReadyTimeout = 2 * time.Second

	// defaultTeardownGrace is how long a slot gets to stop politely.
	defaultTeardownGrace = 2 * time.Second

	readinessPollInterval = 10 * time.Millisecond
)

// Config holds engine-wide defaults; per-channel overrides come with the
// start request.
type Config struct {
	TargetFPS     float64
	Width         int
	Height        int
	RingCapacity  int
	ReadyDepth    int
	ReadyTimeout  time.Duration
	TeardownGrace time.Duration
	BitRate       int64

	// FallbackToStub lets a channel survive an unopenable asset with
	// synthetic frames instead of failing the session.
	FallbackToStub bool

	// NewDecoder overrides decoder construction (used by tests).
	NewDecoder func(uri string) decoder.Decoder

	// NewEncoder overrides encoder construction. Returning nil disables
	// encoding: the channel paces without producing output.
	NewEncoder func(cfg tsmux.H264Config, byteSink tsmux.Sink) tsmux.Encoder

	Telemetry *telemetry.Store
}

func (cfg Config) withDefaults() Config {
	if cfg.TargetFPS == 0 {
		cfg.TargetFPS = 30.0
	}
	if cfg.Width == 0 {
		cfg.Width = 1920
	}
	if cfg.Height == 0 {
		cfg.Height = 1080
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.ReadyDepth == 0 {
		cfg.ReadyDepth = defaultReadyDepth
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.TeardownGrace == 0 {
		cfg.TeardownGrace = defaultTeardownGrace
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewStore()
	}
	return cfg
}

// Engine manages all playout channels.
type Engine struct {
	cfg Config

	locker   xsync.Mutex
	channels map[string]*Channel

	// stopped remembers channels that once ran, so stopping twice is a no-op
	// while stopping a channel that never existed is an error.
	stopped map[string]struct{}
}

// New creates an engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		channels: map[string]*Channel{},
		stopped:  map[string]struct{}{},
	}
}

// Telemetry returns the engine's snapshot store.
func (e *Engine) Telemetry() *telemetry.Store {
	return e.cfg.Telemetry
}

// Channel returns a channel by ID.
func (e *Engine) Channel(id string) (*Channel, bool) {
	return xsync.DoA1R2(context.TODO(), &e.locker, e.channel, id)
}

func (e *Engine) channel(id string) (*Channel, bool) {
	c, ok := e.channels[id]
	return c, ok
}

// StartChannelRequest describes a channel start.
type StartChannelRequest struct {
	ChannelID  string
	PlanHandle string

	// OutputNetwork is "tcp" or "unix"; OutputAddress is the endpoint the
	// consumer connects to.
	OutputNetwork string
	OutputAddress string

	CommandID        string
	RequestStationUS int64
}

// StartChannelResult reports how a start request concluded.
type StartChannelResult struct {
	// AlreadyStarted: the channel was running and the request was a no-op.
	AlreadyStarted bool
}

// StartChannel brings a channel up: transport, encoder, pacing sink, live
// producer, orchestration. It blocks until the channel has buffered enough to
// play. Starting a started channel is a success and changes nothing.
func (e *Engine) StartChannel(ctx context.Context, req StartChannelRequest) (_ret StartChannelResult, _err error) {
	logger.Debugf(ctx, "StartChannel(%s, '%s')", req.ChannelID, req.PlanHandle)
	defer func() { logger.Debugf(ctx, "/StartChannel(%s): %#+v %v", req.ChannelID, _ret, _err) }()

	if req.ChannelID == "" {
		return StartChannelResult{}, fmt.Errorf("channel ID is required")
	}

	c := &Channel{
		ID:      req.ChannelID,
		cfg:     e.cfg,
		Clock:   clock.NewSystem(0),
		Ring:    ring.New(e.cfg.RingCapacity),
		Machine: control.NewMachine(),
	}

	var alreadyStarted bool
	e.locker.Do(ctx, func() {
		if _, ok := e.channels[req.ChannelID]; ok {
			alreadyStarted = true
			return
		}
		e.channels[req.ChannelID] = c
		delete(e.stopped, req.ChannelID)
	})
	if alreadyStarted {
		return StartChannelResult{AlreadyStarted: true}, nil
	}

	defer func() {
		if _err != nil {
			e.locker.Do(ctx, func() {
				delete(e.channels, req.ChannelID)
			})
			e.teardownChannel(xcontext.DetachDone(ctx), c)
		}
	}()

	cmd := control.Command{ID: req.CommandID, RequestStationUS: req.RequestStationUS}
	if err := c.Machine.BeginSession(ctx, cmd, c.Clock.NowUS()); err != nil {
		return StartChannelResult{}, err
	}

	if req.OutputNetwork != "" {
		c.Transport = tsout.New(tsout.Config{
			Network: req.OutputNetwork,
			Address: req.OutputAddress,
		})
		if err := c.Transport.Initialize(ctx); err != nil {
			return StartChannelResult{}, fmt.Errorf("unable to initialize the transport: %w", err)
		}
		if err := c.Transport.Start(ctx); err != nil {
			return StartChannelResult{}, fmt.Errorf("unable to start the transport: %w", err)
		}
	}

	c.Sink = sink.New(sink.Config{
		FPS:       e.cfg.TargetFPS,
		Clock:     c.Clock,
		Ring:      c.Ring,
		Transport: c.Transport,
	})
	c.Encoder = e.newEncoder(c)
	if c.Encoder != nil {
		if err := c.Encoder.Open(ctx); err != nil {
			return StartChannelResult{}, fmt.Errorf("unable to open the encoder: %w", err)
		}
		c.Sink.SetEncoder(c.Encoder)
	}

	live := c.newSlot(req.PlanHandle, false, nil)
	c.slotLocker.Do(ctx, func() { c.live = live })
	if err := live.Start(ctx); err != nil {
		return StartChannelResult{}, fmt.Errorf("unable to start the producer: %w", err)
	}

	if err := c.Sink.Start(ctx); err != nil {
		return StartChannelResult{}, err
	}

	c.Ticker = orchestrate.New(orchestrate.Config{
		TickPeriod: time.Duration(float64(time.Second) / e.cfg.TargetFPS),
		Clock:      c.Clock,
		BufferDepth: func() (int, int) {
			return c.Ring.Len(), c.Ring.Cap()
		},
		OnUnderrun: func(ctx context.Context, nowUS int64) {
			c.Machine.OnBackpressure(ctx, control.BackpressureUnderrun, nowUS)
		},
		OnOverrun: func(ctx context.Context, nowUS int64) {
			c.Machine.OnBackpressure(ctx, control.BackpressureOverrun, nowUS)
		},
		OnBackpressureCleared: func(ctx context.Context, nowUS int64) {
			c.Machine.OnBackpressure(ctx, control.BackpressureNone, nowUS)
		},
		OnTick: func(ctx context.Context, depth, capacity int, nowUS int64) {
			c.Machine.OnBufferDepth(ctx, depth, capacity, nowUS)
			c.publishTelemetry(ctx, e.cfg.Telemetry, depth, capacity)
		},
	})
	c.Ticker.Start(ctx)

	if err := c.waitForDepth(ctx, e.cfg.ReadyDepth, e.cfg.ReadyTimeout); err != nil {
		return StartChannelResult{}, err
	}
	c.Machine.OnBufferDepth(ctx, c.Ring.Len(), c.Ring.Cap(), c.Clock.NowUS())
	if err := c.Machine.Activate(ctx, cmd, c.Clock.NowUS()); err != nil {
		return StartChannelResult{}, err
	}

	logger.Infof(ctx, "channel '%s' started: plan '%s'", req.ChannelID, req.PlanHandle)
	return StartChannelResult{}, nil
}

func (e *Engine) newEncoder(c *Channel) tsmux.Encoder {
	encCfg := tsmux.H264Config{
		Width:   e.cfg.Width,
		Height:  e.cfg.Height,
		FPS:     e.cfg.TargetFPS,
		BitRate: e.cfg.BitRate,
	}
	if e.cfg.NewEncoder != nil {
		return e.cfg.NewEncoder(encCfg, c.Sink.EncoderSink())
	}
	if c.Transport == nil {
		return nil
	}
	return tsmux.NewH264(encCfg, c.Sink.EncoderSink())
}

// StopChannel tears a channel down: orchestration, slots, sink (which drains
// and pads the stream), then the transport. Unknown channels are an error.
func (e *Engine) StopChannel(ctx context.Context, channelID string, cmd control.Command) (_err error) {
	logger.Debugf(ctx, "StopChannel(%s)", channelID)
	defer func() { logger.Debugf(ctx, "/StopChannel(%s): %v", channelID, _err) }()

	var (
		c              *Channel
		alreadyStopped bool
	)
	e.locker.Do(ctx, func() {
		c = e.channels[channelID]
		delete(e.channels, channelID)
		if c == nil {
			_, alreadyStopped = e.stopped[channelID]
		} else {
			e.stopped[channelID] = struct{}{}
		}
	})
	if c == nil {
		if alreadyStopped {
			logger.Debugf(ctx, "channel '%s' is already stopped", channelID)
			return nil
		}
		return fmt.Errorf("unknown channel '%s'", channelID)
	}

	// A cancelled request must not leave half a channel behind.
	ctx = xcontext.DetachDone(ctx)

	if err := c.Machine.BeginStop(ctx, cmd, c.Clock.NowUS()); err != nil {
		logger.Warnf(ctx, "stop in an unexpected state: %v", err)
	}

	forced := e.teardownChannel(ctx, c)
	c.Machine.FinishStop(ctx, cmd, c.Clock.NowUS(), forced)

	c.publishTelemetry(ctx, e.cfg.Telemetry, c.Ring.Len(), c.Ring.Cap())
	e.cfg.Telemetry.RemoveChannel(ctx, channelID)

	logger.Infof(ctx, "channel '%s' stopped (forced: %t)", channelID, forced)
	return nil
}

// teardownChannel releases everything the channel owns; it reports whether
// any worker had to be preempted.
func (e *Engine) teardownChannel(ctx context.Context, c *Channel) (forced bool) {
	if c.Ticker != nil {
		c.Ticker.Stop(ctx)
	}

	var preview, live *producer.Slot
	c.slotLocker.Do(ctx, func() {
		preview, live = c.preview, c.live
		c.preview, c.live = nil, nil
	})
	if c.teardownSlot(ctx, preview, e.cfg.TeardownGrace) {
		forced = true
	}
	if c.teardownSlot(ctx, live, e.cfg.TeardownGrace) {
		forced = true
	}

	if c.Sink != nil {
		if err := c.Sink.Stop(ctx); err != nil {
			logger.Warnf(ctx, "unable to stop the sink cleanly: %v", err)
		}
	}
	if c.Encoder != nil {
		if err := c.Encoder.Close(ctx); err != nil {
			logger.Warnf(ctx, "unable to close the encoder: %v", err)
		}
	}
	if c.Transport != nil {
		if err := c.Transport.Stop(ctx); err != nil {
			logger.Warnf(ctx, "unable to stop the transport cleanly: %v", err)
		}
	}
	c.Ring.Clear()
	return forced
}

// LoadPreview creates a shadow slot for the asset; it returns once the
// worker is running, readiness is asynchronous.
func (e *Engine) LoadPreview(ctx context.Context, channelID, uri string, onReady func(ctx context.Context)) (_err error) {
	logger.Debugf(ctx, "LoadPreview(%s, '%s')", channelID, uri)
	defer func() { logger.Debugf(ctx, "/LoadPreview(%s): %v", channelID, _err) }()

	c, ok := e.Channel(channelID)
	if !ok {
		return fmt.Errorf("unknown channel '%s'", channelID)
	}

	slot := c.newSlot(uri, true, onReady)

	var old *producer.Slot
	c.slotLocker.Do(ctx, func() {
		old = c.preview
		c.preview = slot
	})
	if old != nil {
		logger.Infof(ctx, "channel '%s': replacing the loaded preview", channelID)
		c.teardownSlot(ctx, old, e.cfg.TeardownGrace)
	}

	return slot.Start(ctx)
}

// SwitchResult describes a completed preview-to-live switch.
type SwitchResult struct {
	// LiveStartPTSUS is the PTS the new live stream starts at.
	LiveStartPTSUS int64

	// PTSContiguous: the new stream's first frame lands exactly one frame
	// period after the last emitted one.
	PTSContiguous bool
}

// SwitchToLive promotes the shadow-ready preview slot to live, rebasing its
// PTS stream so the output timeline stays contiguous, and tears the old live
// slot down. The pacing sink keeps running through the swap.
func (e *Engine) SwitchToLive(ctx context.Context, channelID string, cmd control.Command) (_ret SwitchResult, _err error) {
	logger.Debugf(ctx, "SwitchToLive(%s)", channelID)
	defer func() { logger.Debugf(ctx, "/SwitchToLive(%s): %#+v %v", channelID, _ret, _err) }()

	c, ok := e.Channel(channelID)
	if !ok {
		return SwitchResult{}, fmt.Errorf("unknown channel '%s'", channelID)
	}

	var (
		old      *producer.Slot
		expected int64
		result   SwitchResult
	)
	err := xsync.DoR1(ctx, &c.slotLocker, func() error {
		if c.preview == nil {
			return fmt.Errorf("channel '%s' has no loaded preview", channelID)
		}
		if !c.preview.IsShadowReady() {
			return fmt.Errorf("channel '%s': the preview is not shadow-ready yet", channelID)
		}

		// Quiescing the outgoing slot first makes its last published PTS
		// final and keeps the ring single-producer across the swap.
		old = c.live
		if old != nil {
			old.Quiesce(ctx)
		}

		firstPTS, havePTS := c.preview.FirstPTSUS()
		expected = c.expectedNextPTSUS()
		if err := c.preview.PromoteToLive(ctx, expected-firstPTS); err != nil {
			return err
		}

		c.live = c.preview
		c.preview = nil
		result = SwitchResult{
			LiveStartPTSUS: expected,
			PTSContiguous:  havePTS,
		}
		return nil
	})
	if err != nil {
		return SwitchResult{}, err
	}

	if old != nil {
		c.teardownSlot(ctx, old, e.cfg.TeardownGrace)
	}
	if err := c.Machine.Activate(ctx, cmd, c.Clock.NowUS()); err != nil {
		logger.Warnf(ctx, "switch completed in an unexpected state: %v", err)
	}

	logger.Infof(ctx, "channel '%s': switched to live at pts=%dus", channelID, result.LiveStartPTSUS)
	return result, nil
}

// UpdatePlan replaces the playing asset without touching the channel's
// transport or consumer: the new plan is loaded as a shadow slot, and once it
// is ready it is switched in like a preview.
func (e *Engine) UpdatePlan(ctx context.Context, channelID, uri string, cmd control.Command) (_err error) {
	logger.Debugf(ctx, "UpdatePlan(%s, '%s')", channelID, uri)
	defer func() { logger.Debugf(ctx, "/UpdatePlan(%s): %v", channelID, _err) }()

	c, ok := e.Channel(channelID)
	if !ok {
		return fmt.Errorf("unknown channel '%s'", channelID)
	}

	if err := e.LoadPreview(ctx, channelID, uri, nil); err != nil {
		return err
	}
	if err := e.waitForShadowReady(ctx, c); err != nil {
		return err
	}
	_, err := e.SwitchToLive(ctx, channelID, cmd)
	return err
}

func (e *Engine) waitForShadowReady(ctx context.Context, c *Channel) error {
	deadline := time.Now().Add(e.cfg.ReadyTimeout)
	for {
		slot := c.PreviewSlot()
		if slot == nil {
			return fmt.Errorf("channel '%s': the preview slot disappeared", c.ID)
		}
		if slot.IsShadowReady() {
			return nil
		}
		if slot.State() == producer.StateFailed {
			return fmt.Errorf("channel '%s': the preview failed to load", c.ID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("channel '%s': the preview was not ready within %s", c.ID, e.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
}

// ChannelIDs lists the running channels.
func (e *Engine) ChannelIDs() []string {
	return xsync.DoR1(context.TODO(), &e.locker, func() []string {
		out := make([]string, 0, len(e.channels))
		for id := range e.channels {
			out = append(out, id)
		}
		return out
	})
}

// Close stops every channel.
func (e *Engine) Close(ctx context.Context) error {
	for _, id := range e.ChannelIDs() {
		if err := e.StopChannel(ctx, id, control.Command{ID: "engine_close"}); err != nil {
			logger.Errorf(ctx, "unable to stop channel '%s': %v", id, err)
		}
	}
	return nil
}
