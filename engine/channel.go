package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"

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

// stubScheme marks plan handles served by the synthetic decoder.
const stubScheme = "stub:"

// Channel bundles everything one playout channel owns: the frame ring, the
// slot pair, the pacing sink, the transport and the control state machine.
type Channel struct {
	ID  string
	cfg Config

	Clock     clock.MasterClock
	Ring      *ring.Ring
	Machine   *control.Machine
	Sink      *sink.Sink
	Encoder   tsmux.Encoder
	Transport *tsout.Writer
	Ticker    *orchestrate.Ticker

	// slotLocker guards the live/preview pair, in particular during the
	// preview-to-live swap.
	slotLocker xsync.Mutex
	live       *producer.Slot
	preview    *producer.Slot

	// decodeFailures carries the decode-error totals of retired slots, so the
	// channel's failure count survives preview replacements and switchovers.
	decodeFailures atomic.Uint64
}

func (c *Channel) framePeriodUS() int64 {
	return int64(1e6 / c.cfg.TargetFPS)
}

func (c *Channel) newDecoder(uri string) decoder.Decoder {
	if c.cfg.NewDecoder != nil {
		return c.cfg.NewDecoder(uri)
	}
	if strings.HasPrefix(uri, stubScheme) {
		return decoder.NewStub(decoder.StubConfig{
			AssetURI: uri,
			Width:    c.cfg.Width,
			Height:   c.cfg.Height,
			FPS:      c.cfg.TargetFPS,
		})
	}
	return decoder.NewFFmpeg(decoder.Config{
		InputURI:     uri,
		TargetWidth:  c.cfg.Width,
		TargetHeight: c.cfg.Height,
	})
}

func (c *Channel) newSlot(uri string, shadow bool, onReady func(ctx context.Context)) *producer.Slot {
	return producer.New(c.newDecoder(uri), c.Ring, producer.Config{
		Shadow:         shadow,
		OnShadowReady:  onReady,
		FallbackToStub: c.cfg.FallbackToStub,
		FallbackAsset:  uri,
		FallbackFPS:    c.cfg.TargetFPS,
		OnFatalError: func(ctx context.Context, err error) {
			logger.Errorf(ctx, "channel '%s': decoder failure: %v", c.ID, err)
			c.Machine.Fail(ctx, control.Command{ID: "decoder_failure"}, c.Clock.NowUS())
		},
	})
}

// LiveSlot returns the current live slot (may be nil).
func (c *Channel) LiveSlot() *producer.Slot {
	return xsync.DoR1(context.TODO(), &c.slotLocker, func() *producer.Slot {
		return c.live
	})
}

// PreviewSlot returns the current preview slot (may be nil).
func (c *Channel) PreviewSlot() *producer.Slot {
	return xsync.DoR1(context.TODO(), &c.slotLocker, func() *producer.Slot {
		return c.preview
	})
}

// expectedNextPTSUS is the PTS the next live frame must carry for the output
// timeline to stay contiguous.
func (c *Channel) expectedNextPTSUS() int64 {
	lastUS := int64(0)
	if c.live != nil {
		if pts, ok := c.live.LastPublishedPTSUS(); ok {
			lastUS = pts
		}
	}
	return lastUS + c.framePeriodUS()
}

// teardownSlot asks the slot to stop within the grace timeout and escalates
// to a forced stop. It reports whether force was needed.
func (c *Channel) teardownSlot(ctx context.Context, s *producer.Slot, grace time.Duration) bool {
	if s == nil {
		return false
	}
	forced := false
	if err := s.RequestTeardown(ctx, grace); err != nil {
		logger.Warnf(ctx, "channel '%s': slot did not stop in %s, forcing: %v", c.ID, grace, err)
		s.ForceStop(ctx)
		forced = true
	}
	c.decodeFailures.Add(s.DecoderStats().DecodeErrors)
	return forced
}

// telemetryState maps the control state to the coarse external one.
func telemetryState(s control.ChannelState) telemetry.ChannelState {
	switch s {
	case control.StateIdle:
		return telemetry.ChannelStateStopped
	case control.StateBuffering, control.StateStopping:
		return telemetry.ChannelStateBuffering
	case control.StateReady, control.StatePlaying, control.StatePaused:
		return telemetry.ChannelStateReady
	case control.StateError:
		return telemetry.ChannelStateError
	}
	return telemetry.ChannelStateStopped
}

func (c *Channel) publishTelemetry(ctx context.Context, store *telemetry.Store, depth, capacity int) {
	underruns, overruns := c.Machine.BackpressureCounters()
	stats := c.Sink.Stats()
	failures := c.decodeFailures.Load()
	if live := c.LiveSlot(); live != nil {
		failures += live.DecoderStats().DecodeErrors
	}
	store.Publish(ctx, c.ID, telemetry.ChannelMetrics{
		State:              telemetryState(c.Machine.State()),
		BufferDepthFrames:  depth,
		BufferCapacity:     capacity,
		FrameGapSeconds:    float64(stats.LastFrameGapUS) / 1e6,
		DecodeFailureCount: failures,
		FramesPaced:        stats.FramesPaced,
		FramesDroppedLate:  stats.FramesDroppedLate,
		UnderrunCount:      underruns,
		OverrunCount:       overruns,
	})
}

// waitForDepth polls the ring until it holds at least depth frames.
func (c *Channel) waitForDepth(ctx context.Context, depth int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.Ring.Len() >= depth {
			return nil
		}
		if c.Machine.State() == control.StateError {
			return fmt.Errorf("channel '%s' failed while buffering", c.ID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("channel '%s' did not buffer %d frames within %s", c.ID, depth, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
}
