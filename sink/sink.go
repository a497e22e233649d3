// Package sink paces decoded frames against station time and feeds the
// encoder, keeping the downstream transport fed at the channel's frame rate.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"

	"github.com/slbailey/retrovue-air/clock"
	"github.com/slbailey/retrovue-air/frame"
	"github.com/slbailey/retrovue-air/logger"
	"github.com/slbailey/retrovue-air/ring"
	"github.com/slbailey/retrovue-air/tsmux"
	"github.com/slbailey/retrovue-air/tsout"
)

const (
	// earlySoftWaitUS: if ahead of the deadline by more than this, block-wait.
	earlySoftWaitUS = 5_000

	// waitFudgeUS: wake this much before the deadline.
	waitFudgeUS = 500

	// maxLateToleranceUS: frames later than this are dropped.
	maxLateToleranceUS = 50_000

	// sameTimebaseThresholdUS separates "stale frame in the station timebase"
	// from "fresh frame in the decoder's own timebase" before the start
	// anchor is bound.
	sameTimebaseThresholdUS = 1_000_000

	// minSleepUS is the busy-wait floor.
	minSleepUS = 100

	// underrunBackoff is the real-time pause when the ring is empty.
	underrunBackoff = 5 * time.Millisecond

	// queueHighWater: above this many queued buffers, encoding is skipped.
	queueHighWater = 64

	// queueHardMax: above this, the oldest buffer is dropped.
	queueHardMax = 128

	// queueDropWarnEvery throttles drop warnings to the first and every Nth.
	queueDropWarnEvery = 10
)

// Stats is a snapshot of the pacing counters.
type Stats struct {
	FramesPaced       uint64
	FramesDroppedLate uint64
	FramesSkipped     uint64
	Underruns         uint64
	QueueDrops        uint64
	EncodeErrors      uint64
	TransportErrors   uint64
	LastFrameGapUS    int64
	StartStationUS    int64
	StartBound        bool
	LastPacedPTSUS    int64
	PacedAny          bool
}

// UnderflowPolicy is what the channel would prefer on an empty ring. It is
// advisory: the sink emits nothing either way, the policy is for downstream
// renderers and telemetry.
type UnderflowPolicy int

const (
	UnderflowFreeze UnderflowPolicy = iota
	UnderflowBlack
	UnderflowSkip
)

func (p UnderflowPolicy) String() string {
	switch p {
	case UnderflowFreeze:
		return "FREEZE"
	case UnderflowBlack:
		return "BLACK"
	case UnderflowSkip:
		return "SKIP"
	}
	return fmt.Sprintf("POLICY_%d", int(p))
}

// Config wires a sink to its channel.
type Config struct {
	FPS       float64
	Clock     clock.MasterClock
	Ring      *ring.Ring
	Encoder   tsmux.Encoder // may be nil: pacing without output
	Transport *tsout.Writer

	UnderflowPolicy UnderflowPolicy

	// QueueHighWater / QueueHardMax override the staging queue bounds.
	QueueHighWater int
	QueueHardMax   int
}

// Sink owns the pacing worker for one channel. It pulls from the frame ring,
// classifies each frame as early / on-time / late against station time, and
// feeds on-time frames to the encoder. The encoder's byte output is staged in
// a bounded queue and delivered to the transport from the same worker.
type Sink struct {
	cfg           Config
	framePeriodUS int64

	locker xsync.Mutex
	queue  [][]byte
	stats  Stats

	startStationUS int64
	startBound     bool

	stopChan   chan struct{}
	stopOnce   sync.Once
	doneChan   chan struct{}
	started    bool
	cancelWork context.CancelFunc
}

// New creates a sink; Start must be called to run it.
func New(cfg Config) *Sink {
	if cfg.FPS == 0 {
		cfg.FPS = 30.0
	}
	if cfg.QueueHighWater == 0 {
		cfg.QueueHighWater = queueHighWater
	}
	if cfg.QueueHardMax == 0 {
		cfg.QueueHardMax = queueHardMax
	}
	return &Sink{
		cfg:           cfg,
		framePeriodUS: int64(1e6 / cfg.FPS),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

func (s *Sink) String() string {
	return fmt.Sprintf("PacingSink(%.2ffps)", s.cfg.FPS)
}

// EncoderSink returns the byte sink the encoder must be constructed with.
func (s *Sink) EncoderSink() tsmux.Sink {
	return s.enqueue
}

// SetEncoder binds the encoder; the encoder is constructed after the sink
// because it needs EncoderSink. Must be called before Start.
func (s *Sink) SetEncoder(e tsmux.Encoder) {
	s.cfg.Encoder = e
}

// Start spawns the pacing worker.
func (s *Sink) Start(ctx context.Context) error {
	var alreadyStarted bool
	s.locker.Do(ctx, func() {
		alreadyStarted = s.started
		s.started = true
	})
	if alreadyStarted {
		return fmt.Errorf("sink is already started")
	}

	workCtx, cancel := context.WithCancel(ctx)
	s.cancelWork = cancel

	observability.Go(ctx, func(ctx context.Context) {
		defer close(s.doneChan)
		s.work(workCtx)
	})
	return nil
}

// Stop halts pacing, drains the encoder, pads the stream to a packet
// boundary and joins the worker. The transport itself is left open for the
// owner to close.
func (s *Sink) Stop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Stop(): %s", s)
	defer func() { logger.Debugf(ctx, "/Stop(): %v", _err) }()

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	if s.cancelWork != nil {
		s.cancelWork()
	}

	var started bool
	s.locker.Do(ctx, func() { started = s.started })
	if started {
		select {
		case <-s.doneChan:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.finalize(ctx)
}

// finalize runs after the worker exited: drain the codec's delay queue,
// deliver what it produced, then pad to a 188-byte boundary.
func (s *Sink) finalize(ctx context.Context) error {
	var errs []error
	if s.cfg.Encoder != nil {
		if err := s.cfg.Encoder.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unable to drain the encoder: %w", err))
		}
	}
	s.deliverQueue(ctx)
	if s.cfg.Transport != nil && s.cfg.Transport.IsConnected() {
		if err := s.cfg.Transport.WriteNullPacket(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unable to pad the stream: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pacing counters.
func (s *Sink) Stats() Stats {
	return xsync.DoR1(context.TODO(), &s.locker, func() Stats {
		st := s.stats
		st.StartStationUS = s.startStationUS
		st.StartBound = s.startBound
		return st
	})
}

// LastFrameGapSeconds returns the most recent deadline gap (positive = late).
func (s *Sink) LastFrameGapSeconds() float64 {
	return float64(s.Stats().LastFrameGapUS) / 1e6
}

func (s *Sink) stopRequested(ctx context.Context) bool {
	select {
	case <-s.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Sink) work(ctx context.Context) {
	logger.Debugf(ctx, "pacing worker started: %s", s)
	defer logger.Debugf(ctx, "/pacing worker: %s", s)

	for !s.stopRequested(ctx) {
		s.deliverQueue(ctx)

		f := s.cfg.Ring.Peek()
		if f == nil {
			s.locker.Do(ctx, func() { s.stats.Underruns++ })
			s.sleep(ctx, underrunBackoff)
			continue
		}

		nowUS := s.cfg.Clock.NowUS()

		if !s.bound() {
			if s.isStaleFirstFrame(ctx, f, nowUS) {
				s.cfg.Ring.TryPop()
				s.locker.Do(ctx, func() { s.stats.FramesDroppedLate++ })
				continue
			}
			s.bind(ctx, f, nowUS)
		}

		deadlineUS := s.startStationUS + f.Metadata.PTS
		gapUS := nowUS - deadlineUS

		switch {
		case gapUS < -earlySoftWaitUS:
			if err := s.cfg.Clock.WaitUntilUS(ctx, deadlineUS-waitFudgeUS); err != nil {
				return
			}
			// Re-evaluate: the ring head may have changed during the wait.
			continue

		case gapUS <= maxLateToleranceUS:
			// Slightly early frames within the busy-wait floor go out as-is.
			if gapUS < -minSleepUS {
				if err := s.cfg.Clock.WaitUntilUS(ctx, deadlineUS); err != nil {
					return
				}
			}
			s.cfg.Ring.TryPop()
			s.emit(ctx, f, gapUS)

		default:
			s.cfg.Ring.TryPop()
			s.locker.Do(ctx, func() {
				s.stats.FramesDroppedLate++
				s.stats.LastFrameGapUS = gapUS
			})
			logger.Debugf(ctx, "dropped a late frame: pts=%dus, gap=%dus", f.Metadata.PTS, gapUS)
		}
	}
}

func (s *Sink) bound() bool {
	return s.startBound
}

// isStaleFirstFrame guards the start binding: a first frame whose PTS is far
// behind station time but within the same-timebase window was produced in the
// station timebase and is simply old. Binding to it would make every
// subsequent frame late.
func (s *Sink) isStaleFirstFrame(ctx context.Context, f *frame.Frame, nowUS int64) bool {
	age := nowUS - f.Metadata.PTS
	if age > maxLateToleranceUS && age < sameTimebaseThresholdUS {
		logger.Warnf(ctx, "stale first frame: pts=%dus is %dus behind station time", f.Metadata.PTS, age)
		return true
	}
	return false
}

// bind anchors the stream: the first fresh frame's deadline resolves to the
// current station time.
func (s *Sink) bind(ctx context.Context, f *frame.Frame, nowUS int64) {
	s.locker.Do(ctx, func() {
		s.startStationUS = nowUS - f.Metadata.PTS
		s.startBound = true
	})
	logger.Infof(ctx, "pacing anchored: start_station=%dus (first pts=%dus)", s.startStationUS, f.Metadata.PTS)
}

func (s *Sink) emit(ctx context.Context, f *frame.Frame, gapUS int64) {
	var skipEncode bool
	s.locker.Do(ctx, func() {
		s.stats.FramesPaced++
		s.stats.LastFrameGapUS = gapUS
		s.stats.LastPacedPTSUS = f.Metadata.PTS
		s.stats.PacedAny = true
		skipEncode = len(s.queue) >= s.cfg.QueueHighWater
	})

	// Without a consumer pacing is maintained but encoding is skipped.
	if s.cfg.Encoder == nil || s.cfg.Transport == nil || !s.cfg.Transport.IsConnected() || skipEncode {
		s.locker.Do(ctx, func() { s.stats.FramesSkipped++ })
		return
	}

	if err := s.cfg.Encoder.EncodeFrame(ctx, f, tsmux.PTS90kHz(f.Metadata.PTS)); err != nil {
		s.locker.Do(ctx, func() { s.stats.EncodeErrors++ })
		logger.Warnf(ctx, "unable to encode a frame: %v", err)
	}
}

// enqueue is the encoder's byte sink; it runs on the pacing worker during
// EncodeFrame/Flush.
func (s *Sink) enqueue(b []byte) error {
	buf := make([]byte, len(b))
	copy(buf, b)

	ctx := context.TODO()
	s.locker.Do(ctx, func() {
		s.queue = append(s.queue, buf)
		for len(s.queue) > s.cfg.QueueHardMax {
			s.queue = s.queue[1:]
			s.stats.QueueDrops++
			if s.stats.QueueDrops == 1 || s.stats.QueueDrops%queueDropWarnEvery == 0 {
				logger.Warnf(ctx, "transport queue overflow, dropped the oldest buffer (%d drops total)", s.stats.QueueDrops)
			}
		}
	})
	return nil
}

// deliverQueue pushes staged buffers to the transport. Without a consumer the
// queue is discarded so memory stays bounded.
func (s *Sink) deliverQueue(ctx context.Context) {
	if s.cfg.Transport == nil {
		s.locker.Do(ctx, func() { s.queue = nil })
		return
	}
	for {
		var buf []byte
		s.locker.Do(ctx, func() {
			if len(s.queue) > 0 {
				buf = s.queue[0]
				s.queue = s.queue[1:]
			}
		})
		if buf == nil {
			return
		}

		if err := s.cfg.Transport.WriteAll(ctx, buf); err != nil {
			if errors.Is(err, tsout.ErrNotConnected) {
				s.locker.Do(ctx, func() {
					s.stats.QueueDrops += uint64(len(s.queue)) + 1
					s.queue = nil
				})
				return
			}
			s.locker.Do(ctx, func() { s.stats.TransportErrors++ })
			logger.Warnf(ctx, "unable to deliver to the transport: %v", err)
			return
		}
	}
}

func (s *Sink) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-s.stopChan:
	case <-ctx.Done():
	case <-time.After(d):
	}
}
