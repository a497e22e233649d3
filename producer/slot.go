// Package producer wraps a decoder in a background worker ("slot"). A slot
// runs either shadow (decode-and-hold, priming the codec without touching the
// live ring) or live (publish to the ring), and supports an atomic promotion
// from shadow to live with a PTS rebase.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"

	"github.com/slbailey/retrovue-air/decoder"
	"github.com/slbailey/retrovue-air/frame"
	"github.com/slbailey/retrovue-air/logger"
	"github.com/slbailey/retrovue-air/ring"
)

// State is the slot lifecycle state.
type State int32

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateFailed
	StateRunning
	StateTearingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateRunning:
		return "running"
	case StateTearingDown:
		return "tearing_down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state_%d", int32(s))
}

var (
	ErrAlreadyStarted  = errors.New("slot already started")
	ErrAlreadyPromoted = errors.New("slot already promoted to live")
	ErrTeardownTimeout = errors.New("slot teardown timed out")
)

const (
	// backoffOnFull is the producer-side pause when the sink refuses a frame.
	backoffOnFull = 10 * time.Millisecond

	// backoffOnError is the pause after a transient decode error.
	backoffOnError = 10 * time.Millisecond

	// shadowIdlePoll is how often a primed shadow worker re-checks for
	// promotion or teardown.
	shadowIdlePoll = 5 * time.Millisecond

	// shadowHoldMax bounds the frames a shadow slot holds back for the
	// switchover; enough for codecs that only settle after a GOP's worth of
	// warm-up.
	shadowHoldMax = 16
)

// Config holds slot construction parameters.
type Config struct {
	// Shadow selects shadow mode at start.
	Shadow bool

	// OnShadowReady fires exactly once, when the shadow decode has produced
	// its first held frame (the codec is primed). It may fire during Start
	// for synchronous decoders; subscribers must be registered before Start.
	OnShadowReady func(ctx context.Context)

	// OnFatalError fires when the decoder becomes non-functional.
	OnFatalError func(ctx context.Context, err error)

	// FallbackToStub replaces a decoder that fails to open with a synthetic
	// one for the same asset.
	FallbackToStub bool

	// FallbackAsset names the asset on the synthetic fallback frames.
	FallbackAsset string

	// FallbackFPS is the synthetic frame rate used on fallback.
	FallbackFPS float64
}

// Slot owns one decoder and its worker goroutine.
type Slot struct {
	cfg Config
	dec decoder.Decoder
	out *ring.Ring

	state       atomic.Int32
	stopChan    chan struct{}
	stopOnce    sync.Once
	doneChan    chan struct{}
	cancelWork  context.CancelFunc
	forced      atomic.Bool
	shadowReady atomic.Bool
	promoted    atomic.Bool
	eos         atomic.Bool

	// ptsOffsetUS is added to every published frame's PTS; set at promotion
	// for PTS contiguity across the switch.
	ptsOffsetUS atomic.Int64

	firstPTSUS       atomic.Int64
	firstPTSValid    atomic.Bool
	lastPublishedUS  atomic.Int64
	publishedAny     atomic.Bool
	framesPublished  atomic.Uint64
	framesHeld       atomic.Uint64
	sinkFullBackoffs atomic.Uint64

	shadowHold []*frame.Frame

	// publishLocker serializes every ring push with Quiesce, so that once
	// Quiesce returns no push by this slot can still be in flight.
	publishLocker xsync.Mutex
	publishBarred bool
}

// New creates a slot around dec that publishes to out when live. The slot
// takes exclusive ownership of dec.
func New(dec decoder.Decoder, out *ring.Ring, cfg Config) *Slot {
	return &Slot{
		cfg:      cfg,
		dec:      dec,
		out:      out,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (s *Slot) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *Slot) String() string {
	return fmt.Sprintf("Slot(%s, %s)", s.dec, State(s.state.Load()))
}

// State returns the current lifecycle state.
func (s *Slot) State() State {
	return State(s.state.Load())
}

// IsRunning reports whether the worker goroutine is still alive.
func (s *Slot) IsRunning() bool {
	select {
	case <-s.doneChan:
		return false
	default:
		return s.State() == StateRunning || s.State() == StateLoading
	}
}

// IsShadowReady reports whether shadow decode has primed the codec.
func (s *Slot) IsShadowReady() bool {
	return s.shadowReady.Load()
}

// WasForced reports whether the slot had to be force-stopped.
func (s *Slot) WasForced() bool {
	return s.forced.Load()
}

// EndOfStream reports whether the decoder exhausted its asset.
func (s *Slot) EndOfStream() bool {
	return s.eos.Load()
}

// FirstPTSUS returns the PTS of the first decoded frame (before rebase) and
// whether one was observed yet.
func (s *Slot) FirstPTSUS() (int64, bool) {
	return s.firstPTSUS.Load(), s.firstPTSValid.Load()
}

// LastPublishedPTSUS returns the PTS (after rebase) of the last frame pushed
// to the live ring, and whether any was.
func (s *Slot) LastPublishedPTSUS() (int64, bool) {
	return s.lastPublishedUS.Load(), s.publishedAny.Load()
}

// FramesPublished returns the number of frames pushed to the live ring.
func (s *Slot) FramesPublished() uint64 {
	return s.framesPublished.Load()
}

// DecoderStats exposes the wrapped decoder's counters.
func (s *Slot) DecoderStats() decoder.Stats {
	return s.dec.Stats()
}

// DecoderInfo exposes the wrapped decoder's stream description.
func (s *Slot) DecoderInfo() decoder.Info {
	return s.dec.Info()
}

// Start opens the decoder and spawns the worker. It is callable once.
func (s *Slot) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateEmpty), int32(StateLoading)) {
		return ErrAlreadyStarted
	}

	workCtx, cancel := context.WithCancel(ctx)
	s.cancelWork = cancel

	observability.Go(ctx, func(ctx context.Context) {
		defer close(s.doneChan)
		s.work(workCtx)
	})
	return nil
}

// PromoteToLive switches the publishing target from the shadow hold to the
// live ring, rebasing PTS by offsetUS. Callable exactly once; the decoder is
// not re-opened.
func (s *Slot) PromoteToLive(ctx context.Context, offsetUS int64) error {
	logger.Debugf(ctx, "PromoteToLive(offset=%dus)", offsetUS)
	if !s.cfg.Shadow {
		return fmt.Errorf("slot was not started in shadow mode")
	}
	if !s.promoted.CompareAndSwap(false, true) {
		return ErrAlreadyPromoted
	}
	s.ptsOffsetUS.Store(offsetUS)
	return nil
}

// Quiesce permanently bars the slot from publishing to the ring. It returns
// only after any in-flight push has completed, so the caller can hand the
// ring to another producer without the two overlapping.
func (s *Slot) Quiesce(ctx context.Context) {
	logger.Debugf(ctx, "Quiesce(): %s", s)
	s.publishLocker.Do(ctx, func() { s.publishBarred = true })
}

func (s *Slot) tryPublish(ctx context.Context, f *frame.Frame) bool {
	return xsync.DoR1(ctx, &s.publishLocker, func() bool {
		if s.publishBarred {
			return false
		}
		return s.out.TryPush(f)
	})
}

// RequestTeardown asks the worker to stop and waits up to timeout.
func (s *Slot) RequestTeardown(ctx context.Context, timeout time.Duration) error {
	logger.Debugf(ctx, "RequestTeardown(timeout=%s)", timeout)
	s.state.Store(int32(StateTearingDown))
	s.requestStop()

	select {
	case <-s.doneChan:
		s.state.Store(int32(StateStopped))
		return nil
	case <-time.After(timeout):
		return ErrTeardownTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceStop preempts the worker loop and joins it.
func (s *Slot) ForceStop(ctx context.Context) {
	logger.Warnf(ctx, "ForceStop()")
	s.forced.Store(true)
	s.requestStop()
	if s.cancelWork != nil {
		s.cancelWork()
	}
	<-s.doneChan
	s.state.Store(int32(StateStopped))
}

func (s *Slot) stopRequested(ctx context.Context) bool {
	select {
	case <-s.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Slot) work(ctx context.Context) {
	logger.Debugf(ctx, "decode worker started: %s (shadow=%t)", s.dec, s.cfg.Shadow)
	defer logger.Debugf(ctx, "/decode worker: %s", s.dec)
	defer func() {
		if err := s.dec.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close the decoder: %v", err)
		}
	}()

	if err := s.dec.Open(ctx); err != nil {
		if !s.cfg.FallbackToStub {
			logger.Errorf(ctx, "unable to open the decoder: %v", err)
			s.fail(ctx, err)
			return
		}
		logger.Warnf(ctx, "unable to open '%s', falling back to the synthetic decoder: %v", s.dec, err)
		fps := s.cfg.FallbackFPS
		if fps == 0 {
			fps = 30.0
		}
		s.dec = decoder.NewStub(decoder.StubConfig{
			AssetURI: s.cfg.FallbackAsset,
			FPS:      fps,
		})
		if err := s.dec.Open(ctx); err != nil {
			s.fail(ctx, err)
			return
		}
	}
	s.state.CompareAndSwap(int32(StateLoading), int32(StateRunning))

	for !s.stopRequested(ctx) {
		if s.cfg.Shadow && !s.promoted.Load() {
			s.shadowStep(ctx)
			continue
		}
		if s.cfg.Shadow && len(s.shadowHold) > 0 {
			s.drainShadowHold(ctx)
			continue
		}
		if !s.liveStep(ctx) {
			return
		}
	}
}

// shadowStep primes the codec: decode into the private hold until it has at
// least one frame, then idle until promotion or teardown.
func (s *Slot) shadowStep(ctx context.Context) {
	if len(s.shadowHold) >= shadowHoldMax || (s.shadowReady.Load() && s.eos.Load()) {
		s.sleep(ctx, shadowIdlePoll)
		return
	}

	outcome := s.dec.DecodeNext(ctx, frame.SinkFunc(func(f *frame.Frame) bool {
		s.noteFirstPTS(f.Metadata.PTS)
		s.shadowHold = append(s.shadowHold, f)
		s.framesHeld.Inc()
		return true
	}))
	switch outcome {
	case decoder.OutcomePushed:
		s.signalShadowReady(ctx)
	case decoder.OutcomeEndOfStream:
		s.eos.Store(true)
		// An exhausted asset with held frames is still switchable.
		if len(s.shadowHold) > 0 {
			s.signalShadowReady(ctx)
		}
		s.sleep(ctx, shadowIdlePoll)
	case decoder.OutcomeTransient:
		s.sleep(ctx, backoffOnError)
	case decoder.OutcomeFatal:
		s.fail(ctx, fmt.Errorf("decoder became non-functional"))
	}
}

func (s *Slot) drainShadowHold(ctx context.Context) {
	f := s.shadowHold[0]
	f.Metadata.PTS += s.ptsOffsetUS.Load()
	f.Metadata.DTS += s.ptsOffsetUS.Load()
	if !s.tryPublish(ctx, f) {
		f.Metadata.PTS -= s.ptsOffsetUS.Load()
		f.Metadata.DTS -= s.ptsOffsetUS.Load()
		s.sinkFullBackoffs.Inc()
		s.sleep(ctx, backoffOnFull)
		return
	}
	s.shadowHold = s.shadowHold[1:]
	s.notePublished(f.Metadata.PTS)
}

// liveStep decodes one frame into the live ring; reports false when the
// worker should exit.
func (s *Slot) liveStep(ctx context.Context) bool {
	outcome := s.dec.DecodeNext(ctx, frame.SinkFunc(func(f *frame.Frame) bool {
		s.noteFirstPTS(f.Metadata.PTS)
		offset := s.ptsOffsetUS.Load()
		f.Metadata.PTS += offset
		f.Metadata.DTS += offset
		if !s.tryPublish(ctx, f) {
			f.Metadata.PTS -= offset
			f.Metadata.DTS -= offset
			return false
		}
		s.notePublished(f.Metadata.PTS)
		return true
	}))

	switch outcome {
	case decoder.OutcomePushed:
	case decoder.OutcomeDropped:
		s.sinkFullBackoffs.Inc()
		s.sleep(ctx, backoffOnFull)
	case decoder.OutcomeEndOfStream:
		s.eos.Store(true)
		logger.Infof(ctx, "end of stream reached: %s", s.dec)
		return false
	case decoder.OutcomeTransient:
		s.sleep(ctx, backoffOnError)
	case decoder.OutcomeFatal:
		s.fail(ctx, fmt.Errorf("decoder became non-functional"))
		return false
	}
	return true
}

func (s *Slot) noteFirstPTS(ptsUS int64) {
	if s.firstPTSValid.CompareAndSwap(false, true) {
		s.firstPTSUS.Store(ptsUS)
	}
}

func (s *Slot) notePublished(ptsUS int64) {
	s.lastPublishedUS.Store(ptsUS)
	s.publishedAny.Store(true)
	s.framesPublished.Inc()
}

func (s *Slot) signalShadowReady(ctx context.Context) {
	if !s.shadowReady.CompareAndSwap(false, true) {
		return
	}
	logger.Debugf(ctx, "shadow decode is ready: %s", s.dec)
	if s.cfg.OnShadowReady != nil {
		s.cfg.OnShadowReady(ctx)
	}
}

func (s *Slot) fail(ctx context.Context, err error) {
	s.state.Store(int32(StateFailed))
	if s.cfg.OnFatalError != nil {
		s.cfg.OnFatalError(ctx, err)
	}
}

func (s *Slot) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-s.stopChan:
	case <-ctx.Done():
	case <-time.After(d):
	}
}
