// Package orchestrate runs the per-channel supervision loop: a periodic tick
// that samples ring occupancy, raises edge-triggered backpressure events and
// publishes telemetry snapshots.
package orchestrate

import (
	"context"
	"sync"
	"time"

	"github.com/xaionaro-go/observability"

	"github.com/slbailey/retrovue-air/clock"
	"github.com/slbailey/retrovue-air/logger"
)

// Config wires the ticker to its channel.
type Config struct {
	// TickPeriod defaults to the frame period of a 30fps channel.
	TickPeriod time.Duration

	Clock clock.MasterClock

	// BufferDepth samples the live ring.
	BufferDepth func() (depth, capacity int)

	// OnUnderrun fires once when the ring becomes empty.
	OnUnderrun func(ctx context.Context, nowUS int64)

	// OnOverrun fires once when the ring becomes (effectively) full.
	OnOverrun func(ctx context.Context, nowUS int64)

	// OnBackpressureCleared fires once when a previously raised condition
	// goes away.
	OnBackpressureCleared func(ctx context.Context, nowUS int64)

	// OnTick publishes the telemetry snapshot for this tick.
	OnTick func(ctx context.Context, depth, capacity int, nowUS int64)
}

// Ticker is the orchestration loop for one channel.
type Ticker struct {
	cfg      Config
	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}

	underrunActive bool
	overrunActive  bool
}

// New creates a ticker; Start must be called to run it.
func New(cfg Config) *Ticker {
	if cfg.TickPeriod == 0 {
		cfg.TickPeriod = time.Second / 30
	}
	return &Ticker{
		cfg:      cfg,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start spawns the tick loop.
func (t *Ticker) Start(ctx context.Context) {
	observability.Go(ctx, func(ctx context.Context) {
		defer close(t.doneChan)
		t.loop(ctx)
	})
}

// Stop halts the loop and joins it.
func (t *Ticker) Stop(ctx context.Context) {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	select {
	case <-t.doneChan:
	case <-ctx.Done():
	}
}

func (t *Ticker) loop(ctx context.Context) {
	logger.Debugf(ctx, "orchestration loop started (period: %s)", t.cfg.TickPeriod)
	defer logger.Debugf(ctx, "/orchestration loop")

	ticker := time.NewTicker(t.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-ticker.C:
		}
		t.tick(ctx)
	}
}

func (t *Ticker) tick(ctx context.Context) {
	depth, capacity := t.cfg.BufferDepth()
	nowUS := t.cfg.Clock.NowUS()

	underrun := depth == 0
	overrun := depth+1 >= capacity

	if underrun && !t.underrunActive {
		logger.Debugf(ctx, "underrun raised (depth: %d/%d)", depth, capacity)
		if t.cfg.OnUnderrun != nil {
			t.cfg.OnUnderrun(ctx, nowUS)
		}
	}
	if overrun && !t.overrunActive {
		logger.Debugf(ctx, "overrun raised (depth: %d/%d)", depth, capacity)
		if t.cfg.OnOverrun != nil {
			t.cfg.OnOverrun(ctx, nowUS)
		}
	}
	wasAsserted := t.underrunActive || t.overrunActive
	t.underrunActive = underrun
	t.overrunActive = overrun
	if wasAsserted && !underrun && !overrun {
		logger.Debugf(ctx, "backpressure cleared (depth: %d/%d)", depth, capacity)
		if t.cfg.OnBackpressureCleared != nil {
			t.cfg.OnBackpressureCleared(ctx, nowUS)
		}
	}

	if t.cfg.OnTick != nil {
		t.cfg.OnTick(ctx, depth, capacity, nowUS)
	}
}
