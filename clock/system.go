package clock

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

const (
	// waitSliceMax caps a single sleep inside WaitUntilUS so cancellation is
	// observed within a few milliseconds.
	waitSliceMax = 2 * time.Millisecond
)

// System is the production MasterClock: station time is the wall clock epoch
// captured at construction plus the monotonic time elapsed since. It never
// steps backwards even if the wall clock does.
type System struct {
	epochUS int64
	started time.Time
	ratePPM atomic.Int64
	lastUS  atomic.Int64
}

var _ MasterClock = (*System)(nil)

// NewSystem creates a system-backed clock. epochUS of 0 means "wall clock at
// construction".
func NewSystem(epochUS int64) *System {
	c := &System{
		started: time.Now(),
	}
	if epochUS != 0 {
		c.epochUS = epochUS
	} else {
		c.epochUS = time.Now().UnixMicro()
	}
	return c
}

func (c *System) NowUS() int64 {
	now := c.epochUS + time.Since(c.started).Microseconds()
	for {
		last := c.lastUS.Load()
		if now <= last {
			return last
		}
		if c.lastUS.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (c *System) PTSToStationUS(ptsUS int64) int64 {
	return applyRate(c.epochUS, ptsUS, c.ratePPM.Load())
}

func (c *System) StationToPTSUS(stationUS int64) int64 {
	return unapplyRate(c.epochUS, stationUS, c.ratePPM.Load())
}

func (c *System) WaitUntilUS(ctx context.Context, targetUS int64) error {
	for {
		remaining := time.Duration(targetUS-c.NowUS()) * time.Microsecond
		if remaining <= 0 {
			return nil
		}
		if remaining > waitSliceMax {
			remaining = waitSliceMax
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

func (c *System) RatePPM() int64 {
	return c.ratePPM.Load()
}

func (c *System) SetRatePPM(ppm int64) {
	c.ratePPM.Store(clampPPM(ppm))
}
