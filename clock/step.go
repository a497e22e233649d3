package clock

import (
	"context"
	"sync"
)

// Step is a deterministically steppable MasterClock for tests. Time advances
// only via AdvanceUS/SetNowUS; WaitUntilUS blocks on a condition variable
// until the clock is stepped past the target or the context is cancelled.
type Step struct {
	mu      sync.Mutex
	cond    *sync.Cond
	nowUS   int64
	epochUS int64
	ratePPM int64
}

var _ MasterClock = (*Step)(nil)

func NewStep(startUS int64) *Step {
	c := &Step{
		nowUS:   startUS,
		epochUS: startUS,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Step) NowUS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowUS
}

// AdvanceUS steps station time forward and wakes all waiters.
func (c *Step) AdvanceUS(deltaUS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deltaUS < 0 {
		panic("clock: negative step")
	}
	c.nowUS += deltaUS
	c.cond.Broadcast()
}

// SetNowUS jumps station time to nowUS; going backwards is an invariant
// violation.
func (c *Step) SetNowUS(nowUS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nowUS < c.nowUS {
		panic("clock: station time must not go backwards")
	}
	c.nowUS = nowUS
	c.cond.Broadcast()
}

func (c *Step) PTSToStationUS(ptsUS int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return applyRate(c.epochUS, ptsUS, c.ratePPM)
}

func (c *Step) StationToPTSUS(stationUS int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return unapplyRate(c.epochUS, stationUS, c.ratePPM)
}

func (c *Step) WaitUntilUS(ctx context.Context, targetUS int64) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-done:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.nowUS < targetUS {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

func (c *Step) RatePPM() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ratePPM
}

func (c *Step) SetRatePPM(ppm int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ratePPM = clampPPM(ppm)
}
