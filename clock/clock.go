// Package clock implements station time: the monotonic microsecond timeline
// every playout deadline is computed against.
package clock

import (
	"context"
)

// RatePPMLimit bounds the rate offset; values outside are clamped.
const RatePPMLimit = 1000

// MasterClock is the station-time source. Implementations must be safe for
// concurrent use; NowUS is non-decreasing across calls.
type MasterClock interface {
	// NowUS returns the current station time in microseconds.
	NowUS() int64

	// PTSToStationUS maps a presentation timestamp (microseconds) onto the
	// station timeline, applying the current rate offset. For a fixed rate
	// the mapping is deterministic and strictly increasing in PTS.
	PTSToStationUS(ptsUS int64) int64

	// StationToPTSUS is the inverse of PTSToStationUS (within 1µs rounding).
	StationToPTSUS(stationUS int64) int64

	// WaitUntilUS blocks until station time reaches targetUS or ctx is done.
	// The wait polls cooperatively with millisecond granularity.
	WaitUntilUS(ctx context.Context, targetUS int64) error

	// RatePPM returns the current rate offset in parts-per-million.
	RatePPM() int64

	// SetRatePPM updates the rate offset. The value is clamped to
	// [-RatePPMLimit, RatePPMLimit] and applied atomically; only future
	// mappings are affected.
	SetRatePPM(ppm int64)
}

func clampPPM(ppm int64) int64 {
	if ppm > RatePPMLimit {
		return RatePPMLimit
	}
	if ppm < -RatePPMLimit {
		return -RatePPMLimit
	}
	return ppm
}

func applyRate(epochUS, ptsUS, ppm int64) int64 {
	return epochUS + ptsUS + ptsUS*ppm/1_000_000
}

func unapplyRate(epochUS, stationUS, ppm int64) int64 {
	// ptsUS * (1e6 + ppm) == (stationUS - epochUS) * 1e6
	return (stationUS - epochUS) * 1_000_000 / (1_000_000 + ppm)
}
