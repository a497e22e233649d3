// Package tsmux encodes raw frames and multiplexes them into an MPEG-TS byte
// stream, emitted through a caller-provided byte sink.
package tsmux

import (
	"context"
	"fmt"

	"github.com/slbailey/retrovue-air/frame"
)

// PTS90kHz converts a microsecond PTS to the 90 kHz transport clock.
func PTS90kHz(ptsUS int64) int64 {
	return ptsUS * 90000 / 1_000_000
}

// Sink receives multiplexed bytes. It must either consume the whole buffer or
// fail; buffers are arbitrary-length and carry no packet alignment guarantee.
type Sink func(b []byte) error

// Encoder turns raw frames with a 90 kHz PTS into transport-stream bytes.
// Implementations are driven from a single goroutine (the pacing worker).
type Encoder interface {
	fmt.Stringer

	// Open initializes the codec and writes the container header.
	Open(ctx context.Context) error

	// EncodeFrame submits one frame and forwards any completed packets to
	// the sink.
	EncodeFrame(ctx context.Context, f *frame.Frame, pts90k int64) error

	// Flush drains the codec's delay queue and finalizes the container.
	// Bounded; safe to call once at shutdown.
	Flush(ctx context.Context) error

	// Close releases all resources.
	Close(ctx context.Context) error
}
