// Package decoder abstracts media decoding behind a small contract: open an
// asset, produce canonical YUV420P frames at the target resolution, report
// per-frame statistics.
package decoder

import (
	"context"
	"fmt"

	"github.com/slbailey/retrovue-air/frame"
)

// Outcome classifies one DecodeNext call.
type Outcome int

const (
	OutcomeUndefined Outcome = iota

	// OutcomePushed: a frame was decoded and accepted by the sink.
	OutcomePushed

	// OutcomeDropped: a frame was decoded but the sink is full. The frame is
	// retained and re-offered on the next call.
	OutcomeDropped

	// OutcomeEndOfStream: the asset is exhausted. Subsequent calls return
	// OutcomeEndOfStream without doing work.
	OutcomeEndOfStream

	// OutcomeTransient: a recoverable decode error; counted, loop continues.
	OutcomeTransient

	// OutcomeFatal: the decoder is non-functional until closed.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomePushed:
		return "pushed"
	case OutcomeDropped:
		return "dropped"
	case OutcomeEndOfStream:
		return "end_of_stream"
	case OutcomeTransient:
		return "transient_error"
	case OutcomeFatal:
		return "fatal_error"
	}
	return fmt.Sprintf("unknown_outcome_%d", int(o))
}

// Stats is a snapshot of decoding counters.
type Stats struct {
	FramesDecoded   uint64
	FramesDropped   uint64
	DecodeErrors    uint64
	AvgDecodeTimeMS float64
	CurrentFPS      float64
}

// Info describes the opened stream.
type Info struct {
	Width           int
	Height          int
	FPS             float64
	DurationSeconds float64
}

// Config holds decoding parameters; immutable after construction.
type Config struct {
	InputURI         string
	TargetWidth      int
	TargetHeight     int
	MaxDecodeThreads int
}

// Decoder is the boundary between a producer slot and the codec library.
// Implementations are not safe for concurrent use; a slot drives its decoder
// from a single worker goroutine.
type Decoder interface {
	fmt.Stringer

	// Open binds the media source and negotiates stream selection (the first
	// video stream). Info is valid after a successful Open.
	Open(ctx context.Context) error

	// DecodeNext decodes the next frame and offers it to sink.
	DecodeNext(ctx context.Context, sink frame.Sink) Outcome

	// Close releases all resources. The decoder is unusable afterwards.
	Close(ctx context.Context) error

	Stats() Stats
	Info() Info
}
