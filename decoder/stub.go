package decoder

import (
	"context"
	"fmt"

	"github.com/slbailey/retrovue-air/frame"
	"github.com/slbailey/retrovue-air/logger"
)

// StubConfig configures the synthetic decoder.
type StubConfig struct {
	AssetURI string
	Width    int
	Height   int
	FPS      float64

	// NumFrames bounds the stream; 0 means unbounded.
	NumFrames int

	// StartPTSUS offsets the first frame's PTS (microseconds).
	StartPTSUS int64
}

// Stub produces synthetic gradient YUV420P frames at the target fps with
// counted PTS. It backs tests and `stub:` plan handles, and is the fallback
// when the real decoder cannot open an asset.
type Stub struct {
	Config  StubConfig
	pending *frame.Frame
	counter int
	stats   Stats
	opened  bool
	fatal   bool
}

var _ Decoder = (*Stub)(nil)

func NewStub(cfg StubConfig) *Stub {
	if cfg.Width == 0 {
		cfg.Width = 1920
	}
	if cfg.Height == 0 {
		cfg.Height = 1080
	}
	if cfg.FPS == 0 {
		cfg.FPS = 30.0
	}
	return &Stub{Config: cfg}
}

func (d *Stub) String() string {
	return fmt.Sprintf("StubDecoder(%s)", d.Config.AssetURI)
}

func (d *Stub) Open(ctx context.Context) error {
	if d.opened {
		return fmt.Errorf("decoder is already open")
	}
	d.opened = true
	logger.Debugf(ctx, "opened stub decoder: %dx%d @ %.2ffps, %d frames",
		d.Config.Width, d.Config.Height, d.Config.FPS, d.Config.NumFrames)
	return nil
}

func (d *Stub) framePeriodUS() int64 {
	return int64(1e6 / d.Config.FPS)
}

func (d *Stub) DecodeNext(ctx context.Context, sink frame.Sink) Outcome {
	if d.fatal {
		return OutcomeFatal
	}
	if !d.opened {
		d.fatal = true
		return OutcomeFatal
	}
	if d.pending == nil {
		if d.Config.NumFrames > 0 && d.counter >= d.Config.NumFrames {
			return OutcomeEndOfStream
		}
		d.pending = d.synthesize()
	}
	if !sink.TryPush(d.pending) {
		d.stats.FramesDropped++
		return OutcomeDropped
	}
	d.pending = nil
	d.counter++
	d.stats.FramesDecoded++
	return OutcomePushed
}

func (d *Stub) synthesize() *frame.Frame {
	w, h := d.Config.Width, d.Config.Height
	ySize := w * h
	data := make([]byte, frame.PlanarSize420(w, h))

	// Luma gradient driven by the frame counter; chroma flat gray.
	yValue := byte((d.counter * 10) % 256)
	for i := 0; i < ySize; i++ {
		data[i] = yValue
	}
	for i := ySize; i < len(data); i++ {
		data[i] = 128
	}

	return &frame.Frame{
		Metadata: frame.Metadata{
			PTS:      d.Config.StartPTSUS + int64(d.counter)*d.framePeriodUS(),
			DTS:      d.Config.StartPTSUS + int64(d.counter)*d.framePeriodUS(),
			Duration: 1.0 / d.Config.FPS,
			AssetURI: d.Config.AssetURI,
		},
		Width:  w,
		Height: h,
		Data:   data,
	}
}

func (d *Stub) Stats() Stats {
	return d.stats
}

func (d *Stub) Info() Info {
	duration := 0.0
	if d.Config.NumFrames > 0 {
		duration = float64(d.Config.NumFrames) / d.Config.FPS
	}
	return Info{
		Width:           d.Config.Width,
		Height:          d.Config.Height,
		FPS:             d.Config.FPS,
		DurationSeconds: duration,
	}
}

func (d *Stub) Close(ctx context.Context) error {
	d.opened = false
	d.pending = nil
	return nil
}
