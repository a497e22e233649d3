package decoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/xsync"

	"github.com/slbailey/retrovue-air/frame"
	"github.com/slbailey/retrovue-air/logger"
)

const (
	// decodeTimeEMAAlpha weighs the newest sample in the decode-time moving
	// average.
	decodeTimeEMAAlpha = 0.1
)

// FFmpeg decodes a file or URL via libav (go-astiav), scaling every picture
// to the target resolution in YUV420P.
type FFmpeg struct {
	Config Config
	Locker xsync.Mutex

	formatContext    *astiav.FormatContext
	codecContext     *astiav.CodecContext
	stream           *astiav.Stream
	scaler           *astiav.SoftwareScaleContext
	decodePacket     *astiav.Packet
	decodeFrame      *astiav.Frame
	scaledFrame      *astiav.Frame
	pending          *frame.Frame
	info             Info
	stats            Stats
	timeBase         astiav.Rational
	eofSeen          bool
	draining         bool
	fatal            bool
	opened           bool
	lastFrameStation time.Time
}

var _ Decoder = (*FFmpeg)(nil)

// NewFFmpeg creates an unopened decoder.
func NewFFmpeg(cfg Config) *FFmpeg {
	return &FFmpeg{Config: cfg}
}

func (d *FFmpeg) String() string {
	return fmt.Sprintf("FFmpegDecoder(%s)", d.Config.InputURI)
}

func (d *FFmpeg) Open(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Open(): '%s'", d.Config.InputURI)
	defer func() { logger.Debugf(ctx, "/Open(): %v", _err) }()
	return xsync.DoA1R1(ctx, &d.Locker, d.open, ctx)
}

func (d *FFmpeg) open(ctx context.Context) error {
	if d.opened {
		return fmt.Errorf("decoder is already open")
	}

	d.formatContext = astiav.AllocFormatContext()
	if d.formatContext == nil {
		return fmt.Errorf("unable to allocate a format context")
	}
	if err := d.formatContext.OpenInput(d.Config.InputURI, nil, nil); err != nil {
		d.closeLocked(ctx)
		return fmt.Errorf("unable to open input '%s': %w", d.Config.InputURI, err)
	}
	if err := d.formatContext.FindStreamInfo(nil); err != nil {
		d.closeLocked(ctx)
		return fmt.Errorf("unable to find stream info: %w", err)
	}

	for _, stream := range d.formatContext.Streams() {
		if stream.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			d.stream = stream
			break
		}
	}
	if d.stream == nil {
		d.closeLocked(ctx)
		return fmt.Errorf("no video stream in '%s'", d.Config.InputURI)
	}

	codec := astiav.FindDecoder(d.stream.CodecParameters().CodecID())
	if codec == nil {
		d.closeLocked(ctx)
		return fmt.Errorf("no decoder for codec %s", d.stream.CodecParameters().CodecID())
	}
	d.codecContext = astiav.AllocCodecContext(codec)
	if d.codecContext == nil {
		d.closeLocked(ctx)
		return fmt.Errorf("unable to allocate a codec context")
	}
	if err := d.stream.CodecParameters().ToCodecContext(d.codecContext); err != nil {
		d.closeLocked(ctx)
		return fmt.Errorf("unable to copy codec parameters: %w", err)
	}
	if d.Config.MaxDecodeThreads > 0 {
		d.codecContext.SetThreadCount(d.Config.MaxDecodeThreads)
	}
	if err := d.codecContext.Open(codec, nil); err != nil {
		d.closeLocked(ctx)
		return fmt.Errorf("unable to open the codec context: %w", err)
	}

	d.timeBase = d.stream.TimeBase()
	if d.timeBase.Num() == 0 {
		d.closeLocked(ctx)
		return fmt.Errorf("the selected stream has no timebase")
	}

	fps := 0.0
	if r := d.stream.AvgFrameRate(); r.Den() != 0 {
		fps = float64(r.Num()) / float64(r.Den())
	}
	d.info = Info{
		Width:           d.targetWidth(),
		Height:          d.targetHeight(),
		FPS:             fps,
		DurationSeconds: float64(d.formatContext.Duration()) / float64(astiav.TimeBase),
	}

	d.decodePacket = astiav.AllocPacket()
	d.decodeFrame = astiav.AllocFrame()
	d.opened = true

	logger.Infof(ctx, "opened '%s': %dx%d @ %.2ffps, %.1fs",
		d.Config.InputURI,
		d.codecContext.Width(), d.codecContext.Height(),
		d.info.FPS, d.info.DurationSeconds,
	)
	return nil
}

func (d *FFmpeg) targetWidth() int {
	if d.Config.TargetWidth > 0 {
		return d.Config.TargetWidth
	}
	return d.codecContext.Width()
}

func (d *FFmpeg) targetHeight() int {
	if d.Config.TargetHeight > 0 {
		return d.Config.TargetHeight
	}
	return d.codecContext.Height()
}

// ensureScaler is lazy: the decoded frame's geometry is only known after the
// first picture.
func (d *FFmpeg) ensureScaler(ctx context.Context) error {
	if d.scaler != nil {
		return nil
	}
	scaler, err := astiav.CreateSoftwareScaleContext(
		d.decodeFrame.Width(),
		d.decodeFrame.Height(),
		d.decodeFrame.PixelFormat(),
		d.targetWidth(),
		d.targetHeight(),
		astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return fmt.Errorf("unable to create a software scale context: %w", err)
	}
	d.scaler = scaler

	d.scaledFrame = astiav.AllocFrame()
	d.scaledFrame.SetWidth(d.targetWidth())
	d.scaledFrame.SetHeight(d.targetHeight())
	d.scaledFrame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := d.scaledFrame.AllocBuffer(1); err != nil {
		return fmt.Errorf("unable to allocate the scaled frame buffer: %w", err)
	}
	logger.Debugf(ctx, "scaler: %dx%d:%s -> %dx%d:yuv420p",
		d.decodeFrame.Width(), d.decodeFrame.Height(), d.decodeFrame.PixelFormat(),
		d.targetWidth(), d.targetHeight(),
	)
	return nil
}

func (d *FFmpeg) DecodeNext(ctx context.Context, sink frame.Sink) Outcome {
	return xsync.DoA2R1(ctx, &d.Locker, d.decodeNext, ctx, sink)
}

func (d *FFmpeg) decodeNext(ctx context.Context, sink frame.Sink) Outcome {
	if d.fatal {
		return OutcomeFatal
	}
	if !d.opened {
		d.fatal = true
		return OutcomeFatal
	}
	if d.pending != nil {
		if !sink.TryPush(d.pending) {
			return OutcomeDropped
		}
		d.pending = nil
		d.stats.FramesDecoded++
		return OutcomePushed
	}
	if d.eofSeen {
		return OutcomeEndOfStream
	}

	started := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return OutcomeTransient
		}

		got, err := d.receiveOne(ctx)
		if err != nil {
			d.stats.DecodeErrors++
			logger.Warnf(ctx, "decode error: %v", err)
			return OutcomeTransient
		}
		if got {
			break
		}
		if d.eofSeen {
			logger.Debugf(ctx, "end of stream: '%s'", d.Config.InputURI)
			return OutcomeEndOfStream
		}
	}

	if err := d.ensureScaler(ctx); err != nil {
		d.stats.DecodeErrors++
		d.fatal = true
		logger.Errorf(ctx, "scaler setup failed: %v", err)
		return OutcomeFatal
	}
	out, err := d.convertFrame(ctx)
	if err != nil {
		d.stats.DecodeErrors++
		logger.Warnf(ctx, "frame conversion failed: %v", err)
		return OutcomeTransient
	}

	d.updateStats(time.Since(started))

	if !sink.TryPush(out) {
		d.pending = out
		d.stats.FramesDropped++
		return OutcomeDropped
	}
	d.stats.FramesDecoded++
	return OutcomePushed
}

// receiveOne pulls exactly one decoded picture into d.decodeFrame. It reports
// (false, nil) when more input is needed or EOF was reached (d.eofSeen set).
func (d *FFmpeg) receiveOne(ctx context.Context) (bool, error) {
	err := d.codecContext.ReceiveFrame(d.decodeFrame)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, astiav.ErrEof) {
		d.eofSeen = true
		return false, nil
	}
	if !errors.Is(err, astiav.ErrEagain) {
		return false, fmt.Errorf("unable to receive a frame: %w", err)
	}

	// The codec wants more input.
	if d.draining {
		// Already fed the flush packet; EAGAIN here should not happen, treat
		// it as EOF.
		d.eofSeen = true
		return false, nil
	}
	for {
		d.decodePacket.Unref()
		if err := d.formatContext.ReadFrame(d.decodePacket); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				d.draining = true
				if err := d.codecContext.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
					return false, fmt.Errorf("unable to flush the decoder: %w", err)
				}
				return false, nil
			}
			return false, fmt.Errorf("unable to read a packet: %w", err)
		}
		if d.decodePacket.StreamIndex() != d.stream.Index() {
			continue
		}
		if err := d.codecContext.SendPacket(d.decodePacket); err != nil {
			if errors.Is(err, astiav.ErrEagain) {
				// Receive must drain first; surface as transient.
				return false, fmt.Errorf("decoder refused a packet (EAGAIN)")
			}
			return false, fmt.Errorf("unable to send a packet: %w", err)
		}
		return false, nil
	}
}

func (d *FFmpeg) convertFrame(ctx context.Context) (*frame.Frame, error) {
	if err := d.scaler.ScaleFrame(d.decodeFrame, d.scaledFrame); err != nil {
		return nil, fmt.Errorf("unable to scale the frame: %w", err)
	}
	d.scaledFrame.SetPts(d.decodeFrame.Pts())

	data, err := d.scaledFrame.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("unable to extract frame bytes: %w", err)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	tb := float64(d.timeBase.Num()) / float64(d.timeBase.Den())
	pts := d.decodeFrame.Pts()
	if pts == astiav.NoPtsValue {
		pts = d.decodeFrame.PktDts()
	}
	ptsUS := int64(float64(pts) * tb * 1e6)
	durationSec := float64(d.decodeFrame.Duration()) * tb
	if durationSec <= 0 && d.info.FPS > 0 {
		durationSec = 1.0 / d.info.FPS
	}

	return &frame.Frame{
		Metadata: frame.Metadata{
			PTS:      ptsUS,
			DTS:      ptsUS,
			Duration: durationSec,
			AssetURI: d.Config.InputURI,
		},
		Width:  d.targetWidth(),
		Height: d.targetHeight(),
		Data:   buf,
	}, nil
}

func (d *FFmpeg) updateStats(took time.Duration) {
	ms := float64(took.Microseconds()) / 1e3
	if d.stats.AvgDecodeTimeMS == 0 {
		d.stats.AvgDecodeTimeMS = ms
	} else {
		d.stats.AvgDecodeTimeMS = d.stats.AvgDecodeTimeMS*(1-decodeTimeEMAAlpha) + ms*decodeTimeEMAAlpha
	}
	now := time.Now()
	if !d.lastFrameStation.IsZero() {
		if gap := now.Sub(d.lastFrameStation).Seconds(); gap > 0 {
			d.stats.CurrentFPS = 1.0 / gap
		}
	}
	d.lastFrameStation = now
}

func (d *FFmpeg) Stats() Stats {
	ctx := context.TODO()
	return xsync.DoR1(ctx, &d.Locker, func() Stats {
		return d.stats
	})
}

func (d *FFmpeg) Info() Info {
	ctx := context.TODO()
	return xsync.DoR1(ctx, &d.Locker, func() Info {
		return d.info
	})
}

func (d *FFmpeg) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close()")
	defer func() { logger.Debugf(ctx, "/Close(): %v", _err) }()
	return xsync.DoA1R1(ctx, &d.Locker, d.closeLockedErr, ctx)
}

func (d *FFmpeg) closeLockedErr(ctx context.Context) error {
	d.closeLocked(ctx)
	return nil
}

func (d *FFmpeg) closeLocked(ctx context.Context) {
	if d.scaledFrame != nil {
		d.scaledFrame.Free()
		d.scaledFrame = nil
	}
	if d.scaler != nil {
		d.scaler.Free()
		d.scaler = nil
	}
	if d.decodeFrame != nil {
		d.decodeFrame.Free()
		d.decodeFrame = nil
	}
	if d.decodePacket != nil {
		d.decodePacket.Free()
		d.decodePacket = nil
	}
	if d.codecContext != nil {
		d.codecContext.Free()
		d.codecContext = nil
	}
	if d.formatContext != nil {
		d.formatContext.CloseInput()
		d.formatContext.Free()
		d.formatContext = nil
	}
	d.stream = nil
	d.opened = false
	d.pending = nil
}
