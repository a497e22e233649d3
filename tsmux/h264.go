package tsmux

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
	// muxIOBufferSize is libav's internal staging buffer before the sink
	// callback fires.
	muxIOBufferSize = 32 * 1024

	// maxDrainIterations bounds the flush loop at shutdown.
	maxDrainIterations = 100

	// drainIterationSleep yields between flush iterations.
	drainIterationSleep = 10 * time.Millisecond
)

// H264Config describes the encoded output.
type H264Config struct {
	Width   int
	Height  int
	FPS     float64
	BitRate int64

	// GOPSize defaults to one keyframe per second.
	GOPSize int
}

// H264 encodes YUV420P frames with libx264 and muxes them into MPEG-TS,
// pushing mux output to the sink.
type H264 struct {
	Config H264Config
	Locker xsync.Mutex

	sink Sink

	codecContext  *astiav.CodecContext
	formatContext *astiav.FormatContext
	ioContext     *astiav.IOContext
	stream        *astiav.Stream
	rawFrame      *astiav.Frame
	encodePacket  *astiav.Packet
	headerWritten bool
	opened        bool

	framesEncoded  uint64
	packetsWritten uint64
	sinkErr        error
}

var _ Encoder = (*H264)(nil)

// NewH264 creates an unopened encoder that emits mux output through sink.
func NewH264(cfg H264Config, sink Sink) *H264 {
	return &H264{Config: cfg, sink: sink}
}

func (e *H264) String() string {
	return fmt.Sprintf("H264TSEncoder(%dx%d@%.2f)", e.Config.Width, e.Config.Height, e.Config.FPS)
}

func (e *H264) Open(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Open(): %s", e)
	defer func() { logger.Debugf(ctx, "/Open(): %v", _err) }()
	return xsync.DoA1R1(ctx, &e.Locker, e.open, ctx)
}

func (e *H264) open(ctx context.Context) error {
	if e.opened {
		return fmt.Errorf("encoder is already open")
	}

	codec := astiav.FindEncoder(astiav.CodecIDH264)
	if codec == nil {
		return fmt.Errorf("no H.264 encoder is available")
	}
	e.codecContext = astiav.AllocCodecContext(codec)
	if e.codecContext == nil {
		return fmt.Errorf("unable to allocate a codec context")
	}

	fpsNum, fpsDen := rationalFPS(e.Config.FPS)
	e.codecContext.SetWidth(e.Config.Width)
	e.codecContext.SetHeight(e.Config.Height)
	e.codecContext.SetPixelFormat(astiav.PixelFormatYuv420P)
	// The transport clock: 90 kHz, so EncodeFrame's pts90k maps 1:1.
	e.codecContext.SetTimeBase(astiav.NewRational(1, 90000))
	e.codecContext.SetFramerate(astiav.NewRational(fpsNum, fpsDen))
	if e.Config.BitRate > 0 {
		e.codecContext.SetBitRate(e.Config.BitRate)
	}
	gop := e.Config.GOPSize
	if gop == 0 && e.Config.FPS > 0 {
		gop = int(e.Config.FPS)
	}
	if gop > 0 {
		e.codecContext.SetGopSize(gop)
	}

	if err := e.codecContext.Open(codec, nil); err != nil {
		e.closeLocked(ctx)
		return fmt.Errorf("unable to open the codec context: %w", err)
	}

	formatContext, err := astiav.AllocOutputFormatContext(nil, "mpegts", "")
	if err != nil {
		e.closeLocked(ctx)
		return fmt.Errorf("unable to allocate the output format context: %w", err)
	}
	e.formatContext = formatContext

	ioContext, err := astiav.AllocIOContext(
		muxIOBufferSize,
		true,
		nil,
		nil,
		func(b []byte) (int, error) {
			if err := e.sink(b); err != nil {
				e.sinkErr = err
				return 0, err
			}
			return len(b), nil
		},
	)
	if err != nil {
		e.closeLocked(ctx)
		return fmt.Errorf("unable to allocate the IO context: %w", err)
	}
	e.ioContext = ioContext
	e.formatContext.SetPb(ioContext)

	e.stream = e.formatContext.NewStream(nil)
	if e.stream == nil {
		e.closeLocked(ctx)
		return fmt.Errorf("unable to create the output stream")
	}
	if err := e.stream.CodecParameters().FromCodecContext(e.codecContext); err != nil {
		e.closeLocked(ctx)
		return fmt.Errorf("unable to copy codec parameters: %w", err)
	}
	e.stream.SetTimeBase(e.codecContext.TimeBase())

	if err := e.formatContext.WriteHeader(nil); err != nil {
		e.closeLocked(ctx)
		return fmt.Errorf("unable to write the container header: %w", err)
	}
	e.headerWritten = true

	e.rawFrame = astiav.AllocFrame()
	e.rawFrame.SetWidth(e.Config.Width)
	e.rawFrame.SetHeight(e.Config.Height)
	e.rawFrame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := e.rawFrame.AllocBuffer(1); err != nil {
		e.closeLocked(ctx)
		return fmt.Errorf("unable to allocate the frame buffer: %w", err)
	}
	e.encodePacket = astiav.AllocPacket()
	e.opened = true

	logger.Infof(ctx, "encoder opened: %s", e)
	return nil
}

func rationalFPS(fps float64) (num, den int) {
	if fps == 0 {
		return 30, 1
	}
	// 29.97-family rates need the /1001 form to keep the cadence exact.
	if n := fps * 1001; n == float64(int(n+0.5)) && int(n+0.5)%1000 == 0 {
		return int(n + 0.5), 1001
	}
	return int(fps*1000 + 0.5), 1000
}

func (e *H264) EncodeFrame(ctx context.Context, f *frame.Frame, pts90k int64) (_err error) {
	defer func() {
		if _err != nil {
			logger.Debugf(ctx, "/EncodeFrame(pts90k=%d): %v", pts90k, _err)
		}
	}()
	return xsync.DoA3R1(ctx, &e.Locker, e.encodeFrame, ctx, f, pts90k)
}

func (e *H264) encodeFrame(ctx context.Context, f *frame.Frame, pts90k int64) error {
	if !e.opened {
		return fmt.Errorf("encoder is not open")
	}
	if f.Width != e.Config.Width || f.Height != e.Config.Height {
		return fmt.Errorf("frame geometry %dx%d does not match the encoder's %dx%d",
			f.Width, f.Height, e.Config.Width, e.Config.Height)
	}

	if err := e.rawFrame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the frame writable: %w", err)
	}
	if err := e.rawFrame.Data().SetBytes(f.Data, 1); err != nil {
		return fmt.Errorf("unable to fill the frame: %w", err)
	}
	e.rawFrame.SetPts(pts90k)

	if err := e.codecContext.SendFrame(e.rawFrame); err != nil {
		return fmt.Errorf("unable to send a frame to the codec: %w", err)
	}
	e.framesEncoded++
	return e.receivePackets(ctx)
}

func (e *H264) receivePackets(ctx context.Context) error {
	for {
		e.encodePacket.Unref()
		err := e.codecContext.ReceivePacket(e.encodePacket)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("unable to receive a packet: %w", err)
		}

		e.encodePacket.RescaleTs(e.codecContext.TimeBase(), e.stream.TimeBase())
		e.encodePacket.SetStreamIndex(e.stream.Index())
		if err := e.formatContext.WriteInterleavedFrame(e.encodePacket); err != nil {
			if e.sinkErr != nil {
				return fmt.Errorf("unable to deliver mux output: %w", e.sinkErr)
			}
			return fmt.Errorf("unable to mux a packet: %w", err)
		}
		e.packetsWritten++
	}
}

// Flush drains the codec's delay queue, writes the container trailer and
// leaves the encoder unusable for further frames.
func (e *H264) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush()")
	defer func() { logger.Debugf(ctx, "/Flush(): %v", _err) }()
	return xsync.DoA1R1(ctx, &e.Locker, e.flush, ctx)
}

func (e *H264) flush(ctx context.Context) error {
	if !e.opened {
		return nil
	}

	if err := e.codecContext.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("unable to signal end of stream to the codec: %w", err)
	}

	for i := 0; i < maxDrainIterations; i++ {
		e.encodePacket.Unref()
		err := e.codecContext.ReceivePacket(e.encodePacket)
		if err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			if errors.Is(err, astiav.ErrEagain) {
				time.Sleep(drainIterationSleep)
				continue
			}
			return fmt.Errorf("unable to drain the codec: %w", err)
		}
		e.encodePacket.RescaleTs(e.codecContext.TimeBase(), e.stream.TimeBase())
		e.encodePacket.SetStreamIndex(e.stream.Index())
		if err := e.formatContext.WriteInterleavedFrame(e.encodePacket); err != nil {
			return fmt.Errorf("unable to mux a drained packet: %w", err)
		}
		e.packetsWritten++
	}

	if e.headerWritten {
		if err := e.formatContext.WriteTrailer(); err != nil {
			return fmt.Errorf("unable to write the container trailer: %w", err)
		}
		e.headerWritten = false
	}
	return nil
}

// Stats returns cumulative encode counters.
func (e *H264) Stats() (framesEncoded, packetsWritten uint64) {
	ctx := context.TODO()
	return xsync.DoR2(ctx, &e.Locker, func() (uint64, uint64) {
		return e.framesEncoded, e.packetsWritten
	})
}

func (e *H264) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close()")
	defer func() { logger.Debugf(ctx, "/Close(): %v", _err) }()
	e.Locker.Do(ctx, func() {
		e.closeLocked(ctx)
	})
	return nil
}

func (e *H264) closeLocked(ctx context.Context) {
	if e.encodePacket != nil {
		e.encodePacket.Free()
		e.encodePacket = nil
	}
	if e.rawFrame != nil {
		e.rawFrame.Free()
		e.rawFrame = nil
	}
	if e.ioContext != nil {
		e.ioContext.Free()
		e.ioContext = nil
	}
	if e.formatContext != nil {
		e.formatContext.Free()
		e.formatContext = nil
	}
	if e.codecContext != nil {
		e.codecContext.Free()
		e.codecContext = nil
	}
	e.stream = nil
	e.opened = false
}
