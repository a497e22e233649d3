package engine

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slbailey/retrovue-air/control"
	"github.com/slbailey/retrovue-air/decoder"
	"github.com/slbailey/retrovue-air/frame"
	"github.com/slbailey/retrovue-air/telemetry"
	"github.com/slbailey/retrovue-air/tsmux"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{
		TargetFPS: 30,
		Width:     64,
		Height:    64,
		NewDecoder: func(uri string) decoder.Decoder {
			return decoder.NewStub(decoder.StubConfig{
				AssetURI: uri,
				Width:    64,
				Height:   64,
				FPS:      30,
			})
		},
		NewEncoder: func(tsmux.H264Config, tsmux.Sink) tsmux.Encoder { return nil },
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func startChannel(t *testing.T, e *Engine, id string) *Channel {
	t.Helper()
	res, err := e.StartChannel(context.Background(), StartChannelRequest{
		ChannelID:  id,
		PlanHandle: "stub://plan-a",
		CommandID:  "start:" + id,
	})
	require.NoError(t, err)
	require.False(t, res.AlreadyStarted)

	c, ok := e.Channel(id)
	require.True(t, ok)
	return c
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	c := startChannel(t, e, "1")
	require.Equal(t, control.StatePlaying, c.Machine.State())
	require.Equal(t, []string{"1"}, e.ChannelIDs())

	// The sink drains the ring in station time.
	require.Eventually(t, func() bool { return c.Sink.Stats().FramesPaced > 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.StopChannel(ctx, "1", control.Command{ID: "stop:1"}))
	require.Empty(t, e.ChannelIDs())
	require.Equal(t, control.StateIdle, c.Machine.State())

	_, ok := e.Telemetry().Get("1")
	require.False(t, ok)
}

func TestStartTwiceIsANoOp(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	startChannel(t, e, "1")

	res, err := e.StartChannel(ctx, StartChannelRequest{ChannelID: "1", PlanHandle: "stub://plan-b"})
	require.NoError(t, err)
	require.True(t, res.AlreadyStarted)
	require.Equal(t, []string{"1"}, e.ChannelIDs())
}

func TestStartRequiresChannelID(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.StartChannel(context.Background(), StartChannelRequest{PlanHandle: "stub://plan-a"})
	require.Error(t, err)
}

func TestStopUnknownChannelFails(t *testing.T) {
	e := newTestEngine(t)
	require.Error(t, e.StopChannel(context.Background(), "99", control.Command{}))
}

func TestStopTwiceSucceeds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	startChannel(t, e, "1")

	require.NoError(t, e.StopChannel(ctx, "1", control.Command{}))
	require.NoError(t, e.StopChannel(ctx, "1", control.Command{}))

	// Stopping and restarting works; the tombstone does not linger.
	startChannel(t, e, "1")
	require.NoError(t, e.StopChannel(ctx, "1", control.Command{}))
}

type failingDecoder struct{}

func (failingDecoder) String() string             { return "FailingDecoder" }
func (failingDecoder) Open(context.Context) error { return fmt.Errorf("no such asset") }
func (failingDecoder) DecodeNext(context.Context, frame.Sink) decoder.Outcome {
	return decoder.OutcomeFatal
}
func (failingDecoder) Close(context.Context) error { return nil }
func (failingDecoder) Stats() decoder.Stats        { return decoder.Stats{} }
func (failingDecoder) Info() decoder.Info          { return decoder.Info{} }

func TestStartFailureLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	e := New(Config{
		TargetFPS:    30,
		Width:        64,
		Height:       64,
		ReadyTimeout: 500 * time.Millisecond,
		NewDecoder:   func(string) decoder.Decoder { return failingDecoder{} },
		NewEncoder:   func(tsmux.H264Config, tsmux.Sink) tsmux.Encoder { return nil },
	})

	_, err := e.StartChannel(ctx, StartChannelRequest{ChannelID: "1", PlanHandle: "broken"})
	require.Error(t, err)
	require.Empty(t, e.ChannelIDs())

	// The channel never came up, so stopping it is an error, not a no-op.
	require.Error(t, e.StopChannel(ctx, "1", control.Command{}))
}

func TestSwitchToLiveKeepsPTSContiguous(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	c := startChannel(t, e, "1")
	framePeriod := c.framePeriodUS()

	oldLive := c.LiveSlot()
	require.NotNil(t, oldLive)

	require.NoError(t, e.LoadPreview(ctx, "1", "stub://plan-b", nil))
	preview := c.PreviewSlot()
	require.NotNil(t, preview)
	require.Eventually(t, func() bool { return preview.IsShadowReady() }, 2*time.Second, 10*time.Millisecond)

	// The preview primes off-air.
	res, err := e.SwitchToLive(ctx, "1", control.Command{ID: "switch:1"})
	require.NoError(t, err)
	require.True(t, res.PTSContiguous)
	require.Positive(t, res.LiveStartPTSUS)
	require.Zero(t, res.LiveStartPTSUS%framePeriod)

	require.Same(t, preview, c.LiveSlot())
	require.Nil(t, c.PreviewSlot())
	require.False(t, oldLive.IsRunning())

	// The outgoing slot was quiesced at the swap: nothing of its may land in
	// the ring after the promoted slot starts publishing.
	oldPublished := oldLive.FramesPublished()

	// The rebased stream keeps flowing through the same sink.
	paced := c.Sink.Stats().FramesPaced
	require.Eventually(t, func() bool { return c.Sink.Stats().FramesPaced > paced }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, oldPublished, oldLive.FramesPublished())
}

func TestSwitchWithoutPreviewFails(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	startChannel(t, e, "1")

	_, err := e.SwitchToLive(ctx, "1", control.Command{})
	require.Error(t, err)
}

func TestSwitchOnUnknownChannelFails(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SwitchToLive(context.Background(), "99", control.Command{})
	require.Error(t, err)
}

func TestLoadPreviewReplacesEarlierPreview(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	c := startChannel(t, e, "1")

	require.NoError(t, e.LoadPreview(ctx, "1", "stub://plan-b", nil))
	first := c.PreviewSlot()
	require.NoError(t, e.LoadPreview(ctx, "1", "stub://plan-c", nil))
	second := c.PreviewSlot()

	require.NotSame(t, first, second)
	require.False(t, first.IsRunning())
}

func TestUpdatePlanSwapsTheAsset(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	c := startChannel(t, e, "1")
	oldLive := c.LiveSlot()

	require.NoError(t, e.UpdatePlan(ctx, "1", "stub://plan-b", control.Command{ID: "update:1"}))

	require.NotSame(t, oldLive, c.LiveSlot())
	require.Nil(t, c.PreviewSlot())
	require.Equal(t, control.StatePlaying, c.Machine.State())
}

// countingErrorDecoder decodes like the stub but reports a fixed number of
// decode errors on top of the stub's counters.
type countingErrorDecoder struct {
	decoder.Decoder
	decodeErrors uint64
}

func (d *countingErrorDecoder) Stats() decoder.Stats {
	st := d.Decoder.Stats()
	st.DecodeErrors += d.decodeErrors
	return st
}

func TestDecodeFailuresSurvivePlanUpdates(t *testing.T) {
	ctx := context.Background()
	e := New(Config{
		TargetFPS: 30,
		Width:     64,
		Height:    64,
		NewDecoder: func(uri string) decoder.Decoder {
			return &countingErrorDecoder{
				Decoder: decoder.NewStub(decoder.StubConfig{
					AssetURI: uri,
					Width:    64,
					Height:   64,
					FPS:      30,
				}),
				decodeErrors: 7,
			}
		},
		NewEncoder: func(tsmux.H264Config, tsmux.Sink) tsmux.Encoder { return nil },
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	_, err := e.StartChannel(ctx, StartChannelRequest{ChannelID: "1", PlanHandle: "stub://plan-a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m, ok := e.Telemetry().Get("1")
		return ok && m.DecodeFailureCount == 7
	}, 2*time.Second, 10*time.Millisecond)

	// The retired slot's errors accumulate instead of vanishing with it.
	require.NoError(t, e.UpdatePlan(ctx, "1", "stub://plan-b", control.Command{ID: "update:1"}))
	require.Eventually(t, func() bool {
		m, ok := e.Telemetry().Get("1")
		return ok && m.DecodeFailureCount == 14
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportEndpointComesUpWithTheChannel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.StartChannel(ctx, StartChannelRequest{
		ChannelID:     "1",
		PlanHandle:    "stub://plan-a",
		OutputNetwork: "tcp",
		OutputAddress: "127.0.0.1:0",
	})
	require.NoError(t, err)

	c, ok := e.Channel("1")
	require.True(t, ok)
	require.NotNil(t, c.Transport)

	conn, err := net.Dial("tcp", c.Transport.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, c.Transport.IsConnected, time.Second, time.Millisecond)

	require.NoError(t, e.StopChannel(ctx, "1", control.Command{}))
}

func TestTelemetryIsPublishedWhilePlaying(t *testing.T) {
	e := newTestEngine(t)
	startChannel(t, e, "1")

	require.Eventually(t, func() bool {
		m, ok := e.Telemetry().Get("1")
		return ok && m.State == telemetry.ChannelStateReady && m.BufferCapacity == defaultRingCapacity
	}, 2*time.Second, 10*time.Millisecond)
}
