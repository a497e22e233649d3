package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/slbailey/retrovue-air/decoder"
	"github.com/slbailey/retrovue-air/ring"
)

func newStubSlot(t *testing.T, cfg Config, numFrames int) (*Slot, *ring.Ring) {
	t.Helper()
	r := ring.New(8)
	dec := decoder.NewStub(decoder.StubConfig{
		AssetURI:  "stub://test",
		Width:     64,
		Height:    64,
		FPS:       30,
		NumFrames: numFrames,
	})
	return New(dec, r, cfg), r
}

func TestLivePublishesInOrder(t *testing.T) {
	ctx := context.Background()
	s, r := newStubSlot(t, Config{}, 20)
	require.NoError(t, s.Start(ctx))

	framePeriod := int64(1e6 / 30.0)
	for i := 0; i < 20; i++ {
		var pts int64
		require.Eventually(t, func() bool {
			f, ok := r.TryPop()
			if ok {
				pts = f.Metadata.PTS
			}
			return ok
		}, time.Second, time.Millisecond)
		require.Equal(t, int64(i)*framePeriod, pts)
	}

	require.Eventually(t, func() bool { return s.EndOfStream() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, time.Millisecond)
	require.Equal(t, uint64(20), s.FramesPublished())
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	s, _ := newStubSlot(t, Config{}, 1)
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, s.RequestTeardown(ctx, time.Second))
}

func TestShadowReadinessSignal(t *testing.T) {
	ctx := context.Background()
	var readyCalls atomic.Int64
	s, r := newStubSlot(t, Config{
		Shadow:        true,
		OnShadowReady: func(context.Context) { readyCalls.Inc() },
	}, 100)

	require.False(t, s.IsShadowReady())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return s.IsShadowReady() }, time.Second, time.Millisecond)
	require.Equal(t, int64(1), readyCalls.Load())

	// Shadow decode must not touch the live ring.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, r.Len())

	firstPTS, ok := s.FirstPTSUS()
	require.True(t, ok)
	require.Equal(t, int64(0), firstPTS)

	require.NoError(t, s.RequestTeardown(ctx, time.Second))
	require.Equal(t, StateStopped, s.State())
}

func TestPromoteAppliesPTSOffset(t *testing.T) {
	ctx := context.Background()
	s, r := newStubSlot(t, Config{Shadow: true}, 50)
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.IsShadowReady() }, time.Second, time.Millisecond)

	const offset = int64(5_000_000)
	require.NoError(t, s.PromoteToLive(ctx, offset))

	framePeriod := int64(1e6 / 30.0)
	for i := 0; i < 20; i++ {
		var pts int64
		require.Eventually(t, func() bool {
			f, ok := r.TryPop()
			if ok {
				pts = f.Metadata.PTS
			}
			return ok
		}, time.Second, time.Millisecond)
		require.Equal(t, offset+int64(i)*framePeriod, pts, "frame %d", i)
	}

	last, ok := s.LastPublishedPTSUS()
	require.True(t, ok)
	require.GreaterOrEqual(t, last, offset)

	require.NoError(t, s.RequestTeardown(ctx, time.Second))
}

func TestPromoteTwiceFails(t *testing.T) {
	ctx := context.Background()
	s, _ := newStubSlot(t, Config{Shadow: true}, 10)
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.IsShadowReady() }, time.Second, time.Millisecond)

	require.NoError(t, s.PromoteToLive(ctx, 0))
	require.ErrorIs(t, s.PromoteToLive(ctx, 0), ErrAlreadyPromoted)
	require.NoError(t, s.RequestTeardown(ctx, time.Second))
}

func TestPromoteRequiresShadowMode(t *testing.T) {
	ctx := context.Background()
	s, _ := newStubSlot(t, Config{}, 10)
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.PromoteToLive(ctx, 0))
	require.NoError(t, s.RequestTeardown(ctx, time.Second))
}

func TestQuiesceStopsPublishing(t *testing.T) {
	ctx := context.Background()
	s, r := newStubSlot(t, Config{}, 0)
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return s.FramesPublished() > 0 }, time.Second, time.Millisecond)

	// Once Quiesce returns, no push can still be in flight and none may
	// follow, even though the worker keeps decoding.
	s.Quiesce(ctx)
	published := s.FramesPublished()

	for {
		if _, ok := r.TryPop(); !ok {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, r.Len())
	require.Equal(t, published, s.FramesPublished())

	require.NoError(t, s.RequestTeardown(ctx, time.Second))
}

func TestTeardownWithFullRing(t *testing.T) {
	ctx := context.Background()
	// Unbounded stream, tiny ring: the worker will be stuck in the
	// backpressure backoff when teardown arrives.
	s, r := newStubSlot(t, Config{}, 0)
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return r.Len() == r.Cap() }, time.Second, time.Millisecond)
	require.NoError(t, s.RequestTeardown(ctx, time.Second))
	require.Equal(t, StateStopped, s.State())
	require.False(t, s.WasForced())
}

func TestForceStop(t *testing.T) {
	ctx := context.Background()
	s, _ := newStubSlot(t, Config{}, 0)
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	s.ForceStop(ctx)
	require.Equal(t, StateStopped, s.State())
	require.True(t, s.WasForced())
	require.False(t, s.IsRunning())
}

func TestFallbackToStub(t *testing.T) {
	ctx := context.Background()
	r := ring.New(8)
	dec := decoder.NewFFmpeg(decoder.Config{InputURI: "/nonexistent/asset.mp4"})

	var failed atomic.Bool
	s := New(dec, r, Config{
		FallbackToStub: true,
		FallbackAsset:  "/nonexistent/asset.mp4",
		FallbackFPS:    30,
		OnFatalError:   func(context.Context, error) { failed.Store(true) },
	})
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return r.Len() > 0 }, 2*time.Second, time.Millisecond)
	require.False(t, failed.Load())

	f, ok := r.TryPop()
	require.True(t, ok)
	require.Equal(t, "/nonexistent/asset.mp4", f.Metadata.AssetURI)

	require.NoError(t, s.RequestTeardown(ctx, time.Second))
}

func TestOpenFailureWithoutFallback(t *testing.T) {
	ctx := context.Background()
	r := ring.New(8)
	dec := decoder.NewFFmpeg(decoder.Config{InputURI: "/nonexistent/asset.mp4"})

	var failed atomic.Bool
	s := New(dec, r, Config{
		OnFatalError: func(context.Context, error) { failed.Store(true) },
	})
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return failed.Load() }, 2*time.Second, time.Millisecond)
	require.Equal(t, StateFailed, s.State())
}
