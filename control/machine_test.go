package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	require.Equal(t, StateIdle, m.State())

	cmd := Command{ID: "start:1", RequestStationUS: 100}
	require.NoError(t, m.BeginSession(ctx, cmd, 150))
	require.Equal(t, StateBuffering, m.State())

	tr := m.LastTransition()
	require.Equal(t, StateIdle, tr.From)
	require.Equal(t, StateBuffering, tr.To)
	require.Equal(t, "start:1", tr.CommandID)
	require.Equal(t, int64(100), tr.RequestStationUS)
	require.Equal(t, int64(150), tr.EffectiveStationUS)

	require.True(t, m.OnBufferDepth(ctx, 3, 60, 200))
	require.Equal(t, StateReady, m.State())

	require.NoError(t, m.Activate(ctx, Command{ID: "switch:1"}, 300))
	require.Equal(t, StatePlaying, m.State())

	require.NoError(t, m.Pause(ctx, Command{ID: "pause:1"}, 400))
	require.Equal(t, StatePaused, m.State())
	require.NoError(t, m.Resume(ctx, Command{ID: "resume:1"}, 500))
	require.Equal(t, StatePlaying, m.State())

	require.NoError(t, m.BeginStop(ctx, Command{ID: "stop:1"}, 600))
	require.Equal(t, StateStopping, m.State())
	m.FinishStop(ctx, Command{ID: "stop:1"}, 700, false)
	require.Equal(t, StateIdle, m.State())
	require.False(t, m.ForcedStop())
}

func TestPreconditionViolationsDoNotMutate(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	err := m.Activate(ctx, Command{ID: "x"}, 0)
	require.Error(t, err)
	var trErr *TransitionError
	require.ErrorAs(t, err, &trErr)
	require.Equal(t, StateIdle, trErr.State)
	require.Equal(t, StateIdle, m.State())

	require.Error(t, m.Pause(ctx, Command{}, 0))
	require.Error(t, m.Resume(ctx, Command{}, 0))
	require.Error(t, m.BeginStop(ctx, Command{}, 0))
	require.Equal(t, StateIdle, m.State())

	require.NoError(t, m.BeginSession(ctx, Command{}, 0))
	require.Error(t, m.BeginSession(ctx, Command{}, 0))
	require.Equal(t, StateBuffering, m.State())
}

func TestBufferDepthHysteresis(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	require.NoError(t, m.BeginSession(ctx, Command{}, 0))

	// Below the ready watermark nothing happens.
	require.False(t, m.OnBufferDepth(ctx, 2, 60, 0))
	require.Equal(t, StateBuffering, m.State())

	require.True(t, m.OnBufferDepth(ctx, 3, 60, 0))
	require.Equal(t, StateReady, m.State())

	// Between the watermarks the state holds (hysteresis).
	require.False(t, m.OnBufferDepth(ctx, 2, 60, 0))
	require.Equal(t, StateReady, m.State())

	require.True(t, m.OnBufferDepth(ctx, 1, 60, 0))
	require.Equal(t, StateBuffering, m.State())

	require.False(t, m.OnBufferDepth(ctx, 2, 60, 0))
	require.Equal(t, StateBuffering, m.State())
}

func TestBackpressureIsAdvisory(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	require.NoError(t, m.BeginSession(ctx, Command{}, 0))
	require.True(t, m.OnBufferDepth(ctx, 5, 60, 0))
	before := m.State()

	m.OnBackpressure(ctx, BackpressureUnderrun, 123)
	m.OnBackpressure(ctx, BackpressureOverrun, 456)
	require.Equal(t, before, m.State())

	underruns, overruns := m.BackpressureCounters()
	require.Equal(t, uint64(1), underruns)
	require.Equal(t, uint64(1), overruns)

	event, atUS := m.LastBackpressure()
	require.Equal(t, BackpressureOverrun, event)
	require.Equal(t, int64(456), atUS)
}

func TestFatalErrorRequiresStop(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	require.NoError(t, m.BeginSession(ctx, Command{}, 0))
	require.True(t, m.OnBufferDepth(ctx, 3, 60, 0))
	require.NoError(t, m.Activate(ctx, Command{}, 0))

	m.Fail(ctx, Command{ID: "decoder_failure"}, 999)
	require.Equal(t, StateError, m.State())

	// Depth changes must not resurrect a failed channel.
	require.False(t, m.OnBufferDepth(ctx, 10, 60, 0))
	require.Equal(t, StateError, m.State())
	require.Error(t, m.Activate(ctx, Command{}, 0))

	require.NoError(t, m.BeginStop(ctx, Command{ID: "stop"}, 0))
	m.FinishStop(ctx, Command{ID: "stop"}, 0, true)
	require.Equal(t, StateIdle, m.State())
	require.True(t, m.ForcedStop())
}
