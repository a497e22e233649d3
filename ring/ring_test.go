package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slbailey/retrovue-air/frame"
)

func mkFrame(pts int64) *frame.Frame {
	return &frame.Frame{Metadata: frame.Metadata{PTS: pts}}
}

func TestPushPopFIFO(t *testing.T) {
	r := New(4)
	for i := int64(0); i < 4; i++ {
		require.True(t, r.TryPush(mkFrame(i)))
	}
	require.Equal(t, 4, r.Len())

	for i := int64(0); i < 4; i++ {
		f, ok := r.TryPop()
		require.True(t, ok)
		require.Equal(t, i, f.Metadata.PTS)
	}
	require.Equal(t, 0, r.Len())
}

func TestPushIntoFullFails(t *testing.T) {
	r := New(2)
	require.True(t, r.TryPush(mkFrame(1)))
	require.True(t, r.TryPush(mkFrame(2)))
	require.False(t, r.TryPush(mkFrame(3)))
	require.Equal(t, 2, r.Len())

	// The rejected push must not have disturbed the order.
	f, ok := r.TryPop()
	require.True(t, ok)
	require.Equal(t, int64(1), f.Metadata.PTS)
}

func TestPopFromEmptyFails(t *testing.T) {
	r := New(2)
	f, ok := r.TryPop()
	require.False(t, ok)
	require.Nil(t, f)
	require.Nil(t, r.Peek())
	require.Equal(t, 0, r.Len())
}

func TestPeekDoesNotConsume(t *testing.T) {
	r := New(2)
	require.True(t, r.TryPush(mkFrame(7)))
	require.Equal(t, int64(7), r.Peek().Metadata.PTS)
	require.Equal(t, int64(7), r.Peek().Metadata.PTS)
	require.Equal(t, 1, r.Len())
}

func TestOccupancyBounds(t *testing.T) {
	r := New(3)
	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 3; i++ {
			require.True(t, r.TryPush(mkFrame(int64(i))))
			require.LessOrEqual(t, r.Len(), r.Cap())
		}
		require.False(t, r.TryPush(mkFrame(99)))
		for i := 0; i < 3; i++ {
			_, ok := r.TryPop()
			require.True(t, ok)
			require.GreaterOrEqual(t, r.Len(), 0)
		}
	}
}

func TestClear(t *testing.T) {
	r := New(4)
	require.True(t, r.TryPush(mkFrame(1)))
	require.True(t, r.TryPush(mkFrame(2)))
	r.Clear()
	require.Equal(t, 0, r.Len())
	_, ok := r.TryPop()
	require.False(t, ok)
}

func TestSingleProducerSingleConsumer(t *testing.T) {
	const total = 100_000
	r := New(16)

	done := make(chan []int64)
	go func() {
		var got []int64
		for len(got) < total {
			f, ok := r.TryPop()
			if !ok {
				continue
			}
			got = append(got, f.Metadata.PTS)
		}
		done <- got
	}()

	for i := int64(0); i < total; {
		if r.TryPush(mkFrame(i)) {
			i++
		}
	}

	got := <-done
	require.Len(t, got, total)
	for i, pts := range got {
		require.Equal(t, int64(i), pts)
	}
}
