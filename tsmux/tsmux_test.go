package tsmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPTS90kHz(t *testing.T) {
	require.Equal(t, int64(0), PTS90kHz(0))
	require.Equal(t, int64(90000), PTS90kHz(1_000_000))
	require.Equal(t, int64(2999), PTS90kHz(33_333))
	// One hour of playout stays well within int64.
	require.Equal(t, int64(324_000_000), PTS90kHz(3_600_000_000))
}

func TestRationalFPS(t *testing.T) {
	num, den := rationalFPS(30)
	require.Equal(t, 30000, num)
	require.Equal(t, 1000, den)

	num, den = rationalFPS(25)
	require.Equal(t, 25000, num)
	require.Equal(t, 1000, den)

	// NTSC rates get the exact /1001 form.
	num, den = rationalFPS(30000.0 / 1001.0)
	require.Equal(t, 30000, num)
	require.Equal(t, 1001, den)

	num, den = rationalFPS(24000.0 / 1001.0)
	require.Equal(t, 24000, num)
	require.Equal(t, 1001, den)

	num, den = rationalFPS(0)
	require.Equal(t, 30, num)
	require.Equal(t, 1, den)
}
