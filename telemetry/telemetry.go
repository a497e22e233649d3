// Package telemetry keeps the per-channel observability snapshots and serves
// them in Prometheus text format.
package telemetry

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/xsync"
)

// ChannelState is the coarse externally-visible channel state.
type ChannelState int

const (
	ChannelStateStopped ChannelState = iota
	ChannelStateBuffering
	ChannelStateReady
	ChannelStateError
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateStopped:
		return "STOPPED"
	case ChannelStateBuffering:
		return "BUFFERING"
	case ChannelStateReady:
		return "READY"
	case ChannelStateError:
		return "ERROR"
	}
	return fmt.Sprintf("STATE_%d", int(s))
}

// ChannelMetrics is one channel's published snapshot.
type ChannelMetrics struct {
	State              ChannelState
	BufferDepthFrames  int
	BufferCapacity     int
	FrameGapSeconds    float64
	DecodeFailureCount uint64
	FramesPaced        uint64
	FramesDroppedLate  uint64
	UnderrunCount      uint64
	OverrunCount       uint64
}

// Store holds the latest snapshot per channel. Safe for concurrent use.
type Store struct {
	locker   xsync.Mutex
	channels map[string]ChannelMetrics
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		channels: map[string]ChannelMetrics{},
	}
}

// Publish replaces the channel's snapshot.
func (s *Store) Publish(ctx context.Context, channelID string, m ChannelMetrics) {
	s.locker.Do(ctx, func() {
		s.channels[channelID] = m
	})
}

// Get returns the channel's latest snapshot.
func (s *Store) Get(channelID string) (ChannelMetrics, bool) {
	return xsync.DoR2(context.TODO(), &s.locker, func() (ChannelMetrics, bool) {
		m, ok := s.channels[channelID]
		return m, ok
	})
}

// RemoveChannel drops a channel's snapshot, typically after a stop.
func (s *Store) RemoveChannel(ctx context.Context, channelID string) {
	s.locker.Do(ctx, func() {
		delete(s.channels, channelID)
	})
}

// Snapshot returns a copy of all channel snapshots.
func (s *Store) Snapshot() map[string]ChannelMetrics {
	return xsync.DoR1(context.TODO(), &s.locker, func() map[string]ChannelMetrics {
		out := make(map[string]ChannelMetrics, len(s.channels))
		for k, v := range s.channels {
			out[k] = v
		}
		return out
	})
}
