// Package frame defines the decoded-picture value passed between the decoder,
// the frame ring and the pacing sink.
package frame

// Metadata carries timing and provenance information for a decoded frame.
// PTS/DTS are normalized to microseconds by the decoder.
type Metadata struct {
	PTS      int64
	DTS      int64
	Duration float64 // seconds, derived from the decoder's timebase
	AssetURI string
}

// Frame holds one decoded picture as planar bytes (YUV420P: Y plane followed
// by U and V at quarter size) along with its metadata.
type Frame struct {
	Metadata Metadata
	Width    int
	Height   int
	Data     []byte
}

// PlanarSize420 returns the byte size of a YUV420P picture.
func PlanarSize420(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + 2*uvSize
}

// Sink is where a producer publishes decoded frames. The live ring implements
// it; shadow slots use a discarding sink.
type Sink interface {
	// TryPush accepts the frame or reports false when the sink has no room.
	TryPush(f *Frame) bool
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(f *Frame) bool

func (fn SinkFunc) TryPush(f *Frame) bool { return fn(f) }

// Discard is a Sink that accepts and drops everything.
type Discard struct{}

func (Discard) TryPush(*Frame) bool { return true }
