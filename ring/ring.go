// Package ring implements the single-producer/single-consumer frame ring
// between a decode worker and the pacing sink.
package ring

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/slbailey/retrovue-air/frame"
)

// Ring is a fixed-capacity SPSC ring buffer. Exactly one goroutine may push
// and exactly one may pop/peek; under that contract all operations are
// wait-free.
//
// capacity+1 slots are allocated so that full and empty are distinguishable
// from the two indices alone:
//
//	empty: write == read
//	full:  (write+1) % (capacity+1) == read
type Ring struct {
	slots []*frame.Frame
	write atomic.Uint32
	read  atomic.Uint32
}

var _ frame.Sink = (*Ring)(nil)

// New creates a ring holding up to capacity frames.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring{
		slots: make([]*frame.Frame, capacity+1),
	}
}

// TryPush inserts the frame; it reports false iff the ring is full. The slot
// write happens-before the write-index publication, so the consumer always
// observes fully-written frames.
func (r *Ring) TryPush(f *frame.Frame) bool {
	w := r.write.Load()
	next := (w + 1) % uint32(len(r.slots))
	if next == r.read.Load() {
		return false
	}
	r.slots[w] = f
	r.write.Store(next)
	return true
}

// TryPop removes and returns the oldest frame; ok is false iff the ring is
// empty.
func (r *Ring) TryPop() (_ *frame.Frame, ok bool) {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return nil, false
	}
	f := r.slots[rd]
	r.slots[rd] = nil
	r.read.Store((rd + 1) % uint32(len(r.slots)))
	return f, true
}

// Peek returns the oldest frame without removing it, or nil when empty. Only
// the consumer may call Peek.
func (r *Ring) Peek() *frame.Frame {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return nil
	}
	return r.slots[rd]
}

// Len returns the current occupancy. The value is exact for the calling side
// of the SPSC pair and a consistent snapshot for observers.
func (r *Ring) Len() int {
	n := uint32(len(r.slots))
	w := r.write.Load()
	rd := r.read.Load()
	occ := (w + n - rd) % n
	if int(occ) > r.Cap() {
		panic(fmt.Sprintf("ring: occupancy %d exceeds capacity %d", occ, r.Cap()))
	}
	return int(occ)
}

// Cap returns the maximum number of frames the ring can hold.
func (r *Ring) Cap() int {
	return len(r.slots) - 1
}

// Clear drops all buffered frames. Teardown-only: not safe against concurrent
// push/pop.
func (r *Ring) Clear() {
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.write.Store(0)
	r.read.Store(0)
}
