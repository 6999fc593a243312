package netstack

import (
	"gvisor.dev/gvisor/pkg/buffer"
)

// byteRing is a bounded FIFO byte queue. The TCP send side peeks at arbitrary
// offsets and only discards once bytes are acknowledged; the receive side
// reads from the front.
type byteRing struct {
	buf      buffer.Buffer
	capacity int
}

func newByteRing(capacity int) *byteRing {
	return &byteRing{capacity: capacity}
}

func (r *byteRing) Len() int   { return int(r.buf.Size()) }
func (r *byteRing) Space() int { return r.capacity - r.Len() }

// Write appends as much of p as fits and returns the count.
func (r *byteRing) Write(p []byte) int {
	n := min(len(p), r.Space())
	if n <= 0 {
		return 0
	}
	if err := r.buf.Append(buffer.NewViewWithData(p[:n])); err != nil {
		return 0
	}
	return n
}

// Peek copies up to len(p) bytes starting off bytes past the front without
// consuming them.
func (r *byteRing) Peek(p []byte, off int) int {
	if off < 0 || off >= r.Len() || len(p) == 0 {
		return 0
	}
	n, _ := r.buf.ReadAt(p, int64(off))
	return n
}

// Read consumes up to len(p) bytes from the front.
func (r *byteRing) Read(p []byte) int {
	n := r.Peek(p, 0)
	r.buf.TrimFront(int64(n))
	return n
}

// Discard drops up to n bytes from the front and returns how many went.
func (r *byteRing) Discard(n int) int {
	n = min(n, r.Len())
	if n <= 0 {
		return 0
	}
	r.buf.TrimFront(int64(n))
	return n
}

// Release frees the underlying chunks.
func (r *byteRing) Release() {
	r.buf.Release()
}
