// Package pool provides reference-counted frame buffer management.
// Frame pixel storage is shared across fan-out branches without copying;
// a buffer returns to the free pool once the last reference is released.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultFrameSize is the default pixel buffer capacity (640x480 RGB).
const DefaultFrameSize = 640 * 480 * 3

// FrameBuffer is a reference-counted pixel buffer. It is immutable by
// convention once published; writers must hold the only reference
// (see CloneForWrite).
type FrameBuffer struct {
	Data []byte

	refs int32
	home *BufferPool
}

// Retain increments the reference count. Every downstream branch that
// holds the buffer past the current call frame must retain it.
func (b *FrameBuffer) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

// Release decrements the reference count and returns the buffer to its
// pool when no references remain. Releasing below zero panics: it means
// an ownership bug, not a recoverable condition.
func (b *FrameBuffer) Release() {
	n := atomic.AddInt32(&b.refs, -1)
	switch {
	case n == 0:
		if b.home != nil {
			b.home.put(b)
		}
	case n < 0:
		panic(fmt.Sprintf("pool: frame buffer over-released (refs=%d)", n))
	}
}

// Refs returns the current reference count.
func (b *FrameBuffer) Refs() int32 {
	return atomic.LoadInt32(&b.refs)
}

// BufferPool manages reusable frame buffers of a fixed capacity.
type BufferPool struct {
	pool sync.Pool
	size int

	// allocation accounting for resource-exhaustion reporting
	live    int64
	maxLive int64
}

// NewBufferPool creates a pool of buffers with the given capacity.
// maxLive bounds the number of simultaneously checked-out buffers;
// zero means unbounded.
func NewBufferPool(bufferSize int, maxLive int64) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = DefaultFrameSize
	}
	bp := &BufferPool{size: bufferSize, maxLive: maxLive}
	bp.pool.New = func() any {
		return &FrameBuffer{Data: make([]byte, 0, bufferSize)}
	}
	return bp
}

// Get checks out a buffer with a single reference. It returns an error
// when the live-buffer budget is exhausted; callers treat that as a
// dropped frame, not a fatal condition.
func (p *BufferPool) Get(n int) (*FrameBuffer, error) {
	if p.maxLive > 0 && atomic.LoadInt64(&p.live) >= p.maxLive {
		return nil, fmt.Errorf("pool: frame buffer budget exhausted (%d live)", p.maxLive)
	}
	buf := p.pool.Get().(*FrameBuffer)
	if cap(buf.Data) < n {
		buf.Data = make([]byte, n)
	} else {
		buf.Data = buf.Data[:n]
	}
	buf.home = p
	atomic.StoreInt32(&buf.refs, 1)
	atomic.AddInt64(&p.live, 1)
	return buf, nil
}

// CloneForWrite returns a buffer safe to mutate. If src is exclusively
// held it is returned as-is; otherwise the contents are copied into a
// fresh buffer and the caller's reference to src is released.
func (p *BufferPool) CloneForWrite(src *FrameBuffer) (*FrameBuffer, error) {
	if src.Refs() == 1 {
		return src, nil
	}
	dst, err := p.Get(len(src.Data))
	if err != nil {
		return nil, err
	}
	copy(dst.Data, src.Data)
	src.Release()
	return dst, nil
}

// Live returns the number of buffers currently checked out.
func (p *BufferPool) Live() int64 {
	return atomic.LoadInt64(&p.live)
}

func (p *BufferPool) put(buf *FrameBuffer) {
	buf.Data = buf.Data[:0]
	atomic.AddInt64(&p.live, -1)
	p.pool.Put(buf)
}
