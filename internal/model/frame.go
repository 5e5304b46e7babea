package model

import (
	"time"

	"github.com/visionflow/visionflow/internal/pool"
)

// FrameBundle is one captured frame plus its routing metadata. Bundles
// are immutable once produced: transformations create a new bundle that
// shares the pixel buffer by reference count until a writer needs to
// mutate it (copy-on-write via pool.BufferPool.CloneForWrite).
type FrameBundle struct {
	Pixels    *pool.FrameBuffer
	Width     int
	Height    int
	Channels  int
	Captured  time.Time
	SeqNum    uint64
	// Provenance is the ordered list of node IDs the bundle has passed
	// through, used for latency attribution and debugging.
	Provenance []string
}

// Kind implements Payload.
func (f *FrameBundle) Kind() PayloadKind { return KindFrame }

// Seq implements Payload.
func (f *FrameBundle) Seq() uint64 { return f.SeqNum }

// WithProvenance returns a shallow derivative bundle that shares the
// pixel buffer (retaining it) and appends nodeID to the provenance trail.
func (f *FrameBundle) WithProvenance(nodeID string) *FrameBundle {
	if f.Pixels != nil {
		f.Pixels.Retain()
	}
	prov := make([]string, 0, len(f.Provenance)+1)
	prov = append(prov, f.Provenance...)
	prov = append(prov, nodeID)
	out := *f
	out.Provenance = prov
	return &out
}

// Release drops this bundle's reference to the shared pixel buffer.
func (f *FrameBundle) Release() {
	if f.Pixels != nil {
		f.Pixels.Release()
		f.Pixels = nil
	}
}

// Latency returns the elapsed time since capture.
func (f *FrameBundle) Latency(now time.Time) time.Duration {
	return now.Sub(f.Captured)
}
