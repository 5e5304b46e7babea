package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/visionflow/visionflow/internal/model"
)

type joinCollector struct {
	mu     sync.Mutex
	cycles []*cycleInput
}

func (c *joinCollector) deliver(ci *cycleInput) {
	c.mu.Lock()
	c.cycles = append(c.cycles, ci)
	c.mu.Unlock()
}

func (c *joinCollector) snapshot() []*cycleInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*cycleInput, len(c.cycles))
	copy(out, c.cycles)
	return out
}

func (c *joinCollector) waitFor(t *testing.T, n int) []*cycleInput {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d cycles, have %d", n, len(c.snapshot()))
	return nil
}

func dets(seq uint64) *model.DetectionSet {
	return &model.DetectionSet{FrameSeq: seq}
}

func tracks(seq uint64) *model.TrackSet {
	return &model.TrackSet{FrameSeq: seq}
}

func TestAssemblerJoinsMatchingSeq(t *testing.T) {
	var c joinCollector
	a := newAssembler("join", []string{"frames", "detections"}, time.Second, 3, c.deliver)

	a.add(context.Background(), "frames", dets(7), time.Time{})
	if len(c.snapshot()) != 0 {
		t.Fatal("delivered before all ports arrived")
	}
	a.add(context.Background(), "detections", tracks(7), time.Time{})

	got := c.waitFor(t, 1)
	if got[0].seq != 7 {
		t.Fatalf("seq = %d, want 7", got[0].seq)
	}
	if got[0].inputs["frames"] == nil || got[0].inputs["detections"] == nil {
		t.Fatalf("incomplete inputs: %v", got[0].inputs)
	}
}

func TestAssemblerInterleavedCycles(t *testing.T) {
	var c joinCollector
	a := newAssembler("join", []string{"a", "b"}, time.Second, 5, c.deliver)

	a.add(context.Background(), "a", dets(1), time.Time{})
	a.add(context.Background(), "a", dets(2), time.Time{})
	a.add(context.Background(), "b", tracks(2), time.Time{})
	a.add(context.Background(), "b", tracks(1), time.Time{})

	got := c.waitFor(t, 2)
	seqs := map[uint64]bool{got[0].seq: true, got[1].seq: true}
	if !seqs[1] || !seqs[2] {
		t.Fatalf("delivered seqs %v, want {1,2}", seqs)
	}
}

func TestAssemblerTimeoutFlushesPartialCycle(t *testing.T) {
	var c joinCollector
	a := newAssembler("join", []string{"a", "b"}, 20*time.Millisecond, 3, c.deliver)

	a.add(context.Background(), "a", dets(4), time.Time{})

	got := c.waitFor(t, 1)
	if got[0].seq != 4 {
		t.Fatalf("seq = %d, want 4", got[0].seq)
	}
	if got[0].inputs["a"] == nil {
		t.Error("present branch missing from flushed cycle")
	}
	if got[0].inputs["b"] != nil {
		t.Error("absent branch not nil in flushed cycle")
	}
}

func TestAssemblerDiscardsStraggler(t *testing.T) {
	var c joinCollector
	a := newAssembler("join", []string{"a", "b"}, time.Second, 2, c.deliver)

	// Advance high-water mark well past seq 1, then deliver a straggler.
	a.add(context.Background(), "a", dets(10), time.Time{})
	a.add(context.Background(), "a", dets(1), time.Time{})
	a.add(context.Background(), "b", tracks(1), time.Time{})

	// Straggler must not have opened a pending cycle that could flush.
	time.Sleep(50 * time.Millisecond)
	for _, ci := range c.snapshot() {
		if ci.seq == 1 {
			t.Fatal("straggler cycle below the skew window was delivered")
		}
	}
}

func TestAssemblerEvictsStalePending(t *testing.T) {
	var c joinCollector
	a := newAssembler("join", []string{"a", "b"}, time.Hour, 2, c.deliver)

	// Cycle 1 never completes; pushing the high-water mark past the
	// skew window must force-flush it rather than leak it.
	a.add(context.Background(), "a", dets(1), time.Time{})
	a.add(context.Background(), "a", dets(5), time.Time{})

	got := c.waitFor(t, 1)
	if got[0].seq != 1 {
		t.Fatalf("evicted seq = %d, want 1", got[0].seq)
	}

	a.mu.Lock()
	pending := len(a.pending)
	a.mu.Unlock()
	if pending != 1 { // only cycle 5 remains
		t.Errorf("pending = %d, want 1", pending)
	}
}
