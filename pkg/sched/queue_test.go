package sched

import (
	"context"
	"testing"
	"time"

	"github.com/visionflow/visionflow/pkg/node"
)

func ci(seq uint64) *cycleInput {
	return &cycleInput{seq: seq, inputs: node.Inputs{}}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := newQueue(2)

	if dropped := q.push(ci(1)); len(dropped) != 0 {
		t.Fatalf("push 1 dropped %d", len(dropped))
	}
	if dropped := q.push(ci(2)); len(dropped) != 0 {
		t.Fatalf("push 2 dropped %d", len(dropped))
	}
	dropped := q.push(ci(3))
	if len(dropped) != 1 || dropped[0].seq != 1 {
		t.Fatalf("push 3: dropped %v, want seq 1", dropped)
	}
	if q.dropped() != 1 {
		t.Errorf("drop counter = %d, want 1", q.dropped())
	}

	// Remaining entries are the two newest, in order.
	ctx := context.Background()
	for _, want := range []uint64{2, 3} {
		got, ok := q.pop(ctx)
		if !ok || got.seq != want {
			t.Fatalf("pop = %v/%v, want seq %d", got, ok, want)
		}
	}
}

func TestQueuePopUnblocksOnCancel(t *testing.T) {
	q := newQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("pop returned ok=true after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock on cancel")
	}
}

func TestQueueDefaultDepth(t *testing.T) {
	q := newQueue(0)
	for i := uint64(1); i <= 4; i++ {
		if dropped := q.push(ci(i)); len(dropped) != 0 {
			t.Fatalf("default depth evicted at %d", i)
		}
	}
	if dropped := q.push(ci(5)); len(dropped) != 1 {
		t.Fatalf("expected eviction past default depth, got %d", len(dropped))
	}
}
