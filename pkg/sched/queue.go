// Package sched drives a validated graph plan: it routes frame bundles
// along edges, applies drop-oldest backpressure on async queues, joins
// branches by sequence number, and isolates node failures behind
// per-node circuit breakers.
package sched

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/visionflow/visionflow/pkg/node"
)

// cycleInput is one assembled frame cycle ready for a node invocation.
type cycleInput struct {
	seq    uint64
	inputs node.Inputs
	// deadline is the frame cycle's latency budget cutoff; zero means
	// no budget. Every invocation the cycle fans out to derives its
	// context from it.
	deadline time.Time
	// ctx carries the cycle's trace span downstream. Cancellation still
	// comes from the scheduler run context it was derived from.
	ctx context.Context
}

// queue is the bounded input queue in front of an async-worker node.
// When full, the oldest entry is discarded in favor of the incoming
// one: a stale frame is worse than a missing one.
type queue struct {
	ch    chan *cycleInput
	drops int64
}

func newQueue(depth int) *queue {
	if depth <= 0 {
		depth = 4
	}
	return &queue{ch: make(chan *cycleInput, depth)}
}

// push enqueues in, evicting oldest entries as needed. Evicted cycles
// are returned so the caller can release payload references and
// attribute the drops.
func (q *queue) push(in *cycleInput) []*cycleInput {
	var dropped []*cycleInput
	for {
		select {
		case q.ch <- in:
			return dropped
		default:
		}
		select {
		case old := <-q.ch:
			atomic.AddInt64(&q.drops, 1)
			dropped = append(dropped, old)
		default:
			// Raced with the consumer; retry the send.
		}
	}
}

// pop blocks until an entry is available or the context is canceled.
func (q *queue) pop(ctx context.Context) (*cycleInput, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case in, ok := <-q.ch:
		return in, ok
	}
}

// depth returns the current queue occupancy.
func (q *queue) depth() int {
	return len(q.ch)
}

// dropped returns the total evicted-entry count.
func (q *queue) dropped() int64 {
	return atomic.LoadInt64(&q.drops)
}
