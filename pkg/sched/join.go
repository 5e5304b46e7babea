package sched

import (
	"context"
	"sync"
	"time"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/node"
)

// assembler collects per-cycle inputs for a node fed by multiple
// branches. It waits for a matching sequence number on all fan-in
// ports up to one frame period; if a branch's bundle was dropped the
// cycle proceeds with a missing placeholder rather than blocking.
type assembler struct {
	mu sync.Mutex

	nodeID      string
	ports       []string
	framePeriod time.Duration
	skew        uint64
	deliver     func(*cycleInput)

	pending map[uint64]*pendingCycle
	highSeq uint64
}

type pendingCycle struct {
	inputs   node.Inputs
	got      int
	timer    *time.Timer
	done     bool
	ctx      context.Context
	deadline time.Time
}

func newAssembler(nodeID string, ports []string, framePeriod time.Duration, skew uint64, deliver func(*cycleInput)) *assembler {
	if skew == 0 {
		skew = 3
	}
	return &assembler{
		nodeID:      nodeID,
		ports:       ports,
		framePeriod: framePeriod,
		skew:        skew,
		deliver:     deliver,
		pending:     make(map[uint64]*pendingCycle),
	}
}

// add delivers one payload for the given port. Payloads arriving for a
// cycle that already flushed are released and discarded. The context
// and deadline of the first arrival carry the cycle's trace span and
// latency budget through to the joined invocation.
func (a *assembler) add(ctx context.Context, port string, p model.Payload, deadline time.Time) {
	seq := p.Seq()

	a.mu.Lock()
	if seq > a.highSeq {
		a.highSeq = seq
	}

	pc, ok := a.pending[seq]
	if !ok {
		// A cycle below the skew window already flushed (or never will
		// complete); discard the straggler.
		if a.highSeq > a.skew && seq < a.highSeq-a.skew {
			a.mu.Unlock()
			releasePayload(p)
			return
		}
		pc = &pendingCycle{inputs: make(node.Inputs, len(a.ports)), ctx: ctx, deadline: deadline}
		for _, name := range a.ports {
			pc.inputs[name] = nil
		}
		pc.timer = time.AfterFunc(a.framePeriod, func() {
			a.flush(seq)
		})
		a.pending[seq] = pc
	}
	if pc.done {
		a.mu.Unlock()
		releasePayload(p)
		return
	}
	if prev := pc.inputs[port]; prev == nil {
		pc.got++
	} else {
		releasePayload(prev)
	}
	pc.inputs[port] = p

	complete := pc.got == len(a.ports)
	var out *cycleInput
	if complete {
		pc.done = true
		pc.timer.Stop()
		delete(a.pending, seq)
		out = &cycleInput{seq: seq, inputs: pc.inputs, deadline: pc.deadline, ctx: pc.ctx}
	}
	a.evictStaleLocked()
	a.mu.Unlock()

	if out != nil {
		a.deliver(out)
	}
}

// flush dispatches an incomplete cycle after the join timeout, with
// nil placeholders for the branches that never arrived.
func (a *assembler) flush(seq uint64) {
	a.mu.Lock()
	pc, ok := a.pending[seq]
	if !ok || pc.done {
		a.mu.Unlock()
		return
	}
	pc.done = true
	delete(a.pending, seq)
	a.mu.Unlock()

	a.deliver(&cycleInput{seq: seq, inputs: pc.inputs, deadline: pc.deadline, ctx: pc.ctx})
}

// evictStaleLocked force-flushes cycles that fell out of the skew
// window so the pending map stays bounded under sustained drops.
func (a *assembler) evictStaleLocked() {
	if a.highSeq <= a.skew {
		return
	}
	floor := a.highSeq - a.skew
	for seq, pc := range a.pending {
		if seq < floor && !pc.done {
			pc.timer.Stop()
			// Reset the timer to fire immediately; flush runs outside
			// the lock.
			pc.timer = time.AfterFunc(0, func(s uint64) func() {
				return func() { a.flush(s) }
			}(seq))
		}
	}
}

func releasePayload(p model.Payload) {
	if fb, ok := p.(*model.FrameBundle); ok && fb != nil {
		fb.Release()
	}
}

func releaseInputs(in node.Inputs) {
	for _, p := range in {
		if p != nil {
			releasePayload(p)
		}
	}
}
