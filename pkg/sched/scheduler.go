package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/internal/pool"
	"github.com/visionflow/visionflow/pkg/config"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/node"
)

// NodeState is the externally visible execution state of a node.
type NodeState string

const (
	NodeActive   NodeState = "active"
	NodeDegraded NodeState = "degraded"
	NodeStopped  NodeState = "stopped"
)

// NodeStatus is the control-surface view of one node.
type NodeStatus struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Lane     string           `json:"lane"`
	State    NodeState        `json:"state"`
	Errors   int64            `json:"errors"`
	Breaker  string           `json:"breaker"`
	QueueLen int              `json:"queue_len,omitempty"`
	Metrics  map[string]int64 `json:"metrics,omitempty"`
}

// Tracer emits spans for frame cycles and node invocations. The
// telemetry exporter satisfies it; a nil Tracer disables span emission.
type Tracer interface {
	StartCycle(ctx context.Context, seq uint64) (context.Context, trace.Span)
	StartNode(ctx context.Context, nodeID, nodeType, lane string) (context.Context, trace.Span)
}

// Options configures a Scheduler beyond the engine config.
type Options struct {
	Engine  config.EngineConfig
	Breaker config.BreakerConfig
	// SkipRatios is the frame-skip ladder indexed by the profile's
	// FrameSkipRatio tier.
	SkipRatios []int
	// Profile returns the current resource profile snapshot; called
	// once at the start of each frame cycle.
	Profile func() model.ResourceProfile
	Log     *slog.Logger
	Frames  *pool.BufferPool
	// Tracer, when set, opens a root span per frame cycle and a child
	// span per node invocation.
	Tracer Tracer
}

// nodeState bundles one instantiated node with its scheduling
// machinery.
type nodeState struct {
	id    string
	typ   string
	n     node.Node
	caps  node.Capabilities
	fanIn []graph.EdgeDescriptor
	// fanOut keyed by output port name.
	fanOut map[string][]graph.EdgeDescriptor

	queue   *queue     // async lane only
	asm     *assembler // multi-input nodes only
	breaker *breaker

	errors  int64
	stopped atomic.Bool

	mu       sync.Mutex
	lastGood node.Outputs
}

// Scheduler drives frame bundles through a validated plan respecting
// the real-time latency budget rather than completeness.
type Scheduler struct {
	plan  *graph.Plan
	opts  Options
	log   *slog.Logger
	nodes map[string]*nodeState
	order []string

	seq         uint64
	skipPending int
	paused      atomic.Bool
	running     atomic.Bool
	profile     atomic.Pointer[model.ResourceProfile]

	runCtx context.Context
}

// New instantiates every node in the plan from the registry and wires
// the scheduling machinery.
func New(plan *graph.Plan, reg *node.Registry, opts Options) (*Scheduler, error) {
	if opts.Profile == nil {
		opts.Profile = func() model.ResourceProfile { return model.ResourceProfile{} }
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Frames == nil {
		opts.Frames = pool.NewBufferPool(pool.DefaultFrameSize, opts.Engine.MaxLiveFrames)
	}
	if opts.Engine.FramePeriod <= 0 {
		opts.Engine.FramePeriod = 33 * time.Millisecond
	}
	if opts.Engine.NodeTimeout <= 0 {
		opts.Engine.NodeTimeout = 80 * time.Millisecond
	}
	if len(opts.SkipRatios) == 0 {
		opts.SkipRatios = []int{0}
	}

	s := &Scheduler{
		plan:  plan,
		opts:  opts,
		log:   opts.Log,
		nodes: make(map[string]*nodeState, len(plan.Nodes)),
		order: plan.Order,
	}
	initial := opts.Profile()
	s.profile.Store(&initial)

	for id, pn := range plan.Nodes {
		inst, err := reg.New(pn.Desc.Type, id, pn.Desc.Config)
		if err != nil {
			return nil, verrors.Wrap(err, verrors.CodeUnknownNodeType, "instantiate node").
				WithContext("node", id)
		}
		st := &nodeState{
			id:      id,
			typ:     pn.Desc.Type,
			n:       inst,
			caps:    pn.Caps,
			fanIn:   pn.FanIn,
			fanOut:  make(map[string][]graph.EdgeDescriptor),
			breaker: newBreaker(opts.Breaker),
		}
		for _, e := range pn.FanOut {
			st.fanOut[e.FromPort] = append(st.fanOut[e.FromPort], e)
		}
		if pn.Caps.Lane == node.LaneAsync {
			st.queue = newQueue(opts.Engine.QueueDepth)
		}
		if len(pn.FanIn) > 1 {
			ports := make([]string, 0, len(pn.FanIn))
			for _, e := range pn.FanIn {
				ports = append(ports, e.ToPort)
			}
			st.asm = newAssembler(id, ports, opts.Engine.FramePeriod, opts.Engine.JoinSkew, func(ci *cycleInput) {
				s.dispatch(st, ci)
			})
		}
		s.nodes[id] = st
	}
	return s, nil
}

// Run executes the pipeline until the context is canceled. Setup and
// teardown bracket the run; teardown always executes.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return verrors.New(verrors.CodePipelineState, "scheduler already running")
	}
	defer s.running.Store(false)

	for _, id := range s.order {
		if err := s.nodes[id].n.Setup(ctx); err != nil {
			return verrors.NodeFailed(id, err)
		}
	}
	defer func() {
		for _, id := range s.order {
			st := s.nodes[id]
			st.stopped.Store(true)
			if err := st.n.Teardown(); err != nil {
				s.log.Warn("node teardown failed", "node", id, "error", err)
			}
		}
	}()

	g, runCtx := errgroup.WithContext(ctx)
	s.runCtx = runCtx

	// Async workers, one per async node, pulling from bounded queues.
	for _, id := range s.order {
		st := s.nodes[id]
		if st.queue == nil {
			continue
		}
		g.Go(func() error {
			for {
				ci, ok := st.queue.pop(runCtx)
				if !ok {
					return nil
				}
				queueDepth.WithLabelValues(st.id).Set(float64(st.queue.depth()))
				s.invoke(runCtx, st, ci)
			}
		})
	}

	// Control loop: drives source nodes at the frame period.
	g.Go(func() error {
		ticker := time.NewTicker(s.opts.Engine.FramePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown, not failure.
		return nil
	}
	return err
}

// tick runs one frame cycle: snapshot the resource profile, apply the
// frame-skip ratio, and dispatch every source node.
func (s *Scheduler) tick(ctx context.Context) {
	if s.paused.Load() {
		return
	}

	prof := s.opts.Profile()
	s.profile.Store(&prof)

	seq := atomic.AddUint64(&s.seq, 1)
	frameCycleTotal.Inc()

	if s.skipPending > 0 {
		s.skipPending--
		frameSkipTotal.Inc()
		return
	}
	s.skipPending = s.skipRatio(prof)

	cycleCtx := ctx
	if s.opts.Tracer != nil {
		var span trace.Span
		cycleCtx, span = s.opts.Tracer.StartCycle(ctx, seq)
		// Inline descendants run synchronously below; async work links to
		// the cycle span through the propagated context.
		defer span.End()
	}
	var deadline time.Time
	if s.opts.Engine.LatencyBudget > 0 {
		deadline = time.Now().Add(s.opts.Engine.LatencyBudget)
	}

	for _, id := range s.order {
		st := s.nodes[id]
		if !st.caps.Source {
			continue
		}
		s.invoke(cycleCtx, st, &cycleInput{seq: seq, inputs: node.Inputs{}, deadline: deadline, ctx: cycleCtx})
	}
}

func (s *Scheduler) skipRatio(prof model.ResourceProfile) int {
	idx := prof.FrameSkipRatio
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.opts.SkipRatios) {
		idx = len(s.opts.SkipRatios) - 1
	}
	return s.opts.SkipRatios[idx]
}

// dispatch hands an assembled cycle to a node: enqueued for async
// lanes, invoked synchronously in the producing goroutine for inline
// lanes.
func (s *Scheduler) dispatch(st *nodeState, ci *cycleInput) {
	if st.stopped.Load() {
		releaseInputs(ci.inputs)
		return
	}
	if st.queue != nil {
		for _, old := range st.queue.push(ci) {
			s.countDrops(st, old)
			releaseInputs(old.inputs)
		}
		queueDepth.WithLabelValues(st.id).Set(float64(st.queue.depth()))
		return
	}
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.invoke(ctx, st, ci)
}

// countDrops attributes an evicted cycle to the edges that delivered
// its inputs.
func (s *Scheduler) countDrops(st *nodeState, ci *cycleInput) {
	for port, p := range ci.inputs {
		if p == nil {
			continue
		}
		for _, e := range st.fanIn {
			if e.ToPort == port {
				edgeDropTotal.WithLabelValues(e.ID()).Inc()
			}
		}
	}
}

// invoke wraps one node invocation: circuit breaker, timeout, panic
// isolation, fallback routing. A node raising an error never
// terminates the pipeline.
func (s *Scheduler) invoke(ctx context.Context, st *nodeState, ci *cycleInput) {
	defer releaseInputs(ci.inputs)

	if st.stopped.Load() {
		return
	}

	// The cycle context carries the trace span across lanes; it derives
	// from the same run context, so cancellation is unaffected.
	if ci.ctx != nil {
		ctx = ci.ctx
	}

	now := time.Now()
	if !st.breaker.allow(now) {
		s.routeFallback(ctx, st, ci.seq, ci.deadline)
		return
	}

	var span trace.Span
	if s.opts.Tracer != nil {
		ctx, span = s.opts.Tracer.StartNode(ctx, st.id, st.typ, st.caps.Lane.String())
	}

	// The latency budget binds this invocation only; downstream
	// invocations derive their own deadline context so the cancel here
	// cannot reach them.
	execCtx := ctx
	if !ci.deadline.IsZero() {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithDeadline(ctx, ci.deadline)
		defer cancel()
	}

	ec := &node.ExecContext{
		Seq:         ci.seq,
		Profile:     *s.profile.Load(),
		FramePeriod: s.opts.Engine.FramePeriod,
		Log:         s.log.With("node", st.id),
		Frames:      s.opts.Frames,
	}

	outputs, err := s.runNode(execCtx, st, ec, ci)
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	if err != nil {
		atomic.AddInt64(&st.errors, 1)
		st.breaker.recordFailure(time.Now())
		kind := "error"
		if verrors.IsCode(err, verrors.CodeNodeTimeout) {
			kind = "timeout"
		} else if verrors.IsCode(err, verrors.CodeNodePanic) {
			kind = "panic"
		}
		nodeErrorTotal.WithLabelValues(st.id, kind).Inc()
		if st.breaker.current() != BreakerClosed {
			breakerStateGauge.WithLabelValues(st.id).Set(1)
			s.log.Warn("node degraded", "node", st.id, "error", err)
		} else {
			s.log.Debug("node invocation failed", "node", st.id, "error", err)
		}
		s.routeFallback(ctx, st, ci.seq, ci.deadline)
		return
	}

	st.breaker.recordSuccess()
	breakerStateGauge.WithLabelValues(st.id).Set(0)
	s.storeLastGood(st, outputs)
	if st.caps.Sink {
		s.observeSinkLatency(ci)
	}
	s.route(ctx, st, outputs, ci.deadline)
}

// runNode executes Process with panic recovery. Async invocations are
// bounded by the node timeout; an overrun counts as a failure for the
// circuit breaker and the eventual output is discarded.
func (s *Scheduler) runNode(ctx context.Context, st *nodeState, ec *node.ExecContext, ci *cycleInput) (node.Outputs, error) {
	call := func() (out node.Outputs, err error) {
		defer func() {
			if r := recover(); r != nil {
				out = nil
				err = verrors.New(verrors.CodeNodePanic, fmt.Sprintf("panic recovered: %v", r)).
					WithContext("node", st.id)
			}
		}()
		return st.n.Process(ctx, ec, ci.inputs)
	}

	if st.caps.Lane == node.LaneInline {
		return call()
	}

	timeout := s.opts.Engine.NodeTimeout
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out node.Outputs
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := call()
		done <- result{out, err}
	}()

	select {
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, verrors.ContextCanceled(st.id)
		}
		return nil, verrors.NodeTimeout(st.id, timeout.Milliseconds())
	case r := <-done:
		return r.out, r.err
	}
}

// route fans node outputs out along the plan edges. Frame payloads
// gain one reference per extra consumer.
func (s *Scheduler) route(ctx context.Context, st *nodeState, outputs node.Outputs, deadline time.Time) {
	for port, p := range outputs {
		if p == nil {
			continue
		}
		edges := st.fanOut[port]
		if len(edges) == 0 {
			releasePayload(p)
			continue
		}
		for i, e := range edges {
			out := p
			if i > 0 {
				out = retainPayload(p)
			}
			dst := s.nodes[e.To]
			if dst.asm != nil {
				dst.asm.add(ctx, e.ToPort, out, deadline)
			} else {
				s.dispatch(dst, &cycleInput{seq: out.Seq(), inputs: node.Inputs{e.ToPort: out}, deadline: deadline, ctx: ctx})
			}
		}
	}
}

// routeFallback applies the configured degraded-node policy:
// pass-through of the last good output restamped to the current
// sequence, or silence.
func (s *Scheduler) routeFallback(ctx context.Context, st *nodeState, seq uint64, deadline time.Time) {
	if s.opts.Breaker.Fallback != "last_good" {
		return
	}
	st.mu.Lock()
	last := st.lastGood
	st.mu.Unlock()
	if last == nil {
		return
	}
	restamped := make(node.Outputs, len(last))
	for port, p := range last {
		if p == nil {
			continue
		}
		restamped[port] = restamp(retainPayload(p), seq)
	}
	s.route(ctx, st, restamped, deadline)
}

func (s *Scheduler) storeLastGood(st *nodeState, outputs node.Outputs) {
	if len(outputs) == 0 {
		return
	}
	kept := make(node.Outputs, len(outputs))
	for port, p := range outputs {
		if p == nil {
			continue
		}
		kept[port] = retainPayload(p)
	}
	st.mu.Lock()
	prev := st.lastGood
	st.lastGood = kept
	st.mu.Unlock()
	for _, p := range prev {
		if p != nil {
			releasePayload(p)
		}
	}
}

func (s *Scheduler) observeSinkLatency(ci *cycleInput) {
	now := time.Now()
	for _, p := range ci.inputs {
		if fb, ok := p.(*model.FrameBundle); ok && fb != nil {
			frameLatency.Observe(fb.Latency(now).Seconds())
		}
	}
}

// Plan returns the validated plan this scheduler was built from.
func (s *Scheduler) Plan() *graph.Plan { return s.plan }

// Pause suspends frame cycles without tearing down node state.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume restarts frame cycles after a pause.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused reports whether the scheduler is paused.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Cycle returns the current frame cycle sequence number.
func (s *Scheduler) Cycle() uint64 { return atomic.LoadUint64(&s.seq) }

// NodeStatuses returns the control-surface view of every node in
// topological order.
func (s *Scheduler) NodeStatuses() []NodeStatus {
	out := make([]NodeStatus, 0, len(s.order))
	for _, id := range s.order {
		st := s.nodes[id]
		state := NodeActive
		switch {
		case st.stopped.Load():
			state = NodeStopped
		case st.breaker.current() != BreakerClosed:
			state = NodeDegraded
		}
		status := NodeStatus{
			ID:      id,
			Type:    st.typ,
			Lane:    st.caps.Lane.String(),
			State:   state,
			Errors:  atomic.LoadInt64(&st.errors),
			Breaker: st.breaker.current().String(),
		}
		if st.queue != nil {
			status.QueueLen = st.queue.depth()
		}
		if mr, ok := st.n.(node.MetricReporter); ok {
			status.Metrics = mr.Metrics()
		}
		out = append(out, status)
	}
	return out
}

// EdgeDrops returns cumulative dropped-bundle counts per async edge.
func (s *Scheduler) EdgeDrops() map[string]int64 {
	out := make(map[string]int64)
	for _, id := range s.order {
		st := s.nodes[id]
		if st.queue == nil {
			continue
		}
		total := st.queue.dropped()
		for _, e := range st.fanIn {
			out[e.ID()] = total
		}
	}
	return out
}

// QueueDepths returns the current async queue depth per node.
func (s *Scheduler) QueueDepths() map[string]int {
	out := make(map[string]int)
	for _, id := range s.order {
		st := s.nodes[id]
		if st.queue != nil {
			out[id] = st.queue.depth()
		}
	}
	return out
}

// retainPayload returns a payload safe to hand to one more consumer.
// Frame bundles gain a pixel-buffer reference; other payload kinds are
// immutable value aggregates and shared as-is.
func retainPayload(p model.Payload) model.Payload {
	if fb, ok := p.(*model.FrameBundle); ok && fb != nil {
		if fb.Pixels != nil {
			fb.Pixels.Retain()
		}
		cp := *fb
		return &cp
	}
	return p
}

// restamp rewrites a payload's sequence number for last-good
// pass-through so downstream joins stay frame-aligned.
func restamp(p model.Payload, seq uint64) model.Payload {
	switch v := p.(type) {
	case *model.FrameBundle:
		cp := *v
		cp.SeqNum = seq
		return &cp
	case *model.DetectionSet:
		cp := *v
		cp.FrameSeq = seq
		return &cp
	case *model.TrackSet:
		cp := *v
		cp.FrameSeq = seq
		return &cp
	case *model.Event:
		cp := *v
		cp.FrameSeq = seq
		return &cp
	case *model.EventSet:
		cp := *v
		cp.FrameSeq = seq
		cp.Items = make([]model.Event, len(v.Items))
		for i, ev := range v.Items {
			ev.FrameSeq = seq
			cp.Items[i] = ev
		}
		return &cp
	}
	return p
}
