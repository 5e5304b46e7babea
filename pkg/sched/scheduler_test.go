package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/config"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/node"
)

// emitSource produces one detection set per frame cycle.
type emitSource struct{ node.Base }

func (s *emitSource) Process(_ context.Context, ec *node.ExecContext, _ node.Inputs) (node.Outputs, error) {
	return node.Outputs{"out": &model.DetectionSet{FrameSeq: ec.Seq}}, nil
}

// collectSink records every payload sequence it receives.
type collectSink struct {
	node.Base
	mu   sync.Mutex
	seqs []uint64
}

func (s *collectSink) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	p := in["in"]
	if p == nil {
		return nil, nil
	}
	s.mu.Lock()
	s.seqs = append(s.seqs, p.Seq())
	s.mu.Unlock()
	return nil, nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

func (s *collectSink) all() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.seqs))
	copy(out, s.seqs)
	return out
}

// flakyNode succeeds for the first okCalls invocations, then fails.
type flakyNode struct {
	node.Base
	mu      sync.Mutex
	calls   int
	okCalls int
	panics  bool
}

func (f *flakyNode) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n > f.okCalls {
		if f.panics {
			panic("synthetic node fault")
		}
		return nil, errors.New("synthetic node fault")
	}
	p := in["in"]
	if p == nil {
		return nil, nil
	}
	return node.Outputs{"out": &model.DetectionSet{FrameSeq: p.Seq()}}, nil
}

// slowNode delays each invocation; used to saturate async queues.
type slowNode struct {
	node.Base
	delay time.Duration
}

func (s *slowNode) Process(ctx context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	p := in["in"]
	if p == nil {
		return nil, nil
	}
	return node.Outputs{"out": &model.DetectionSet{FrameSeq: p.Seq()}}, nil
}

type testPipeline struct {
	plan *graph.Plan
	reg  *node.Registry
	sink *collectSink
}

// buildPipeline wires src -> mid -> sink with the given middle node, or
// src -> sink when mid is nil.
func buildPipeline(t *testing.T, mid node.Node, midCaps node.Capabilities) *testPipeline {
	t.Helper()

	reg := node.NewRegistry()
	sink := &collectSink{}

	srcCaps := node.Capabilities{
		Type:    "emit",
		Source:  true,
		Outputs: []node.Port{{Name: "out", Payload: model.KindDetections}},
	}
	sinkCaps := node.Capabilities{
		Type:   "collect",
		Sink:   true,
		Inputs: []node.Port{{Name: "in", Payload: model.KindDetections, Required: true}},
	}
	reg.Register(srcCaps, func(id string, _ map[string]any) (node.Node, error) {
		return &emitSource{Base: node.Base{NodeID: id, C: srcCaps}}, nil
	})
	reg.Register(sinkCaps, func(id string, _ map[string]any) (node.Node, error) {
		sink.NodeID = id
		sink.C = sinkCaps
		return sink, nil
	})

	d := &graph.Descriptor{Name: "test"}
	if mid == nil {
		d.Nodes = []graph.NodeDescriptor{{ID: "src", Type: "emit"}, {ID: "sink", Type: "collect"}}
		d.Edges = []graph.EdgeDescriptor{
			{From: "src", FromPort: "out", To: "sink", ToPort: "in", Payload: model.KindDetections},
		}
	} else {
		reg.Register(midCaps, func(id string, _ map[string]any) (node.Node, error) {
			return mid, nil
		})
		d.Nodes = []graph.NodeDescriptor{
			{ID: "src", Type: "emit"},
			{ID: "mid", Type: midCaps.Type},
			{ID: "sink", Type: "collect"},
		}
		d.Edges = []graph.EdgeDescriptor{
			{From: "src", FromPort: "out", To: "mid", ToPort: "in", Payload: model.KindDetections},
			{From: "mid", FromPort: "out", To: "sink", ToPort: "in", Payload: model.KindDetections},
		}
	}

	plan, err := graph.Validate(d, reg)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return &testPipeline{plan: plan, reg: reg, sink: sink}
}

func startScheduler(t *testing.T, tp *testPipeline, opts Options) (*Scheduler, context.CancelFunc, <-chan error) {
	t.Helper()
	if opts.Engine.FramePeriod == 0 {
		opts.Engine.FramePeriod = 2 * time.Millisecond
	}
	s, err := New(tp.plan, tp.reg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return s, cancel, errCh
}

func waitSink(t *testing.T, sink *collectSink, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sink.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, have %d", n, sink.count())
}

func TestSchedulerDeliversInOrder(t *testing.T) {
	tp := buildPipeline(t, nil, node.Capabilities{})
	s, cancel, errCh := startScheduler(t, tp, Options{})

	waitSink(t, tp.sink, 5)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	seqs := tp.sink.all()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("out-of-order delivery: %v", seqs)
		}
	}
	if s.Cycle() == 0 {
		t.Error("cycle counter never advanced")
	}
}

func TestSchedulerPauseResume(t *testing.T) {
	tp := buildPipeline(t, nil, node.Capabilities{})
	s, _, _ := startScheduler(t, tp, Options{})

	waitSink(t, tp.sink, 3)
	s.Pause()
	if !s.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	time.Sleep(10 * time.Millisecond) // drain in-flight cycles
	before := tp.sink.count()
	time.Sleep(30 * time.Millisecond)
	if after := tp.sink.count(); after != before {
		t.Fatalf("deliveries continued while paused: %d -> %d", before, after)
	}

	s.Resume()
	waitSink(t, tp.sink, before+3)
}

func TestSchedulerIsolatesPanickingNode(t *testing.T) {
	midCaps := node.Capabilities{
		Type:    "flaky",
		Inputs:  []node.Port{{Name: "in", Payload: model.KindDetections, Required: true}},
		Outputs: []node.Port{{Name: "out", Payload: model.KindDetections}},
	}
	mid := &flakyNode{Base: node.Base{NodeID: "mid", C: midCaps}, okCalls: 0, panics: true}
	tp := buildPipeline(t, mid, midCaps)

	s, cancel, errCh := startScheduler(t, tp, Options{
		Breaker: config.BreakerConfig{FailureThreshold: 2, Fallback: "silence"},
	})

	// Pipeline must keep cycling past repeated panics.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var midStatus NodeStatus
		for _, st := range s.NodeStatuses() {
			if st.ID == "mid" {
				midStatus = st
			}
		}
		if midStatus.Errors >= 2 && midStatus.State == NodeDegraded {
			cancel()
			if err := <-errCh; err != nil {
				t.Fatalf("Run: %v", err)
			}
			if tp.sink.count() != 0 {
				t.Errorf("silence fallback still delivered %d payloads", tp.sink.count())
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("panicking node never degraded")
}

func TestSchedulerLastGoodFallback(t *testing.T) {
	midCaps := node.Capabilities{
		Type:    "flaky",
		Inputs:  []node.Port{{Name: "in", Payload: model.KindDetections, Required: true}},
		Outputs: []node.Port{{Name: "out", Payload: model.KindDetections}},
	}
	mid := &flakyNode{Base: node.Base{NodeID: "mid", C: midCaps}, okCalls: 2}
	tp := buildPipeline(t, mid, midCaps)

	_, cancel, errCh := startScheduler(t, tp, Options{
		Breaker: config.BreakerConfig{FailureThreshold: 3, Fallback: "last_good"},
	})

	// Well past okCalls the sink must still receive restamped payloads.
	waitSink(t, tp.sink, 10)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := map[uint64]bool{}
	for _, seq := range tp.sink.all() {
		if seen[seq] {
			t.Fatalf("fallback payload not restamped, duplicate seq %d", seq)
		}
		seen[seq] = true
	}
}

func TestSchedulerAsyncQueueDrops(t *testing.T) {
	midCaps := node.Capabilities{
		Type:    "slow",
		Lane:    node.LaneAsync,
		Inputs:  []node.Port{{Name: "in", Payload: model.KindDetections, Required: true}},
		Outputs: []node.Port{{Name: "out", Payload: model.KindDetections}},
	}
	mid := &slowNode{Base: node.Base{NodeID: "mid", C: midCaps}, delay: 25 * time.Millisecond}
	tp := buildPipeline(t, mid, midCaps)

	s, cancel, errCh := startScheduler(t, tp, Options{
		Engine: config.EngineConfig{
			FramePeriod: 2 * time.Millisecond,
			QueueDepth:  1,
			NodeTimeout: time.Second,
		},
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var total int64
		for _, n := range s.EdgeDrops() {
			total += n
		}
		if total > 0 {
			cancel()
			if err := <-errCh; err != nil {
				t.Fatalf("Run: %v", err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("saturated async queue never dropped")
}

func TestSchedulerSetupFailureAborts(t *testing.T) {
	midCaps := node.Capabilities{
		Type:    "badsetup",
		Inputs:  []node.Port{{Name: "in", Payload: model.KindDetections, Required: true}},
		Outputs: []node.Port{{Name: "out", Payload: model.KindDetections}},
	}
	mid := &badSetupNode{Base: node.Base{NodeID: "mid", C: midCaps}}
	tp := buildPipeline(t, mid, midCaps)

	s, err := New(tp.plan, tp.reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Run(context.Background())
	if verrors.GetCode(err) != verrors.CodeNodeFailed {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodeNodeFailed)
	}
}

// deadlineNode records whether each invocation context carried a
// deadline.
type deadlineNode struct {
	node.Base
	mu    sync.Mutex
	calls []bool
}

func (n *deadlineNode) Process(ctx context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	_, ok := ctx.Deadline()
	n.mu.Lock()
	n.calls = append(n.calls, ok)
	n.mu.Unlock()
	p := in["in"]
	if p == nil {
		return nil, nil
	}
	return node.Outputs{"out": &model.DetectionSet{FrameSeq: p.Seq()}}, nil
}

func (n *deadlineNode) seen() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]bool, len(n.calls))
	copy(out, n.calls)
	return out
}

func TestSchedulerLatencyBudgetReachesDownstreamNodes(t *testing.T) {
	for _, lane := range []node.Lane{node.LaneInline, node.LaneAsync} {
		t.Run(lane.String(), func(t *testing.T) {
			midCaps := node.Capabilities{
				Type:    "watch",
				Lane:    lane,
				Inputs:  []node.Port{{Name: "in", Payload: model.KindDetections, Required: true}},
				Outputs: []node.Port{{Name: "out", Payload: model.KindDetections}},
			}
			mid := &deadlineNode{Base: node.Base{NodeID: "mid", C: midCaps}}
			tp := buildPipeline(t, mid, midCaps)

			_, cancel, errCh := startScheduler(t, tp, Options{
				Engine: config.EngineConfig{
					FramePeriod:   2 * time.Millisecond,
					LatencyBudget: 500 * time.Millisecond,
					NodeTimeout:   time.Second,
				},
			})

			waitSink(t, tp.sink, 3)
			cancel()
			if err := <-errCh; err != nil {
				t.Fatalf("Run: %v", err)
			}

			calls := mid.seen()
			if len(calls) == 0 {
				t.Fatal("downstream node never invoked")
			}
			for i, ok := range calls {
				if !ok {
					t.Fatalf("invocation %d: context has no deadline; latency budget not propagated", i)
				}
			}
		})
	}
}

// countingTracer stamps a marker into the cycle context so node span
// starts can verify they inherited it, across lanes.
type countingTracer struct {
	mu     sync.Mutex
	cycles int
	nodes  []string
	linked int
}

type cycleMarker struct{}

var noopTracer = noop.NewTracerProvider().Tracer("test")

func (c *countingTracer) StartCycle(ctx context.Context, seq uint64) (context.Context, trace.Span) {
	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()
	_, span := noopTracer.Start(ctx, "cycle")
	return context.WithValue(ctx, cycleMarker{}, seq), span
}

func (c *countingTracer) StartNode(ctx context.Context, nodeID, nodeType, lane string) (context.Context, trace.Span) {
	c.mu.Lock()
	c.nodes = append(c.nodes, nodeID)
	if ctx.Value(cycleMarker{}) != nil {
		c.linked++
	}
	c.mu.Unlock()
	_, span := noopTracer.Start(ctx, "node")
	return ctx, span
}

func TestSchedulerTracerSpansEveryInvocation(t *testing.T) {
	tr := &countingTracer{}
	tp := buildPipeline(t, nil, node.Capabilities{})
	_, cancel, errCh := startScheduler(t, tp, Options{Tracer: tr})

	waitSink(t, tp.sink, 3)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.cycles == 0 {
		t.Fatal("no cycle spans started")
	}
	seen := map[string]bool{}
	for _, id := range tr.nodes {
		seen[id] = true
	}
	if !seen["src"] || !seen["sink"] {
		t.Fatalf("node spans missing: %v", tr.nodes)
	}
	if tr.linked != len(tr.nodes) {
		t.Errorf("%d/%d node spans lost the cycle context", len(tr.nodes)-tr.linked, len(tr.nodes))
	}
}

func TestRestampEventSet(t *testing.T) {
	in := &model.EventSet{
		FrameSeq: 3,
		Items: []model.Event{
			{EventID: "a", FrameSeq: 3},
			{EventID: "b", FrameSeq: 3},
		},
	}
	out, ok := restamp(in, 9).(*model.EventSet)
	if !ok {
		t.Fatalf("restamp returned %T", restamp(in, 9))
	}
	if out.FrameSeq != 9 {
		t.Errorf("set FrameSeq = %d, want 9", out.FrameSeq)
	}
	for i, ev := range out.Items {
		if ev.FrameSeq != 9 {
			t.Errorf("item %d FrameSeq = %d, want 9", i, ev.FrameSeq)
		}
	}
	// The stored last-good copy must stay untouched.
	if in.FrameSeq != 3 || in.Items[0].FrameSeq != 3 {
		t.Errorf("restamp mutated the original: %+v", in)
	}
}

type badSetupNode struct{ node.Base }

func (n *badSetupNode) Setup(context.Context) error {
	return errors.New("device unavailable")
}

func (n *badSetupNode) Process(context.Context, *node.ExecContext, node.Inputs) (node.Outputs, error) {
	return nil, nil
}
