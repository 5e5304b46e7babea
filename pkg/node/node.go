// Package node defines the capability contract every pipeline node
// implements, plus the registry mapping type names to factories.
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/internal/pool"
)

// Lane classifies how the scheduler executes a node.
type Lane int

const (
	// LaneInline nodes run synchronously in the control goroutine.
	// They must be sub-millisecond and must never block.
	LaneInline Lane = iota
	// LaneAsync nodes run on their own worker goroutine behind a
	// bounded input queue (DL inference, tracking update).
	LaneAsync
)

// String returns the lane name.
func (l Lane) String() string {
	if l == LaneAsync {
		return "async"
	}
	return "inline"
}

// Port declares one named input or output of a node type.
type Port struct {
	Name     string
	Payload  model.PayloadKind
	Required bool
}

// Capabilities describes what a node type consumes and produces and
// how it must be scheduled.
type Capabilities struct {
	Type     string
	Inputs   []Port
	Outputs  []Port
	Lane     Lane
	Stateful bool
	// Source marks input nodes (no required inputs, drive the cadence).
	Source bool
	// Sink marks output nodes.
	Sink bool
}

// Input returns the declared input port with the given name.
func (c Capabilities) Input(name string) (Port, bool) {
	for _, p := range c.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Output returns the declared output port with the given name.
func (c Capabilities) Output(name string) (Port, bool) {
	for _, p := range c.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Inputs maps input port names to the payloads delivered for one cycle.
// A required port may map to nil when the producing branch dropped its
// bundle and the join timed out; nodes must tolerate that.
type Inputs map[string]model.Payload

// Outputs maps output port names to produced payloads.
type Outputs map[string]model.Payload

// ExecContext carries per-cycle execution state into a node invocation.
type ExecContext struct {
	// Seq is the frame cycle sequence number.
	Seq uint64
	// Profile is the resource profile snapshot taken at cycle start.
	Profile model.ResourceProfile
	// FramePeriod is the nominal inter-frame interval.
	FramePeriod time.Duration
	// Log is the pipeline logger scoped to the node.
	Log *slog.Logger
	// Frames is the shared frame buffer pool.
	Frames *pool.BufferPool
}

// Node is the fixed capability interface implemented by every node
// variant. The scheduler only ever talks to this interface; the
// registry performs name-to-constructor lookup.
type Node interface {
	// ID returns the instance id from the graph descriptor.
	ID() string
	// Caps returns the static capability descriptor.
	Caps() Capabilities
	// Setup initializes resources before the first cycle.
	Setup(ctx context.Context) error
	// Process runs one frame cycle.
	Process(ctx context.Context, ec *ExecContext, in Inputs) (Outputs, error)
	// Teardown releases resources after the last cycle.
	Teardown() error
}

// Base provides common node plumbing: id, capabilities and a per-node
// metrics map surfaced through the control surface.
type Base struct {
	NodeID string
	C      Capabilities

	mu      sync.Mutex
	metrics map[string]int64
}

// ID implements Node.
func (b *Base) ID() string { return b.NodeID }

// Caps implements Node.
func (b *Base) Caps() Capabilities { return b.C }

// Setup implements Node as a no-op.
func (b *Base) Setup(ctx context.Context) error { return nil }

// Teardown implements Node as a no-op.
func (b *Base) Teardown() error { return nil }

// Count increments a named node metric.
func (b *Base) Count(name string, delta int64) {
	b.mu.Lock()
	if b.metrics == nil {
		b.metrics = make(map[string]int64)
	}
	b.metrics[name] += delta
	b.mu.Unlock()
}

// SetMetric sets a named node metric.
func (b *Base) SetMetric(name string, v int64) {
	b.mu.Lock()
	if b.metrics == nil {
		b.metrics = make(map[string]int64)
	}
	b.metrics[name] = v
	b.mu.Unlock()
}

// Metrics returns a copy of the node's metrics map.
func (b *Base) Metrics() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.metrics))
	for k, v := range b.metrics {
		out[k] = v
	}
	return out
}

// MetricReporter is implemented by nodes exposing per-node metrics.
type MetricReporter interface {
	Metrics() map[string]int64
}
