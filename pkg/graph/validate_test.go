package graph

import (
	"testing"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/node"
)

// testRegistry builds a registry with minimal source/transform/sink
// types so validation can be exercised without the real node packages.
func testRegistry(t *testing.T) *node.Registry {
	t.Helper()
	reg := node.NewRegistry()
	reg.Register(node.Capabilities{
		Type:    "cam",
		Source:  true,
		Outputs: []node.Port{{Name: "frames", Payload: model.KindFrame}},
	}, nil)
	reg.Register(node.Capabilities{
		Type:    "proc",
		Inputs:  []node.Port{{Name: "in", Payload: model.KindFrame, Required: true}},
		Outputs: []node.Port{{Name: "out", Payload: model.KindFrame}},
	}, nil)
	reg.Register(node.Capabilities{
		Type:    "det",
		Inputs:  []node.Port{{Name: "frames", Payload: model.KindFrame, Required: true}},
		Outputs: []node.Port{{Name: "detections", Payload: model.KindDetections}},
	}, nil)
	reg.Register(node.Capabilities{
		Type:   "out",
		Sink:   true,
		Inputs: []node.Port{{Name: "in", Payload: model.KindFrame, Required: true}},
	}, nil)
	return reg
}

func frameEdge(from, to string) EdgeDescriptor {
	return EdgeDescriptor{From: from, FromPort: "frames", To: to, ToPort: "in", Payload: model.KindFrame}
}

func TestValidateLinearPipeline(t *testing.T) {
	d := &Descriptor{
		Name: "linear",
		Nodes: []NodeDescriptor{
			{ID: "c", Type: "cam"},
			{ID: "p", Type: "proc"},
			{ID: "s", Type: "out"},
		},
		Edges: []EdgeDescriptor{
			frameEdge("c", "p"),
			{From: "p", FromPort: "out", To: "s", ToPort: "in", Payload: model.KindFrame},
		},
	}

	plan, err := Validate(d, testRegistry(t))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := []string{"c", "p", "s"}
	if len(plan.Order) != len(want) {
		t.Fatalf("order length = %d, want %d", len(plan.Order), len(want))
	}
	for i, id := range want {
		if plan.Order[i] != id {
			t.Errorf("order[%d] = %q, want %q", i, plan.Order[i], id)
		}
	}
	if got := len(plan.Nodes["c"].FanOut); got != 1 {
		t.Errorf("source fan-out = %d, want 1", got)
	}
	if got := len(plan.Nodes["s"].FanIn); got != 1 {
		t.Errorf("sink fan-in = %d, want 1", got)
	}
}

func TestValidateTopoOrderDeterministic(t *testing.T) {
	// Two parallel branches: ties must break in lexical id order so
	// repeated loads of the same descriptor produce identical plans.
	d := &Descriptor{
		Nodes: []NodeDescriptor{
			{ID: "src", Type: "cam"},
			{ID: "b", Type: "proc"},
			{ID: "a", Type: "proc"},
			{ID: "sink_a", Type: "out"},
			{ID: "sink_b", Type: "out"},
		},
		Edges: []EdgeDescriptor{
			frameEdge("src", "a"),
			frameEdge("src", "b"),
			{From: "a", FromPort: "out", To: "sink_a", ToPort: "in", Payload: model.KindFrame},
			{From: "b", FromPort: "out", To: "sink_b", ToPort: "in", Payload: model.KindFrame},
		},
	}

	reg := testRegistry(t)
	first, err := Validate(d, reg)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for i := 0; i < 10; i++ {
		plan, err := Validate(d, reg)
		if err != nil {
			t.Fatalf("Validate run %d: %v", i, err)
		}
		for j := range first.Order {
			if plan.Order[j] != first.Order[j] {
				t.Fatalf("run %d order %v differs from %v", i, plan.Order, first.Order)
			}
		}
	}
	if first.Order[1] != "a" || first.Order[2] != "b" {
		t.Errorf("tie not broken lexically: %v", first.Order)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	d := &Descriptor{
		Nodes: []NodeDescriptor{
			{ID: "c", Type: "cam"},
			{ID: "p1", Type: "proc"},
			{ID: "p2", Type: "proc"},
			{ID: "s", Type: "out"},
		},
		Edges: []EdgeDescriptor{
			frameEdge("c", "p1"),
			{From: "p1", FromPort: "out", To: "p2", ToPort: "in", Payload: model.KindFrame},
			{From: "p2", FromPort: "out", To: "p1", ToPort: "in", Payload: model.KindFrame},
			{From: "p2", FromPort: "out", To: "s", ToPort: "in", Payload: model.KindFrame},
		},
	}

	_, err := Validate(d, testRegistry(t))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	// The back-edge also double-writes p1/in, but acyclicity is checked
	// first so the cycle is what gets reported.
	if verrors.GetCode(err) != verrors.CodeGraphCycle {
		t.Fatalf("code = %s, want %s (err=%v)", verrors.GetCode(err), verrors.CodeGraphCycle, err)
	}
}

func TestValidateRejectsPortConflict(t *testing.T) {
	d := &Descriptor{
		Nodes: []NodeDescriptor{
			{ID: "c", Type: "cam"},
			{ID: "p1", Type: "proc"},
			{ID: "p2", Type: "proc"},
			{ID: "s", Type: "out"},
		},
		Edges: []EdgeDescriptor{
			frameEdge("c", "p1"),
			frameEdge("c", "p2"),
			// second writer on p2/in; the graph stays acyclic
			{From: "p1", FromPort: "out", To: "p2", ToPort: "in", Payload: model.KindFrame},
			{From: "p2", FromPort: "out", To: "s", ToPort: "in", Payload: model.KindFrame},
		},
	}

	_, err := Validate(d, testRegistry(t))
	if verrors.GetCode(err) != verrors.CodePortConflict {
		t.Fatalf("code = %s, want %s (err=%v)", verrors.GetCode(err), verrors.CodePortConflict, err)
	}
}

func TestValidateRejectsTypeMismatch(t *testing.T) {
	d := &Descriptor{
		Nodes: []NodeDescriptor{
			{ID: "c", Type: "cam"},
			{ID: "d", Type: "det"},
			{ID: "s", Type: "out"},
		},
		Edges: []EdgeDescriptor{
			{From: "c", FromPort: "frames", To: "d", ToPort: "frames", Payload: model.KindFrame},
			// detections wired into a frame input
			{From: "d", FromPort: "detections", To: "s", ToPort: "in", Payload: model.KindDetections},
		},
	}

	_, err := Validate(d, testRegistry(t))
	if verrors.GetCode(err) != verrors.CodePortTypeMismatch {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodePortTypeMismatch)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	d := &Descriptor{
		Nodes: []NodeDescriptor{{ID: "x", Type: "warp_drive"}},
	}
	_, err := Validate(d, testRegistry(t))
	if verrors.GetCode(err) != verrors.CodeUnknownNodeType {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodeUnknownNodeType)
	}
}

func TestValidateRejectsUnsatisfiedInput(t *testing.T) {
	d := &Descriptor{
		Nodes: []NodeDescriptor{
			{ID: "c", Type: "cam"},
			{ID: "p", Type: "proc"}, // required input never wired
			{ID: "s", Type: "out"},
		},
		Edges: []EdgeDescriptor{
			{From: "p", FromPort: "out", To: "s", ToPort: "in", Payload: model.KindFrame},
		},
	}
	_, err := Validate(d, testRegistry(t))
	if verrors.GetCode(err) != verrors.CodePortUnsatisfied {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodePortUnsatisfied)
	}
}

func TestValidateRejectsDeadNode(t *testing.T) {
	d := &Descriptor{
		Nodes: []NodeDescriptor{
			{ID: "c", Type: "cam"},
			{ID: "s", Type: "out"},
			{ID: "orphan", Type: "cam"}, // source reaching no sink
		},
		Edges: []EdgeDescriptor{frameEdge("c", "s")},
	}
	_, err := Validate(d, testRegistry(t))
	if verrors.GetCode(err) != verrors.CodeDeadNode {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodeDeadNode)
	}
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	d := &Descriptor{
		Nodes: []NodeDescriptor{
			{ID: "c", Type: "cam"},
			{ID: "c", Type: "cam"},
		},
	}
	_, err := Validate(d, testRegistry(t))
	if verrors.GetCode(err) != verrors.CodeDescriptorSyntax {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodeDescriptorSyntax)
	}
}

func TestValidateRejectsEmptyDescriptor(t *testing.T) {
	_, err := Validate(&Descriptor{}, testRegistry(t))
	if !verrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadYAMLRoundTrip(t *testing.T) {
	src := []byte(`
name: demo
nodes:
  - id: c
    type: cam
  - id: s
    type: out
    config:
      every_n_frames: 10
edges:
  - from: c
    from_port: frames
    to: s
    to_port: in
    payload: frame
`)
	d, err := LoadYAML(src)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if d.Name != "demo" || len(d.Nodes) != 2 || len(d.Edges) != 1 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if d.Edges[0].Payload != model.KindFrame {
		t.Errorf("payload = %q, want frame", d.Edges[0].Payload)
	}
	if _, err := Validate(d, testRegistry(t)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadJSONSchemaRejected(t *testing.T) {
	// nodes must be an array of objects with id and type.
	bad := []byte(`{"name":"x","nodes":[{"id":"a"}],"edges":[]}`)
	if _, err := LoadJSON(bad); err == nil {
		t.Fatal("expected schema validation error")
	}
}
