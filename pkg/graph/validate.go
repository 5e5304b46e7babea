package graph

import (
	"sort"

	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/node"
)

// PlanNode is one validated node with its resolved capability
// descriptor and fan-in/fan-out edge sets.
type PlanNode struct {
	Desc   NodeDescriptor
	Caps   node.Capabilities
	FanIn  []EdgeDescriptor
	FanOut []EdgeDescriptor
}

// Plan is the executable output of validation: a topologically ordered
// node list plus per-node edge sets. A Plan is immutable.
type Plan struct {
	Name  string
	Order []string
	Nodes map[string]*PlanNode
	Edges []EdgeDescriptor
}

// Validate checks a descriptor against the registry and produces an
// executable plan. It fails fast: the first violated constraint is
// returned with the offending node/edge ids, and no partial plan is
// ever executed.
func Validate(d *Descriptor, reg *node.Registry) (*Plan, error) {
	if len(d.Nodes) == 0 {
		return nil, verrors.New(verrors.CodeDescriptorSyntax, "descriptor has no nodes")
	}

	plan := &Plan{
		Name:  d.Name,
		Nodes: make(map[string]*PlanNode, len(d.Nodes)),
		Edges: d.Edges,
	}

	// Resolve node types and reject duplicate ids.
	for _, nd := range d.Nodes {
		if _, dup := plan.Nodes[nd.ID]; dup {
			return nil, verrors.New(verrors.CodeDescriptorSyntax, "duplicate node id").
				WithContext("node", nd.ID)
		}
		caps, ok := reg.Caps(nd.Type)
		if !ok {
			return nil, verrors.New(verrors.CodeUnknownNodeType, "unknown node type").
				WithContext("node", nd.ID).
				WithContext("type", nd.Type)
		}
		plan.Nodes[nd.ID] = &PlanNode{Desc: nd, Caps: caps}
	}

	// Check edges: endpoints exist, ports declared, payload types match
	// on both ends.
	for _, e := range d.Edges {
		src, ok := plan.Nodes[e.From]
		if !ok {
			return nil, verrors.New(verrors.CodeDescriptorSyntax, "edge source node not found").
				WithContext("edge", e.ID()).
				WithContext("node", e.From)
		}
		dst, ok := plan.Nodes[e.To]
		if !ok {
			return nil, verrors.New(verrors.CodeDescriptorSyntax, "edge destination node not found").
				WithContext("edge", e.ID()).
				WithContext("node", e.To)
		}
		outPort, ok := src.Caps.Output(e.FromPort)
		if !ok {
			return nil, verrors.New(verrors.CodeDescriptorSyntax, "source port not declared").
				WithContext("edge", e.ID()).
				WithContext("port", e.FromPort)
		}
		inPort, ok := dst.Caps.Input(e.ToPort)
		if !ok {
			return nil, verrors.New(verrors.CodeDescriptorSyntax, "destination port not declared").
				WithContext("edge", e.ID()).
				WithContext("port", e.ToPort)
		}
		if !e.Payload.Valid() {
			return nil, verrors.New(verrors.CodeDescriptorSyntax, "unknown payload type").
				WithContext("edge", e.ID()).
				WithContext("payload", string(e.Payload))
		}
		if outPort.Payload != e.Payload {
			return nil, verrors.PortTypeMismatch(e.ID(), string(outPort.Payload), string(e.Payload))
		}
		if inPort.Payload != e.Payload {
			return nil, verrors.PortTypeMismatch(e.ID(), string(inPort.Payload), string(e.Payload))
		}

		src.FanOut = append(src.FanOut, e)
		dst.FanIn = append(dst.FanIn, e)
	}

	// Acyclicity comes before the port checks: a graph that loops is
	// broken at a more fundamental level than its port wiring.
	order, err := topoSort(plan)
	if err != nil {
		return nil, err
	}
	plan.Order = order

	// No two edges write the same input port.
	seenInput := make(map[string]string) // "node/port" -> edge id
	for _, e := range d.Edges {
		key := e.To + "/" + e.ToPort
		if prev, dup := seenInput[key]; dup {
			return nil, verrors.New(verrors.CodePortConflict, "two edges write the same input port").
				WithContext("edge", e.ID()).
				WithContext("conflicts_with", prev)
		}
		seenInput[key] = e.ID()
	}

	// Required input ports satisfied for every non-source node.
	for id, pn := range plan.Nodes {
		if pn.Caps.Source {
			continue
		}
		for _, p := range pn.Caps.Inputs {
			if !p.Required {
				continue
			}
			if _, ok := seenInput[id+"/"+p.Name]; !ok {
				return nil, verrors.New(verrors.CodePortUnsatisfied, "required input port has no incoming edge").
					WithContext("node", id).
					WithContext("port", p.Name)
			}
		}
	}

	if err := checkLiveness(plan); err != nil {
		return nil, err
	}

	return plan, nil
}

// topoSort runs Kahn's algorithm over the plan. Deterministic: ready
// nodes are processed in lexical id order.
func topoSort(plan *Plan) ([]string, error) {
	indegree := make(map[string]int, len(plan.Nodes))
	for id, pn := range plan.Nodes {
		indegree[id] = len(pn.FanIn)
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(plan.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := make([]string, 0, 2)
		for _, e := range plan.Nodes[id].FanOut {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
		sort.Strings(ready)
	}

	if len(order) != len(plan.Nodes) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, verrors.GraphCycle(cyclic)
	}
	return order, nil
}

// checkLiveness verifies every node is reachable from a source node
// and reaches a sink node.
func checkLiveness(plan *Plan) error {
	fromSource := make(map[string]bool, len(plan.Nodes))
	toSink := make(map[string]bool, len(plan.Nodes))

	var markDown func(id string)
	markDown = func(id string) {
		if fromSource[id] {
			return
		}
		fromSource[id] = true
		for _, e := range plan.Nodes[id].FanOut {
			markDown(e.To)
		}
	}
	var markUp func(id string)
	markUp = func(id string) {
		if toSink[id] {
			return
		}
		toSink[id] = true
		for _, e := range plan.Nodes[id].FanIn {
			markUp(e.From)
		}
	}

	for id, pn := range plan.Nodes {
		if pn.Caps.Source {
			markDown(id)
		}
		if pn.Caps.Sink {
			markUp(id)
		}
	}

	var dead []string
	for id := range plan.Nodes {
		if !fromSource[id] || !toSink[id] {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		sort.Strings(dead)
		return verrors.New(verrors.CodeDeadNode, "node not on any source-to-sink path").
			WithContext("nodes", dead)
	}
	return nil
}
