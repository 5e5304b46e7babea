package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:     "zone",
		Inputs:   []node.Port{{Name: "tracks", Payload: model.KindTracks, Required: true}},
		Outputs:  []node.Port{{Name: "events", Payload: model.KindEvent}},
		Lane:     node.LaneInline,
		Stateful: true,
	}, newZoneNode)

	node.Register(node.Capabilities{
		Type:     "line_cross",
		Inputs:   []node.Port{{Name: "tracks", Payload: model.KindTracks, Required: true}},
		Outputs:  []node.Port{{Name: "events", Payload: model.KindEvent}},
		Lane:     node.LaneInline,
		Stateful: true,
	}, newLineCrossNode)

	node.Register(node.Capabilities{
		Type:     "dwell",
		Inputs:   []node.Port{{Name: "tracks", Payload: model.KindTracks, Required: true}},
		Outputs:  []node.Port{{Name: "events", Payload: model.KindEvent}},
		Lane:     node.LaneInline,
		Stateful: true,
	}, newDwellNode)

	node.Register(node.Capabilities{
		Type:     "counter",
		Inputs:   []node.Port{{Name: "events", Payload: model.KindEvent, Required: true}},
		Outputs:  []node.Port{{Name: "events", Payload: model.KindEvent}},
		Lane:     node.LaneInline,
		Stateful: true,
	}, newCounterNode)
}

// polygon is a closed region in pixel coordinates.
type polygon [][2]float64

// contains tests point membership with the even-odd ray cast rule.
func (p polygon) contains(x, y float64) bool {
	inside := false
	n := len(p)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := p[i][0], p[i][1]
		xj, yj := p[j][0], p[j][1]
		if (yi > y) != (yj > y) &&
			x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// anchor returns the point used for zone membership: the bottom center
// of the box, which approximates where the object touches the ground.
func anchor(b model.BBox) (float64, float64) {
	cx, _ := b.Center()
	return cx, b.Y2
}

func newEvent(typ model.EventType, trackID int64, zoneID string, seq uint64) model.Event {
	return model.Event{
		EventID:   uuid.NewString(),
		TrackID:   trackID,
		EventType: typ,
		ZoneID:    zoneID,
		FrameSeq:  seq,
		Timestamp: time.Now(),
	}
}

// eligible reports whether a track participates in spatial logic.
// Tentative tracks are excluded; Lost tracks keep their membership but
// generate no transitions while coasting.
func eligible(t model.Track) bool {
	return t.State == model.TrackConfirmed
}

// zoneNode emits enter/exit events when confirmed tracks cross a
// polygon boundary.
type zoneNode struct {
	node.Base
	zoneID string
	poly   polygon

	inside map[int64]bool
}

func newZoneNode(id string, cfg map[string]any) (node.Node, error) {
	pts, err := cfgPoints(cfg, "polygon")
	if err != nil {
		return nil, fmt.Errorf("zone %s: %w", id, err)
	}
	if len(pts) < 3 {
		return nil, fmt.Errorf("zone %s: polygon needs at least 3 points", id)
	}
	caps, _ := node.Default().Caps("zone")
	return &zoneNode{
		Base:   node.Base{NodeID: id, C: caps},
		zoneID: cfgString(cfg, "zone_id", id),
		poly:   pts,
		inside: make(map[int64]bool),
	}, nil
}

func (z *zoneNode) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	ts, ok := in["tracks"].(*model.TrackSet)
	if !ok || ts == nil {
		return nil, nil
	}

	out := &model.EventSet{FrameSeq: ts.FrameSeq}
	seen := make(map[int64]bool, len(ts.Items))
	for _, t := range ts.Items {
		seen[t.ID] = true
		if !eligible(t) {
			continue
		}
		x, y := anchor(t.BBox)
		now := z.poly.contains(x, y)
		was := z.inside[t.ID]
		switch {
		case now && !was:
			out.Items = append(out.Items, newEvent(model.EventZoneEnter, t.ID, z.zoneID, ts.FrameSeq))
			z.inside[t.ID] = true
			z.Count("enters", 1)
		case !now && was:
			out.Items = append(out.Items, newEvent(model.EventZoneExit, t.ID, z.zoneID, ts.FrameSeq))
			delete(z.inside, t.ID)
			z.Count("exits", 1)
		}
	}
	// Tracks the tracker reaped vanish without an exit event; their
	// membership must not leak.
	for id := range z.inside {
		if !seen[id] {
			delete(z.inside, id)
		}
	}

	if len(out.Items) == 0 {
		return nil, nil
	}
	return node.Outputs{"events": out}, nil
}

// lineCrossNode emits an event when a track's anchor point crosses a
// directed line segment. Value carries the crossing sign: +1 for
// left-to-right of the segment direction, -1 for the reverse.
type lineCrossNode struct {
	node.Base
	zoneID string
	a, b   [2]float64

	lastSide map[int64]int
}

func newLineCrossNode(id string, cfg map[string]any) (node.Node, error) {
	pts, err := cfgPoints(cfg, "line")
	if err != nil {
		return nil, fmt.Errorf("line_cross %s: %w", id, err)
	}
	if len(pts) != 2 {
		return nil, fmt.Errorf("line_cross %s: line needs exactly 2 points", id)
	}
	caps, _ := node.Default().Caps("line_cross")
	return &lineCrossNode{
		Base:     node.Base{NodeID: id, C: caps},
		zoneID:   cfgString(cfg, "zone_id", id),
		a:        pts[0],
		b:        pts[1],
		lastSide: make(map[int64]int),
	}, nil
}

func (l *lineCrossNode) side(x, y float64) int {
	cross := (l.b[0]-l.a[0])*(y-l.a[1]) - (l.b[1]-l.a[1])*(x-l.a[0])
	switch {
	case cross > 0:
		return 1
	case cross < 0:
		return -1
	}
	return 0
}

func (l *lineCrossNode) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	ts, ok := in["tracks"].(*model.TrackSet)
	if !ok || ts == nil {
		return nil, nil
	}

	out := &model.EventSet{FrameSeq: ts.FrameSeq}
	seen := make(map[int64]bool, len(ts.Items))
	for _, t := range ts.Items {
		seen[t.ID] = true
		if !eligible(t) {
			continue
		}
		x, y := anchor(t.BBox)
		side := l.side(x, y)
		if side == 0 {
			continue
		}
		prev, known := l.lastSide[t.ID]
		l.lastSide[t.ID] = side
		if known && prev != side {
			ev := newEvent(model.EventLineCross, t.ID, l.zoneID, ts.FrameSeq)
			ev.Value = int64(side)
			out.Items = append(out.Items, ev)
			l.Count("crossings", 1)
		}
	}
	for id := range l.lastSide {
		if !seen[id] {
			delete(l.lastSide, id)
		}
	}

	if len(out.Items) == 0 {
		return nil, nil
	}
	return node.Outputs{"events": out}, nil
}

// dwellNode emits one dwell_exceeded event per visit once a track has
// stayed inside the polygon for the configured number of frames.
type dwellNode struct {
	node.Base
	zoneID    string
	poly      polygon
	minFrames int

	frames  map[int64]int
	emitted map[int64]bool
}

func newDwellNode(id string, cfg map[string]any) (node.Node, error) {
	pts, err := cfgPoints(cfg, "polygon")
	if err != nil {
		return nil, fmt.Errorf("dwell %s: %w", id, err)
	}
	if len(pts) < 3 {
		return nil, fmt.Errorf("dwell %s: polygon needs at least 3 points", id)
	}
	caps, _ := node.Default().Caps("dwell")
	return &dwellNode{
		Base:      node.Base{NodeID: id, C: caps},
		zoneID:    cfgString(cfg, "zone_id", id),
		poly:      pts,
		minFrames: cfgInt(cfg, "min_frames", 90),
		frames:    make(map[int64]int),
		emitted:   make(map[int64]bool),
	}, nil
}

func (d *dwellNode) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	ts, ok := in["tracks"].(*model.TrackSet)
	if !ok || ts == nil {
		return nil, nil
	}

	out := &model.EventSet{FrameSeq: ts.FrameSeq}
	seen := make(map[int64]bool, len(ts.Items))
	for _, t := range ts.Items {
		seen[t.ID] = true
		if !eligible(t) {
			continue
		}
		x, y := anchor(t.BBox)
		if !d.poly.contains(x, y) {
			delete(d.frames, t.ID)
			delete(d.emitted, t.ID)
			continue
		}
		d.frames[t.ID]++
		if d.frames[t.ID] >= d.minFrames && !d.emitted[t.ID] {
			ev := newEvent(model.EventDwellExceeded, t.ID, d.zoneID, ts.FrameSeq)
			ev.Value = int64(d.frames[t.ID])
			out.Items = append(out.Items, ev)
			d.emitted[t.ID] = true
			d.Count("dwell_events", 1)
		}
	}
	for id := range d.frames {
		if !seen[id] {
			delete(d.frames, id)
			delete(d.emitted, id)
		}
	}

	if len(out.Items) == 0 {
		return nil, nil
	}
	return node.Outputs{"events": out}, nil
}

// counterNode accumulates upstream events and republishes a running
// total. Filtering by event type is optional.
type counterNode struct {
	node.Base
	zoneID string
	match  model.EventType

	total int64
}

func newCounterNode(id string, cfg map[string]any) (node.Node, error) {
	caps, _ := node.Default().Caps("counter")
	return &counterNode{
		Base:   node.Base{NodeID: id, C: caps},
		zoneID: cfgString(cfg, "zone_id", id),
		match:  model.EventType(cfgString(cfg, "event_type", "")),
	}, nil
}

func (c *counterNode) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	es, ok := in["events"].(*model.EventSet)
	if !ok || es == nil {
		return nil, nil
	}

	matched := 0
	for _, ev := range es.Items {
		if c.match != "" && ev.EventType != c.match {
			continue
		}
		matched++
	}
	if matched == 0 {
		return nil, nil
	}
	c.total += int64(matched)
	c.SetMetric("total", c.total)

	ev := newEvent(model.EventCount, 0, c.zoneID, es.FrameSeq)
	ev.Value = c.total
	return node.Outputs{"events": &model.EventSet{
		FrameSeq: es.FrameSeq,
		Items:    []model.Event{ev},
	}}, nil
}
