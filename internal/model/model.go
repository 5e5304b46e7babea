// Package model defines the core data structures flowing through a
// VisionFlow pipeline: frame bundles, detections, tracks and events.
package model

import (
	"time"
)

// PayloadKind identifies the declared payload type carried by an edge.
type PayloadKind string

const (
	KindFrame      PayloadKind = "frame"
	KindDetections PayloadKind = "detections"
	KindTracks     PayloadKind = "tracks"
	KindEvent      PayloadKind = "event"
)

// Valid reports whether k names a known payload kind.
func (k PayloadKind) Valid() bool {
	switch k {
	case KindFrame, KindDetections, KindTracks, KindEvent:
		return true
	}
	return false
}

// Payload is the unit of data routed along pipeline edges.
// Every payload carries the sequence number of the frame cycle that
// produced it so joins and drop accounting stay frame-aligned.
type Payload interface {
	Kind() PayloadKind
	Seq() uint64
}

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width, clamped at zero.
func (b BBox) Width() float64 {
	if b.X2 < b.X1 {
		return 0
	}
	return b.X2 - b.X1
}

// Height returns the box height, clamped at zero.
func (b BBox) Height() float64 {
	if b.Y2 < b.Y1 {
		return 0
	}
	return b.Y2 - b.Y1
}

// Area returns the box area.
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// Intersect returns the intersection of two boxes. The zero BBox is
// returned when the boxes do not overlap.
func (b BBox) Intersect(o BBox) BBox {
	r := BBox{
		X1: max(b.X1, o.X1),
		Y1: max(b.Y1, o.Y1),
		X2: min(b.X2, o.X2),
		Y2: min(b.Y2, o.Y2),
	}
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return BBox{}
	}
	return r
}

// IOU returns the intersection-over-union overlap ratio of two boxes.
func (b BBox) IOU(o BBox) float64 {
	inter := b.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Center returns the box center point.
func (b BBox) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Detection is a single detector output for one frame.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	FrameSeq   uint64  `json:"frame_seq"`
}

// DetectionSet carries all detections produced for one frame cycle.
type DetectionSet struct {
	FrameSeq uint64      `json:"frame_seq"`
	Items    []Detection `json:"items"`
}

// Kind implements Payload.
func (d *DetectionSet) Kind() PayloadKind { return KindDetections }

// Seq implements Payload.
func (d *DetectionSet) Seq() uint64 { return d.FrameSeq }

// TrackState is the lifecycle state of a track.
type TrackState int

const (
	TrackTentative TrackState = iota
	TrackConfirmed
	TrackLost
	TrackDeleted
)

// String returns the lowercase state name.
func (s TrackState) String() string {
	switch s {
	case TrackTentative:
		return "tentative"
	case TrackConfirmed:
		return "confirmed"
	case TrackLost:
		return "lost"
	case TrackDeleted:
		return "deleted"
	}
	return "unknown"
}

// Track is the externally visible view of a tracked object. The tracker
// owns the underlying estimator state; consumers only ever see copies.
type Track struct {
	ID              int64      `json:"track_id"`
	State           TrackState `json:"state"`
	BBox            BBox       `json:"bbox"`
	Class           string     `json:"class"`
	Hits            int        `json:"hits"`
	TimeSinceUpdate int        `json:"time_since_update"`
	Age             int        `json:"age"`
	// History holds the most recent matched boxes, oldest first, capped
	// by the tracker's history size.
	History []BBox `json:"bbox_history,omitempty"`
}

// TrackSet carries the tracker output for one frame cycle.
type TrackSet struct {
	FrameSeq uint64  `json:"frame_seq"`
	Items    []Track `json:"items"`
}

// Kind implements Payload.
func (t *TrackSet) Kind() PayloadKind { return KindTracks }

// Seq implements Payload.
func (t *TrackSet) Seq() uint64 { return t.FrameSeq }

// EventType classifies logic-node events.
type EventType string

const (
	EventZoneEnter    EventType = "zone_enter"
	EventZoneExit     EventType = "zone_exit"
	EventLineCross    EventType = "line_cross"
	EventDwellExceeded EventType = "dwell_exceeded"
	EventCount        EventType = "count"
)

// Event is a logic-node output delivered to sinks.
type Event struct {
	EventID   string    `json:"event_id"`
	TrackID   int64     `json:"track_id"`
	EventType EventType `json:"event_type"`
	ZoneID    string    `json:"zone_id"`
	Value     int64     `json:"value,omitempty"`
	FrameSeq  uint64    `json:"frame_seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Kind implements Payload.
func (e *Event) Kind() PayloadKind { return KindEvent }

// Seq implements Payload.
func (e *Event) Seq() uint64 { return e.FrameSeq }

// EventSet carries every event a logic node emitted for one frame
// cycle. It travels on event-kind edges; sinks fan the items out.
type EventSet struct {
	FrameSeq uint64  `json:"frame_seq"`
	Items    []Event `json:"items"`
}

// Kind implements Payload.
func (e *EventSet) Kind() PayloadKind { return KindEvent }

// Seq implements Payload.
func (e *EventSet) Seq() uint64 { return e.FrameSeq }
