package track

import (
	"sort"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/config"
)

// entry is the tracker-private state for one track. Track state is
// exclusively owned by the Tracker instance; consumers only ever see
// model.Track copies.
type entry struct {
	id        int64
	kf        *kalmanFilter
	class     string
	state     model.TrackState
	hits      int
	hitStreak int
	age       int
	// timeSinceUpdate resets to 0 exactly on a successful association,
	// never otherwise.
	timeSinceUpdate int
	predicted       model.BBox
	history         *historyRing
}

// Tracker maintains stable track identities across frames despite
// detector noise, occlusion and variable frame rate.
type Tracker struct {
	cfg    config.TrackerConfig
	tracks []*entry
	nextID int64
}

// New creates a tracker with the given configuration.
func New(cfg config.TrackerConfig) *Tracker {
	if cfg.IOUThreshold <= 0 {
		cfg.IOUThreshold = 0.3
	}
	if cfg.MinHits <= 0 {
		cfg.MinHits = 3
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	return &Tracker{cfg: cfg, nextID: 1}
}

// Update runs one predict/associate/update cycle against the detection
// set for a frame and returns the surviving tracks. Association is
// deterministic given identical inputs: ties break toward the lowest
// track id.
func (t *Tracker) Update(frameSeq uint64, detections []model.Detection) *model.TrackSet {
	// Predict: advance every motion model one step.
	for _, e := range t.tracks {
		e.predicted = e.kf.predict()
		e.age++
	}

	matches, unmatchedTracks, unmatchedDets := t.associate(detections)

	// Update matched tracks.
	for _, m := range matches {
		e := t.tracks[m.trackIdx]
		d := detections[m.detIdx]
		e.kf.update(d.BBox)
		e.hits++
		e.hitStreak++
		e.timeSinceUpdate = 0
		e.class = d.Class
		e.history.push(e.kf.currentBox())
		if e.state == model.TrackTentative && e.hitStreak >= t.cfg.MinHits {
			e.state = model.TrackConfirmed
		}
	}

	// Unmatched tracks age out.
	for _, idx := range unmatchedTracks {
		e := t.tracks[idx]
		e.timeSinceUpdate++
		e.hitStreak = 0
		if e.timeSinceUpdate > t.cfg.MaxAge {
			e.state = model.TrackDeleted
		}
	}

	// Unmatched detections spawn new tentative tracks.
	for _, idx := range unmatchedDets {
		d := detections[idx]
		e := &entry{
			id:      t.nextID,
			kf:      newKalmanFilter(d.BBox),
			class:   d.Class,
			state:   model.TrackTentative,
			hits:    1,
			hitStreak: 1,
			history: newHistoryRing(t.cfg.HistorySize),
		}
		e.history.push(d.BBox)
		// Track ids are never reused within a pipeline run.
		t.nextID++
		if t.cfg.MinHits <= 1 {
			e.state = model.TrackConfirmed
		}
		t.tracks = append(t.tracks, e)
	}

	out := &model.TrackSet{FrameSeq: frameSeq}
	kept := t.tracks[:0]
	for _, e := range t.tracks {
		if e.state == model.TrackDeleted {
			// Reaped: the id never reappears.
			continue
		}
		kept = append(kept, e)
		out.Items = append(out.Items, e.view())
	}
	t.tracks = kept

	sort.Slice(out.Items, func(i, j int) bool {
		return out.Items[i].ID < out.Items[j].ID
	})
	return out
}

// ActiveCount returns the number of live tracks.
func (t *Tracker) ActiveCount() int {
	return len(t.tracks)
}

func (e *entry) view() model.Track {
	state := e.state
	// Confirmed tracks with a rising miss counter are reported Lost.
	if state == model.TrackConfirmed && e.timeSinceUpdate > 0 {
		state = model.TrackLost
	}
	return model.Track{
		ID:              e.id,
		State:           state,
		BBox:            e.kf.currentBox(),
		Class:           e.class,
		Hits:            e.hits,
		TimeSinceUpdate: e.timeSinceUpdate,
		Age:             e.age,
		History:         e.history.snapshot(),
	}
}

type match struct {
	trackIdx int
	detIdx   int
	cost     float64
}

// associate solves the assignment between predicted track boxes and
// detections greedily on IOU cost, rejecting pairs above the
// configured threshold.
func (t *Tracker) associate(detections []model.Detection) (matches []match, unmatchedTracks, unmatchedDets []int) {
	if len(t.tracks) == 0 || len(detections) == 0 {
		for i := range t.tracks {
			unmatchedTracks = append(unmatchedTracks, i)
		}
		for i := range detections {
			unmatchedDets = append(unmatchedDets, i)
		}
		return nil, unmatchedTracks, unmatchedDets
	}

	maxCost := 1 - t.cfg.IOUThreshold
	candidates := make([]match, 0, len(t.tracks)*len(detections))
	for ti, e := range t.tracks {
		for di, d := range detections {
			cost := 1 - e.predicted.IOU(d.BBox)
			if cost <= maxCost {
				candidates = append(candidates, match{trackIdx: ti, detIdx: di, cost: cost})
			}
		}
	}

	// Deterministic greedy: lowest cost first, ties broken by lowest
	// track id, then detection index.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if t.tracks[a.trackIdx].id != t.tracks[b.trackIdx].id {
			return t.tracks[a.trackIdx].id < t.tracks[b.trackIdx].id
		}
		return a.detIdx < b.detIdx
	})

	usedTrack := make(map[int]bool, len(t.tracks))
	usedDet := make(map[int]bool, len(detections))
	for _, c := range candidates {
		if usedTrack[c.trackIdx] || usedDet[c.detIdx] {
			continue
		}
		usedTrack[c.trackIdx] = true
		usedDet[c.detIdx] = true
		matches = append(matches, c)
	}

	for i := range t.tracks {
		if !usedTrack[i] {
			unmatchedTracks = append(unmatchedTracks, i)
		}
	}
	for i := range detections {
		if !usedDet[i] {
			unmatchedDets = append(unmatchedDets, i)
		}
	}
	return matches, unmatchedTracks, unmatchedDets
}

// historyRing is a bounded ring of recent track boxes.
type historyRing struct {
	buf  []model.BBox
	next int
	full bool
}

func newHistoryRing(n int) *historyRing {
	return &historyRing{buf: make([]model.BBox, n)}
}

func (r *historyRing) push(b model.BBox) {
	r.buf[r.next] = b
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the history oldest-first.
func (r *historyRing) snapshot() []model.BBox {
	if !r.full {
		out := make([]model.BBox, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]model.BBox, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
