package nodes

import (
	"context"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/node"
	"github.com/visionflow/visionflow/pkg/track"
)

func init() {
	node.Register(node.Capabilities{
		Type:     "tracker",
		Inputs:   []node.Port{{Name: "detections", Payload: model.KindDetections, Required: true}},
		Outputs:  []node.Port{{Name: "tracks", Payload: model.KindTracks}},
		Lane:     node.LaneAsync,
		Stateful: true,
	}, newTrackerNode)
}

// trackerNode wraps the multi-object tracking core. It is stateful and
// async: association plus Kalman updates can exceed the inline budget
// on crowded scenes.
type trackerNode struct {
	node.Base
	tk *track.Tracker
}

func newTrackerNode(id string, cfg map[string]any) (node.Node, error) {
	tc := config.TrackerConfig{
		IOUThreshold: cfgFloat(cfg, "iou_threshold", 0.3),
		MinHits:      cfgInt(cfg, "min_hits", 3),
		MaxAge:       cfgInt(cfg, "max_age", 10),
		HistorySize:  cfgInt(cfg, "history_size", 32),
	}
	caps, _ := node.Default().Caps("tracker")
	return &trackerNode{
		Base: node.Base{NodeID: id, C: caps},
		tk:   track.New(tc),
	}, nil
}

func (t *trackerNode) Process(_ context.Context, ec *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	var items []model.Detection
	seq := ec.Seq
	if ds, ok := in["detections"].(*model.DetectionSet); ok && ds != nil {
		items = ds.Items
		seq = ds.FrameSeq
	}
	// A nil detection set (dropped upstream) still advances the motion
	// models so track ages stay frame-aligned.
	out := t.tk.Update(seq, items)
	t.SetMetric("active_tracks", int64(t.tk.ActiveCount()))
	return node.Outputs{"tracks": out}, nil
}
