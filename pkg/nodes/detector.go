package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:     "detector",
		Inputs:   []node.Port{{Name: "frames", Payload: model.KindFrame, Required: true}},
		Outputs:  []node.Port{{Name: "detections", Payload: model.KindDetections}},
		Lane:     node.LaneAsync,
		Stateful: true,
	}, newDetector)

	RegisterBackend("threshold", func(cfg map[string]any) (Backend, error) {
		return &thresholdBackend{
			minIntensity: cfgInt(cfg, "min_intensity", 200),
			minArea:      cfgFloat(cfg, "min_area", 64),
			class:        cfgString(cfg, "class", "object"),
		}, nil
	})
}

// Backend is the inference engine abstraction. Implementations wrap an
// accelerator runtime; the built-in threshold backend is a pure-Go
// stand-in used for tests and hardware-free development.
type Backend interface {
	// Load prepares the model variant for a precision tier label
	// ("fp32", "fp16", "int8"). Called on setup and again whenever the
	// controller shifts the precision tier.
	Load(ctx context.Context, precision string) error
	// Infer runs one frame and returns raw detections.
	Infer(ctx context.Context, frame *model.FrameBundle) ([]model.Detection, error)
	// Close releases the loaded model.
	Close() error
}

// BackendFactory constructs a backend from node config.
type BackendFactory func(cfg map[string]any) (Backend, error)

var (
	backendMu sync.RWMutex
	backends  = make(map[string]BackendFactory)
)

// RegisterBackend adds an inference backend implementation. Duplicate
// names panic at init time.
func RegisterBackend(name string, f BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if _, dup := backends[name]; dup {
		panic(fmt.Sprintf("nodes: backend %q registered twice", name))
	}
	backends[name] = f
}

func newBackend(name string, cfg map[string]any) (Backend, error) {
	backendMu.RLock()
	f, ok := backends[name]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown inference backend: %s", name)
	}
	return f(cfg)
}

// detectorNode runs the inference backend on the async lane. It swaps
// model precision variants when the resource profile shifts.
type detectorNode struct {
	node.Base
	backend    Backend
	confidence float64
	precisions []string

	loadedTier int
}

func newDetector(id string, cfg map[string]any) (node.Node, error) {
	backendName := cfgString(cfg, "backend", "threshold")
	backend, err := newBackend(backendName, cfg)
	if err != nil {
		return nil, fmt.Errorf("detector %s: %w", id, err)
	}

	precisions := []string{"fp32", "fp16", "int8"}
	if v, ok := cfg["precisions"]; ok {
		if list, ok := v.([]any); ok {
			precisions = precisions[:0]
			for _, item := range list {
				if s, ok := item.(string); ok {
					precisions = append(precisions, s)
				}
			}
		}
	}

	caps, _ := node.Default().Caps("detector")
	return &detectorNode{
		Base:       node.Base{NodeID: id, C: caps},
		backend:    backend,
		confidence: cfgFloat(cfg, "confidence", 0.25),
		precisions: precisions,
		loadedTier: -1,
	}, nil
}

func (d *detectorNode) Setup(ctx context.Context) error {
	return d.reload(ctx, 0)
}

func (d *detectorNode) Teardown() error {
	return d.backend.Close()
}

func (d *detectorNode) reload(ctx context.Context, tier int) error {
	if tier < 0 {
		tier = 0
	}
	if tier >= len(d.precisions) {
		tier = len(d.precisions) - 1
	}
	if tier == d.loadedTier {
		return nil
	}
	if err := d.backend.Load(ctx, d.precisions[tier]); err != nil {
		return fmt.Errorf("detector %s: load %s: %w", d.NodeID, d.precisions[tier], err)
	}
	d.loadedTier = tier
	d.Count("model_reloads", 1)
	return nil
}

func (d *detectorNode) Process(ctx context.Context, ec *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	frame, ok := in["frames"].(*model.FrameBundle)
	if !ok || frame == nil {
		return nil, nil
	}

	if err := d.reload(ctx, ec.Profile.PrecisionTier); err != nil {
		return nil, err
	}

	dets, err := d.backend.Infer(ctx, frame)
	if err != nil {
		return nil, err
	}

	out := &model.DetectionSet{FrameSeq: frame.SeqNum}
	for _, det := range dets {
		if det.Confidence < d.confidence {
			continue
		}
		det.FrameSeq = frame.SeqNum
		out.Items = append(out.Items, det)
	}
	d.Count("inferences", 1)
	d.SetMetric("last_detections", int64(len(out.Items)))
	return node.Outputs{"detections": out}, nil
}

// thresholdBackend finds connected bright regions. Detection quality is
// crude but deterministic, which is exactly what pipeline tests need.
type thresholdBackend struct {
	minIntensity int
	minArea      float64
	class        string
	precision    string
}

func (t *thresholdBackend) Load(_ context.Context, precision string) error {
	t.precision = precision
	return nil
}

func (t *thresholdBackend) Close() error { return nil }

func (t *thresholdBackend) Infer(_ context.Context, frame *model.FrameBundle) ([]model.Detection, error) {
	if frame.Pixels == nil {
		return nil, nil
	}
	w, h, ch := frame.Width, frame.Height, frame.Channels
	data := frame.Pixels.Data

	// Union bright pixels into row-interval blobs: cheap single-pass
	// connected components, good enough for synthetic scenes.
	labels := make([]int, w*h)
	var boxes []model.BBox
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if int(data[(y*w+x)*ch]) < t.minIntensity {
				continue
			}
			idx := y*w + x
			label := 0
			if x > 0 && labels[idx-1] != 0 {
				label = labels[idx-1]
			} else if y > 0 && labels[idx-w] != 0 {
				label = labels[idx-w]
			}
			if label == 0 {
				boxes = append(boxes, model.BBox{X1: float64(x), Y1: float64(y), X2: float64(x + 1), Y2: float64(y + 1)})
				label = len(boxes)
			} else {
				b := &boxes[label-1]
				b.X1 = min(b.X1, float64(x))
				b.Y1 = min(b.Y1, float64(y))
				b.X2 = max(b.X2, float64(x+1))
				b.Y2 = max(b.Y2, float64(y+1))
			}
			labels[idx] = label
		}
	}

	var dets []model.Detection
	for _, b := range boxes {
		if b.Area() < t.minArea {
			continue
		}
		dets = append(dets, model.Detection{
			BBox:       b,
			Class:      t.class,
			Confidence: 0.9,
		})
	}
	sort.Slice(dets, func(i, j int) bool { return dets[i].BBox.X1 < dets[j].BBox.X1 })
	return dets, nil
}
