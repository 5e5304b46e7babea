package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:    "resize",
		Inputs:  []node.Port{{Name: "frames", Payload: model.KindFrame, Required: true}},
		Outputs: []node.Port{{Name: "frames", Payload: model.KindFrame}},
		Lane:    node.LaneInline,
	}, newResize)

	node.Register(node.Capabilities{
		Type:    "grayscale",
		Inputs:  []node.Port{{Name: "frames", Payload: model.KindFrame, Required: true}},
		Outputs: []node.Port{{Name: "frames", Payload: model.KindFrame}},
		Lane:    node.LaneInline,
	}, newGrayscale)

	node.Register(node.Capabilities{
		Type:     "background_subtract",
		Inputs:   []node.Port{{Name: "frames", Payload: model.KindFrame, Required: true}},
		Outputs:  []node.Port{{Name: "frames", Payload: model.KindFrame}},
		Lane:     node.LaneInline,
		Stateful: true,
	}, newBackgroundSubtract)
}

// resizeNode downsamples frames to the resolution tier selected by the
// resource controller. Tier 0 passes frames through untouched.
type resizeNode struct {
	node.Base
	tiers [][2]int
}

func newResize(id string, cfg map[string]any) (node.Node, error) {
	labels := []string{"1280x720", "640x480", "320x240"}
	if v, ok := cfg["tiers"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("resize %s: tiers must be a list", id)
		}
		labels = labels[:0]
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("resize %s: tier entries must be strings", id)
			}
			labels = append(labels, s)
		}
	}
	tiers := make([][2]int, 0, len(labels))
	for _, l := range labels {
		w, h, err := parseResolution(l)
		if err != nil {
			return nil, fmt.Errorf("resize %s: %w", id, err)
		}
		tiers = append(tiers, [2]int{w, h})
	}
	caps, _ := node.Default().Caps("resize")
	return &resizeNode{Base: node.Base{NodeID: id, C: caps}, tiers: tiers}, nil
}

func parseResolution(s string) (w, h int, err error) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad resolution %q", s)
	}
	w, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad resolution %q", s)
	}
	h, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad resolution %q", s)
	}
	return w, h, nil
}

func (r *resizeNode) Process(_ context.Context, ec *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	frame, ok := in["frames"].(*model.FrameBundle)
	if !ok || frame == nil {
		return nil, nil
	}

	tier := ec.Profile.ResolutionTier
	if tier < 0 {
		tier = 0
	}
	if tier >= len(r.tiers) {
		tier = len(r.tiers) - 1
	}
	w, h := r.tiers[tier][0], r.tiers[tier][1]
	if w >= frame.Width && h >= frame.Height {
		// Already at or below the target tier.
		return node.Outputs{"frames": frame.WithProvenance(r.NodeID)}, nil
	}

	dst, err := ec.Frames.Get(w * h * frame.Channels)
	if err != nil {
		r.Count("budget_drops", 1)
		return nil, nil
	}
	nearestNeighbor(dst.Data, w, h, frame.Pixels.Data, frame.Width, frame.Height, frame.Channels)
	r.Count("resized", 1)

	out := &model.FrameBundle{
		Pixels:     dst,
		Width:      w,
		Height:     h,
		Channels:   frame.Channels,
		Captured:   frame.Captured,
		SeqNum:     frame.SeqNum,
		Provenance: appendProvenance(frame.Provenance, r.NodeID),
	}
	return node.Outputs{"frames": out}, nil
}

func nearestNeighbor(dst []byte, dw, dh int, src []byte, sw, sh, ch int) {
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			si := (sy*sw + sx) * ch
			di := (y*dw + x) * ch
			copy(dst[di:di+ch], src[si:si+ch])
		}
	}
}

func appendProvenance(prov []string, nodeID string) []string {
	out := make([]string, 0, len(prov)+1)
	out = append(out, prov...)
	return append(out, nodeID)
}

// grayscaleNode collapses RGB frames to a single luma channel.
type grayscaleNode struct {
	node.Base
}

func newGrayscale(id string, cfg map[string]any) (node.Node, error) {
	caps, _ := node.Default().Caps("grayscale")
	return &grayscaleNode{Base: node.Base{NodeID: id, C: caps}}, nil
}

func (g *grayscaleNode) Process(_ context.Context, ec *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	frame, ok := in["frames"].(*model.FrameBundle)
	if !ok || frame == nil {
		return nil, nil
	}
	if frame.Channels == 1 {
		return node.Outputs{"frames": frame.WithProvenance(g.NodeID)}, nil
	}

	dst, err := ec.Frames.Get(frame.Width * frame.Height)
	if err != nil {
		g.Count("budget_drops", 1)
		return nil, nil
	}
	src := frame.Pixels.Data
	ch := frame.Channels
	for i := 0; i < frame.Width*frame.Height; i++ {
		p := i * ch
		// Integer Rec.601 luma.
		dst.Data[i] = byte((299*int(src[p]) + 587*int(src[p+1]) + 114*int(src[p+2])) / 1000)
	}

	out := &model.FrameBundle{
		Pixels:     dst,
		Width:      frame.Width,
		Height:     frame.Height,
		Channels:   1,
		Captured:   frame.Captured,
		SeqNum:     frame.SeqNum,
		Provenance: appendProvenance(frame.Provenance, g.NodeID),
	}
	return node.Outputs{"frames": out}, nil
}

// backgroundSubtract maintains a running-average background model and
// emits the foreground mask. Frames whose geometry changes (a resize
// tier shift upstream) reset the model.
type backgroundSubtract struct {
	node.Base
	alpha     float64
	threshold int

	bg     []float64
	bgW    int
	bgH    int
	bgCh   int
	primed bool
}

func newBackgroundSubtract(id string, cfg map[string]any) (node.Node, error) {
	caps, _ := node.Default().Caps("background_subtract")
	return &backgroundSubtract{
		Base:      node.Base{NodeID: id, C: caps},
		alpha:     cfgFloat(cfg, "alpha", 0.05),
		threshold: cfgInt(cfg, "threshold", 25),
	}, nil
}

func (b *backgroundSubtract) Process(_ context.Context, ec *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	frame, ok := in["frames"].(*model.FrameBundle)
	if !ok || frame == nil {
		return nil, nil
	}
	src := frame.Pixels.Data

	if !b.primed || b.bgW != frame.Width || b.bgH != frame.Height || b.bgCh != frame.Channels {
		b.bg = make([]float64, len(src))
		for i, v := range src {
			b.bg[i] = float64(v)
		}
		b.bgW, b.bgH, b.bgCh = frame.Width, frame.Height, frame.Channels
		b.primed = true
		b.Count("model_resets", 1)
		// First frame after a reset is all background.
	}

	dst, err := ec.Frames.Get(len(src))
	if err != nil {
		b.Count("budget_drops", 1)
		return nil, nil
	}
	for i, v := range src {
		diff := float64(v) - b.bg[i]
		if diff < 0 {
			diff = -diff
		}
		if int(diff) > b.threshold {
			dst.Data[i] = 255
		} else {
			dst.Data[i] = 0
		}
		b.bg[i] += b.alpha * (float64(v) - b.bg[i])
	}

	out := &model.FrameBundle{
		Pixels:     dst,
		Width:      frame.Width,
		Height:     frame.Height,
		Channels:   frame.Channels,
		Captured:   frame.Captured,
		SeqNum:     frame.SeqNum,
		Provenance: appendProvenance(frame.Provenance, b.NodeID),
	}
	return node.Outputs{"frames": out}, nil
}
