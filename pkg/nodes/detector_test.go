package nodes

import (
	"context"
	"testing"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/node"
)

// brightSquare paints a w*h single-channel frame with a bright square.
func brightSquare(t *testing.T, ec *node.ExecContext, w, h, x0, y0, side int) *model.FrameBundle {
	t.Helper()
	pixels := make([]byte, w*h)
	for y := y0; y < y0+side; y++ {
		for x := x0; x < x0+side; x++ {
			pixels[y*w+x] = 255
		}
	}
	return makeFrame(t, ec.Frames, w, h, 1, pixels)
}

func TestThresholdBackendFindsBlob(t *testing.T) {
	n, err := node.Default().New("detector", "d1", map[string]any{
		"min_area": 4.0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer n.Teardown()

	ec := execCtx(model.ResourceProfile{})
	frame := brightSquare(t, ec, 16, 16, 4, 6, 3)
	out, err := n.Process(context.Background(), ec, node.Inputs{"frames": frame})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	ds := out["detections"].(*model.DetectionSet)
	if len(ds.Items) != 1 {
		t.Fatalf("%d detections, want 1", len(ds.Items))
	}
	d := ds.Items[0]
	if d.BBox.X1 != 4 || d.BBox.Y1 != 6 || d.BBox.X2 != 7 || d.BBox.Y2 != 9 {
		t.Errorf("bbox = %+v", d.BBox)
	}
	if d.FrameSeq != frame.SeqNum {
		t.Errorf("FrameSeq = %d, want %d", d.FrameSeq, frame.SeqNum)
	}
	if d.Class != "object" {
		t.Errorf("class = %q", d.Class)
	}
}

func TestThresholdBackendMinAreaFilter(t *testing.T) {
	n, _ := node.Default().New("detector", "d1", map[string]any{
		"min_area": 16.0,
	})
	n.Setup(context.Background())
	defer n.Teardown()

	ec := execCtx(model.ResourceProfile{})
	// 2x2 blob: area 4, below the floor.
	frame := brightSquare(t, ec, 16, 16, 2, 2, 2)
	out, _ := n.Process(context.Background(), ec, node.Inputs{"frames": frame})
	ds := out["detections"].(*model.DetectionSet)
	if len(ds.Items) != 0 {
		t.Fatalf("undersized blob detected: %v", ds.Items)
	}
}

func TestThresholdBackendMultipleBlobsSorted(t *testing.T) {
	n, _ := node.Default().New("detector", "d1", map[string]any{
		"min_area": 4.0,
	})
	n.Setup(context.Background())
	defer n.Teardown()

	ec := execCtx(model.ResourceProfile{})
	pixels := make([]byte, 32*16)
	for _, x0 := range []int{20, 2} { // paint right blob first
		for y := 4; y < 8; y++ {
			for x := x0; x < x0+4; x++ {
				pixels[y*32+x] = 255
			}
		}
	}
	frame := makeFrame(t, ec.Frames, 32, 16, 1, pixels)

	out, _ := n.Process(context.Background(), ec, node.Inputs{"frames": frame})
	ds := out["detections"].(*model.DetectionSet)
	if len(ds.Items) != 2 {
		t.Fatalf("%d detections, want 2", len(ds.Items))
	}
	if ds.Items[0].BBox.X1 != 2 || ds.Items[1].BBox.X1 != 20 {
		t.Errorf("detections not sorted by X1: %v %v", ds.Items[0].BBox, ds.Items[1].BBox)
	}
}

func TestDetectorReloadsOnPrecisionShift(t *testing.T) {
	n, _ := node.Default().New("detector", "d1", nil)
	n.Setup(context.Background())
	defer n.Teardown()

	ec := execCtx(model.ResourceProfile{PrecisionTier: 0})
	frame := brightSquare(t, ec, 16, 16, 4, 4, 4)
	n.Process(context.Background(), ec, node.Inputs{"frames": frame})

	mr := n.(interface{ Metrics() map[string]int64 })
	if got := mr.Metrics()["model_reloads"]; got != 1 {
		t.Fatalf("model_reloads after setup = %d, want 1", got)
	}

	// Controller shifts the precision tier: one reload.
	ec2 := execCtx(model.ResourceProfile{PrecisionTier: 2})
	frame = brightSquare(t, ec2, 16, 16, 4, 4, 4)
	n.Process(context.Background(), ec2, node.Inputs{"frames": frame})
	if got := mr.Metrics()["model_reloads"]; got != 2 {
		t.Fatalf("model_reloads after shift = %d, want 2", got)
	}

	// Same tier again: no reload.
	frame = brightSquare(t, ec2, 16, 16, 4, 4, 4)
	n.Process(context.Background(), ec2, node.Inputs{"frames": frame})
	if got := mr.Metrics()["model_reloads"]; got != 2 {
		t.Fatalf("model_reloads unchanged tier = %d, want 2", got)
	}
}

func TestDetectorUnknownBackendRejected(t *testing.T) {
	_, err := node.Default().New("detector", "d1", map[string]any{
		"backend": "cuda_trt",
	})
	if err == nil {
		t.Fatal("unknown backend accepted")
	}
}
