package model

import "testing"

func TestBBoxIOU(t *testing.T) {
	cases := []struct {
		name string
		a, b BBox
		want float64
	}{
		{"identical", BBox{0, 0, 10, 10}, BBox{0, 0, 10, 10}, 1},
		{"disjoint", BBox{0, 0, 10, 10}, BBox{20, 20, 30, 30}, 0},
		{"touching", BBox{0, 0, 10, 10}, BBox{10, 0, 20, 10}, 0},
		{"half overlap", BBox{0, 0, 10, 10}, BBox{5, 0, 15, 10}, 50.0 / 150.0},
	}
	for _, c := range cases {
		if got := c.a.IOU(c.b); got != c.want {
			t.Errorf("%s: IOU = %v, want %v", c.name, got, c.want)
		}
		// IOU is symmetric.
		if got := c.b.IOU(c.a); got != c.want {
			t.Errorf("%s: reversed IOU = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestBBoxDegenerate(t *testing.T) {
	inverted := BBox{X1: 10, Y1: 10, X2: 0, Y2: 0}
	if inverted.Width() != 0 || inverted.Height() != 0 || inverted.Area() != 0 {
		t.Errorf("inverted box has non-zero extent: %+v", inverted)
	}
	if got := inverted.IOU(BBox{0, 0, 10, 10}); got != 0 {
		t.Errorf("IOU with degenerate box = %v", got)
	}
}

func TestPayloadKinds(t *testing.T) {
	for _, k := range []PayloadKind{KindFrame, KindDetections, KindTracks, KindEvent} {
		if !k.Valid() {
			t.Errorf("%q not valid", k)
		}
	}
	if PayloadKind("pixels").Valid() {
		t.Error("unknown kind accepted")
	}
}

func TestPayloadSeq(t *testing.T) {
	payloads := []Payload{
		&FrameBundle{SeqNum: 9},
		&DetectionSet{FrameSeq: 9},
		&TrackSet{FrameSeq: 9},
		&Event{FrameSeq: 9},
		&EventSet{FrameSeq: 9},
	}
	for _, p := range payloads {
		if p.Seq() != 9 {
			t.Errorf("%T.Seq() = %d", p, p.Seq())
		}
	}
}
