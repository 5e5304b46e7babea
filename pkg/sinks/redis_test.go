package sinks

import (
	"testing"

	"github.com/visionflow/visionflow/internal/model"
)

func TestParseCheckpoint(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"", 0},
		{"0", 0},
		{"42", 42},
		{"not-a-number", 0},
		{"-3", 0},
	}
	for _, tc := range cases {
		if got := parseCheckpoint(tc.in); got != tc.want {
			t.Errorf("parseCheckpoint(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDropDeliveredSkipsCheckpointedEvents(t *testing.T) {
	evs := []model.Event{
		{EventID: "a", FrameSeq: 3},
		{EventID: "b", FrameSeq: 5},
		{EventID: "c", FrameSeq: 7},
	}

	kept, skipped := dropDelivered(evs, 5)
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	if len(kept) != 1 || kept[0].EventID != "c" {
		t.Fatalf("kept = %+v, want only event c", kept)
	}

	// No checkpoint means nothing is dropped.
	kept, skipped = dropDelivered(evs, 0)
	if skipped != 0 || len(kept) != 3 {
		t.Fatalf("kept %d skipped %d with no checkpoint, want 3/0", len(kept), skipped)
	}

	// A checkpoint past the batch drops everything.
	kept, skipped = dropDelivered(evs, 10)
	if skipped != 3 || len(kept) != 0 {
		t.Fatalf("kept %d skipped %d past checkpoint, want 0/3", len(kept), skipped)
	}
}
