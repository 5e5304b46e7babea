package nodes

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:    "synthetic_source",
		Outputs: []node.Port{{Name: "frames", Payload: model.KindFrame}},
		Lane:    node.LaneInline,
		Source:  true,
	}, newSyntheticSource)

	node.Register(node.Capabilities{
		Type:    "raw_file_source",
		Outputs: []node.Port{{Name: "frames", Payload: model.KindFrame}},
		Lane:    node.LaneInline,
		Source:  true,
	}, newRawFileSource)
}

// sourceHealth tracks consecutive capture failures and drives the
// reconnect/warmup cycle shared by all frame sources.
type sourceHealth struct {
	failures    int
	maxFailures int
	backoff     time.Duration
	maxBackoff  time.Duration
	retryAt     time.Time
	warmup      int
	warmupLeft  int
}

func newSourceHealth(cfg map[string]any) *sourceHealth {
	return &sourceHealth{
		maxFailures: cfgInt(cfg, "max_failures", 5),
		backoff:     time.Duration(cfgInt(cfg, "reconnect_backoff_ms", 500)) * time.Millisecond,
		maxBackoff:  time.Duration(cfgInt(cfg, "reconnect_backoff_max_ms", 10000)) * time.Millisecond,
		warmup:      cfgInt(cfg, "warmup_frames", 3),
	}
}

// healthy reports whether the source may attempt a capture now.
func (h *sourceHealth) healthy(now time.Time) bool {
	return h.failures < h.maxFailures || !now.Before(h.retryAt)
}

func (h *sourceHealth) recordFailure(now time.Time) {
	h.failures++
	if h.failures >= h.maxFailures {
		d := h.backoff << uint(h.failures-h.maxFailures)
		if d > h.maxBackoff || d <= 0 {
			d = h.maxBackoff
		}
		h.retryAt = now.Add(d)
	}
}

// recordSuccess resets the failure count. Returns false while warmup
// frames after a reconnect should still be discarded.
func (h *sourceHealth) recordSuccess() bool {
	if h.failures >= h.maxFailures {
		// Device came back; discard the first frames while exposure
		// settles.
		h.warmupLeft = h.warmup
	}
	h.failures = 0
	if h.warmupLeft > 0 {
		h.warmupLeft--
		return false
	}
	return true
}

// syntheticSource generates frames with a moving bright square over a
// dark background. It exists for demos and end-to-end tests where no
// capture device is available.
type syntheticSource struct {
	node.Base
	width    int
	height   int
	channels int
	limiter  *rate.Limiter
}

func newSyntheticSource(id string, cfg map[string]any) (node.Node, error) {
	fps := cfgFloat(cfg, "fps", 30)
	if fps <= 0 {
		return nil, fmt.Errorf("synthetic_source %s: fps must be positive", id)
	}
	caps, _ := node.Default().Caps("synthetic_source")
	return &syntheticSource{
		Base:     node.Base{NodeID: id, C: caps},
		width:    cfgInt(cfg, "width", 640),
		height:   cfgInt(cfg, "height", 480),
		channels: cfgInt(cfg, "channels", 3),
		limiter:  rate.NewLimiter(rate.Limit(fps), 1),
	}, nil
}

func (s *syntheticSource) Process(_ context.Context, ec *node.ExecContext, _ node.Inputs) (node.Outputs, error) {
	// The scheduler ticks at the nominal frame period; the limiter
	// guards against producing above the configured fps when ticks
	// bunch up after a stall.
	if !s.limiter.Allow() {
		s.Count("paced_out", 1)
		return nil, nil
	}

	n := s.width * s.height * s.channels
	buf, err := ec.Frames.Get(n)
	if err != nil {
		// Budget exhausted: this cycle's frame is dropped at the source.
		s.Count("budget_drops", 1)
		return nil, nil
	}

	s.paint(buf.Data, ec.Seq)
	s.Count("frames", 1)
	return node.Outputs{"frames": &model.FrameBundle{
		Pixels:     buf,
		Width:      s.width,
		Height:     s.height,
		Channels:   s.channels,
		Captured:   time.Now(),
		SeqNum:     ec.Seq,
		Provenance: []string{s.NodeID},
	}}, nil
}

// paint draws a square that sweeps left to right, one object per ~90
// frames, so downstream detector stubs have something to find.
func (s *syntheticSource) paint(data []byte, seq uint64) {
	for i := range data {
		data[i] = 16
	}
	side := s.height / 6
	x0 := int(seq*4) % (s.width - side)
	y0 := (s.height - side) / 2
	for y := y0; y < y0+side; y++ {
		row := (y*s.width + x0) * s.channels
		for x := 0; x < side*s.channels; x++ {
			data[row+x] = 230
		}
	}
}

// rawFileSource replays a file of concatenated raw frames, optionally
// looping. It models an unreliable capture device: read errors count
// toward source health and trigger the reconnect cycle.
type rawFileSource struct {
	node.Base
	path     string
	width    int
	height   int
	channels int
	loop     bool
	health   *sourceHealth

	f *os.File
}

func newRawFileSource(id string, cfg map[string]any) (node.Node, error) {
	path := cfgString(cfg, "path", "")
	if path == "" {
		return nil, fmt.Errorf("raw_file_source %s: path is required", id)
	}
	caps, _ := node.Default().Caps("raw_file_source")
	return &rawFileSource{
		Base:     node.Base{NodeID: id, C: caps},
		path:     path,
		width:    cfgInt(cfg, "width", 640),
		height:   cfgInt(cfg, "height", 480),
		channels: cfgInt(cfg, "channels", 3),
		loop:     cfgBool(cfg, "loop", true),
		health:   newSourceHealth(cfg),
	}, nil
}

func (s *rawFileSource) Setup(_ context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("raw_file_source %s: %w", s.NodeID, err)
	}
	s.f = f
	return nil
}

func (s *rawFileSource) Teardown() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

func (s *rawFileSource) Process(_ context.Context, ec *node.ExecContext, _ node.Inputs) (node.Outputs, error) {
	now := time.Now()
	if !s.health.healthy(now) {
		s.Count("unhealthy_skips", 1)
		return nil, nil
	}

	frameSize := s.width * s.height * s.channels
	buf, err := ec.Frames.Get(frameSize)
	if err != nil {
		s.Count("budget_drops", 1)
		return nil, nil
	}

	if err := s.readFrame(buf.Data); err != nil {
		buf.Release()
		s.health.recordFailure(now)
		s.Count("read_failures", 1)
		ec.Log.Warn("frame read failed", "error", err, "failures", s.health.failures)
		return nil, nil
	}
	if !s.health.recordSuccess() {
		buf.Release()
		s.Count("warmup_discards", 1)
		return nil, nil
	}

	s.Count("frames", 1)
	return node.Outputs{"frames": &model.FrameBundle{
		Pixels:     buf,
		Width:      s.width,
		Height:     s.height,
		Channels:   s.channels,
		Captured:   now,
		SeqNum:     ec.Seq,
		Provenance: []string{s.NodeID},
	}}, nil
}

func (s *rawFileSource) readFrame(dst []byte) error {
	_, err := io.ReadFull(s.f, dst)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if !s.loop {
			return io.EOF
		}
		if _, serr := s.f.Seek(0, io.SeekStart); serr != nil {
			return serr
		}
		_, err = io.ReadFull(s.f, dst)
	}
	return err
}
