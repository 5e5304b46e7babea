// Package control implements the adaptive resource controller: a
// hysteretic loop that trades accuracy and resolution for throughput
// to survive thermal and compute budgets on edge hardware.
package control

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/config"
)

// stepKind records which knob a degradation step moved, so recovery
// can reverse the most recent step first.
type stepKind int

const (
	stepPrecision stepKind = iota
	stepResolution
	stepSkip
)

// QueueStats supplies the controller with scheduler-side pressure
// signals for one control cycle.
type QueueStats struct {
	Depths map[string]int
	Drops  map[string]int64
}

// StatsFunc returns current queue statistics.
type StatsFunc func() QueueStats

// Controller owns the pipeline's ResourceProfile under a single-writer
// invariant: nothing else may mutate it. Readers take atomic
// snapshots.
type Controller struct {
	cfg     config.ControllerConfig
	sampler Sampler
	stats   StatsFunc
	log     *slog.Logger

	profile atomic.Pointer[model.ResourceProfile]

	// control-loop state, touched only by the Run/Step goroutine
	hotStreak  int
	coolStreak int
	lastDrops  map[string]int64
	steps      []stepKind

	mu   sync.Mutex
	subs map[chan model.ResourceProfile]struct{}
}

// New creates a controller with the full-quality profile.
func New(cfg config.ControllerConfig, sampler Sampler, stats StatsFunc, log *slog.Logger) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 3
	}
	if cfg.Period <= 0 {
		cfg.Period = 1500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:       cfg,
		sampler:   sampler,
		stats:     stats,
		log:       log,
		lastDrops: make(map[string]int64),
		subs:      make(map[chan model.ResourceProfile]struct{}),
	}
	initial := model.ResourceProfile{}
	c.profile.Store(&initial)
	return c
}

// Profile returns the current profile snapshot. Safe for concurrent
// readers; the snapshot is a value copy.
func (c *Controller) Profile() model.ResourceProfile {
	return *c.profile.Load()
}

// Subscribe returns a channel receiving profile changes. Slow
// subscribers miss intermediate updates rather than block the loop.
func (c *Controller) Subscribe() (<-chan model.ResourceProfile, func()) {
	ch := make(chan model.ResourceProfile, 4)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
	return ch, cancel
}

// Run executes the control loop until the context is canceled. The
// loop runs on its own period, not gated on frame cadence.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sample, err := c.sampler.Sample(ctx)
			if err != nil {
				// Telemetry unavailable: hold the current tier.
				c.log.Warn("telemetry sample unavailable, holding tier", "error", err)
				continue
			}
			c.Step(now, sample)
		}
	}
}

// Step runs one control cycle against a telemetry sample. Exported so
// tests can drive synthetic sequences without timers.
func (c *Controller) Step(now time.Time, sample model.TelemetrySample) {
	cur := *c.profile.Load()

	// Emergency thermal cutoff bypasses hysteresis and the one-step
	// rule entirely.
	if c.cfg.TempCritical > 0 && sample.CPUTempC >= c.cfg.TempCritical {
		c.emergency(now, cur)
		return
	}

	saturated := c.queuesSaturated()
	hot := sample.CPUTempC >= c.cfg.TempHigh || saturated
	cool := sample.CPUTempC <= c.cfg.TempLow && !saturated

	if hot {
		c.hotStreak++
	} else {
		c.hotStreak = 0
	}
	if cool {
		c.coolStreak++
	} else {
		c.coolStreak = 0
	}

	switch {
	case c.hotStreak >= c.cfg.Window:
		if c.degrade(now, cur) {
			c.hotStreak = 0
			c.coolStreak = 0
		}
	case c.coolStreak >= c.cfg.Window && now.Sub(cur.LastAdjustment) >= c.cfg.MinHold:
		if c.recover(now, cur) {
			c.hotStreak = 0
			c.coolStreak = 0
		}
	}
}

// queuesSaturated reports whether any async queue's drop rate exceeded
// the threshold since the previous cycle.
func (c *Controller) queuesSaturated() bool {
	if c.stats == nil {
		return false
	}
	st := c.stats()
	saturated := false
	for edge, total := range st.Drops {
		delta := total - c.lastDrops[edge]
		c.lastDrops[edge] = total
		if delta > 0 && float64(delta) >= c.cfg.DropRateThreshold*float64(c.expectedFrames()) {
			saturated = true
		}
	}
	return saturated
}

func (c *Controller) expectedFrames() int {
	// Frames per control period at ~30 fps nominal cadence.
	n := int(c.cfg.Period / (33 * time.Millisecond))
	if n < 1 {
		n = 1
	}
	return n
}

// degrade moves exactly one tier toward lower quality: precision
// first, then resolution, then frame skip.
func (c *Controller) degrade(now time.Time, cur model.ResourceProfile) bool {
	next := cur
	var kind stepKind
	switch {
	case cur.PrecisionTier < len(c.cfg.PrecisionTiers)-1:
		next.PrecisionTier++
		kind = stepPrecision
	case cur.ResolutionTier < len(c.cfg.ResolutionTiers)-1:
		next.ResolutionTier++
		kind = stepResolution
	case cur.FrameSkipRatio < len(c.cfg.SkipRatios)-1:
		next.FrameSkipRatio++
		kind = stepSkip
	default:
		return false
	}
	next.LastAdjustment = now
	c.steps = append(c.steps, kind)
	c.publish(next)
	c.log.Info("profile degraded",
		"precision", next.PrecisionTier,
		"resolution", next.ResolutionTier,
		"skip", next.FrameSkipRatio)
	return true
}

// recover reverses the most recent degradation step, one tier at a
// time.
func (c *Controller) recover(now time.Time, cur model.ResourceProfile) bool {
	if len(c.steps) == 0 {
		return false
	}
	next := cur
	kind := c.steps[len(c.steps)-1]
	switch kind {
	case stepPrecision:
		if next.PrecisionTier == 0 {
			return false
		}
		next.PrecisionTier--
	case stepResolution:
		if next.ResolutionTier == 0 {
			return false
		}
		next.ResolutionTier--
	case stepSkip:
		if next.FrameSkipRatio == 0 {
			return false
		}
		next.FrameSkipRatio--
	}
	c.steps = c.steps[:len(c.steps)-1]
	next.LastAdjustment = now
	c.publish(next)
	c.log.Info("profile recovered",
		"precision", next.PrecisionTier,
		"resolution", next.ResolutionTier,
		"skip", next.FrameSkipRatio)
	return true
}

// emergency forces the lowest quality tiers immediately.
func (c *Controller) emergency(now time.Time, cur model.ResourceProfile) {
	next := model.ResourceProfile{
		PrecisionTier:  len(c.cfg.PrecisionTiers) - 1,
		ResolutionTier: len(c.cfg.ResolutionTiers) - 1,
		FrameSkipRatio: len(c.cfg.SkipRatios) - 1,
		LastAdjustment: now,
	}
	if next.PrecisionTier < 0 {
		next.PrecisionTier = 0
	}
	if next.ResolutionTier < 0 {
		next.ResolutionTier = 0
	}
	if next.FrameSkipRatio < 0 {
		next.FrameSkipRatio = 0
	}
	if next.Equal(cur) {
		return
	}

	// Record the jump as individual steps so recovery unwinds one tier
	// at a time.
	for i := cur.PrecisionTier; i < next.PrecisionTier; i++ {
		c.steps = append(c.steps, stepPrecision)
	}
	for i := cur.ResolutionTier; i < next.ResolutionTier; i++ {
		c.steps = append(c.steps, stepResolution)
	}
	for i := cur.FrameSkipRatio; i < next.FrameSkipRatio; i++ {
		c.steps = append(c.steps, stepSkip)
	}

	c.hotStreak = 0
	c.coolStreak = 0
	c.publish(next)
	c.log.Warn("emergency thermal cutoff", "profile", next)
}

func (c *Controller) publish(p model.ResourceProfile) {
	c.profile.Store(&p)
	c.mu.Lock()
	for ch := range c.subs {
		select {
		case ch <- p:
		default:
			// Subscriber lagging; drop the update.
		}
	}
	c.mu.Unlock()
}

// ResolutionTier resolves the profile's resolution tier label.
func (c *Controller) ResolutionTier(p model.ResourceProfile) string {
	return tierLabel(c.cfg.ResolutionTiers, p.ResolutionTier)
}

// PrecisionTier resolves the profile's precision tier label.
func (c *Controller) PrecisionTier(p model.ResourceProfile) string {
	return tierLabel(c.cfg.PrecisionTiers, p.PrecisionTier)
}

func tierLabel(ladder []string, idx int) string {
	if len(ladder) == 0 {
		return ""
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}
