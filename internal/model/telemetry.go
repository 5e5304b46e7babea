package model

import "time"

// TelemetrySample is a read-only snapshot of device and queue state
// consumed by the adaptive resource controller. Samples are never
// retained beyond one control cycle.
type TelemetrySample struct {
	CPUTempC     float64          `json:"cpu_temp_c"`
	CPULoadPct   float64          `json:"cpu_load_pct"`
	MemAvailable uint64           `json:"mem_available"`
	QueueDepths  map[string]int   `json:"queue_depths"`
	DropRates    map[string]float64 `json:"drop_rates"`
	SampledAt    time.Time        `json:"sampled_at"`
}

// ResourceProfile holds the global quality knobs for one running
// pipeline. It is written exclusively by the adaptive resource
// controller and read as an atomic snapshot at the start of each frame
// cycle; all fields are tier indices into configured ladders, where 0
// is the highest-quality tier.
type ResourceProfile struct {
	ResolutionTier int       `json:"resolution_tier"`
	PrecisionTier  int       `json:"precision_tier"`
	FrameSkipRatio int       `json:"frame_skip_ratio"`
	LastAdjustment time.Time `json:"last_adjustment"`
}

// Equal reports whether two profiles select the same tiers (adjustment
// time excluded).
func (p ResourceProfile) Equal(o ResourceProfile) bool {
	return p.ResolutionTier == o.ResolutionTier &&
		p.PrecisionTier == o.PrecisionTier &&
		p.FrameSkipRatio == o.FrameSkipRatio
}
