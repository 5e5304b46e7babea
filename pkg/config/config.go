// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all VisionFlow configuration.
type Config struct {
	Version int `yaml:"version"`

	Engine     EngineConfig     `yaml:"engine"`
	Controller ControllerConfig `yaml:"controller"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Server     ServerConfig     `yaml:"server"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EngineConfig controls the execution scheduler.
type EngineConfig struct {
	// QueueDepth is the bounded input queue size for async-worker nodes.
	QueueDepth int `yaml:"queue_depth"`
	// FramePeriod is the nominal time between frame cycles; it also
	// bounds how long a join waits for a lagging branch.
	FramePeriod time.Duration `yaml:"frame_period"`
	// LatencyBudget is the global per-cycle deadline.
	LatencyBudget time.Duration `yaml:"latency_budget"`
	// NodeTimeout bounds a single async node invocation.
	NodeTimeout time.Duration `yaml:"node_timeout"`
	// JoinSkew is the maximum sequence-number skew a join tolerates
	// across its input branches.
	JoinSkew uint64 `yaml:"join_skew"`
	// MaxLiveFrames bounds checked-out frame buffers (0 = unbounded).
	MaxLiveFrames int64 `yaml:"max_live_frames"`
}

// ControllerConfig tunes the adaptive resource controller.
type ControllerConfig struct {
	Period    time.Duration `yaml:"period"`
	MinHold   time.Duration `yaml:"min_hold"`
	TempHigh  float64       `yaml:"temp_high_c"`
	TempLow   float64       `yaml:"temp_low_c"`
	TempCritical float64    `yaml:"temp_critical_c"`
	// DropRateThreshold marks an async queue as saturated.
	DropRateThreshold float64 `yaml:"drop_rate_threshold"`
	// Window is the number of consecutive samples a condition must hold.
	Window int `yaml:"window"`
	// Tier ladders, highest quality first. Product policy, not engine
	// constants; tests parametrize over them.
	ResolutionTiers []string `yaml:"resolution_tiers"`
	PrecisionTiers  []string `yaml:"precision_tiers"`
	SkipRatios      []int    `yaml:"skip_ratios"`
}

// TrackerConfig tunes the multi-object tracking core.
type TrackerConfig struct {
	// IOUThreshold rejects associations with IOU below the threshold.
	IOUThreshold float64 `yaml:"iou_threshold"`
	// MinHits is the consecutive matches before a track is Confirmed.
	MinHits int `yaml:"min_hits"`
	// MaxAge is the unmatched cycles before a track is Deleted.
	MaxAge int `yaml:"max_age"`
	// HistorySize bounds the per-track bbox history ring.
	HistorySize int `yaml:"history_size"`
}

// BreakerConfig tunes per-node circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	FailureThreshold int `yaml:"failure_threshold"`
	// Window is the sliding window the failures must fall within.
	Window time.Duration `yaml:"window"`
	// Cooldown is how long a Degraded node short-circuits before a
	// probe invocation is attempted.
	Cooldown time.Duration `yaml:"cooldown"`
	// Fallback is "last_good" or "silence".
	Fallback string `yaml:"fallback"`
}

// ServerConfig for the runtime control surface.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// SinksConfig configures the built-in output sinks.
type SinksConfig struct {
	Redis  RedisSinkConfig  `yaml:"redis"`
	S3     S3SinkConfig     `yaml:"s3"`
	DuckDB DuckDBSinkConfig `yaml:"duckdb"`
	Arrow  ArrowSinkConfig  `yaml:"arrow"`
}

// RedisSinkConfig for the Redis event/checkpoint backend.
type RedisSinkConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// S3SinkConfig for the S3 event archive sink.
type S3SinkConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	BatchSize int    `yaml:"batch_size"`
}

// DuckDBSinkConfig for the DuckDB event store.
type DuckDBSinkConfig struct {
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`
}

// ArrowSinkConfig for the Arrow IPC event recorder.
type ArrowSinkConfig struct {
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`
}

// TelemetryConfig for optional trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Engine: EngineConfig{
			QueueDepth:    4,
			FramePeriod:   33 * time.Millisecond,
			LatencyBudget: 100 * time.Millisecond,
			NodeTimeout:   80 * time.Millisecond,
			JoinSkew:      3,
			MaxLiveFrames: 64,
		},
		Controller: ControllerConfig{
			Period:            1500 * time.Millisecond,
			MinHold:           10 * time.Second,
			TempHigh:          75,
			TempLow:           60,
			TempCritical:      90,
			DropRateThreshold: 0.2,
			Window:            3,
			ResolutionTiers:   []string{"1280x720", "640x480", "320x240"},
			PrecisionTiers:    []string{"fp32", "fp16", "int8"},
			SkipRatios:        []int{0, 1, 3},
		},
		Tracker: TrackerConfig{
			IOUThreshold: 0.3,
			MinHits:      3,
			MaxAge:       10,
			HistorySize:  32,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           10 * time.Second,
			Cooldown:         5 * time.Second,
			Fallback:         "last_good",
		},
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Sinks: SinksConfig{
			Redis: RedisSinkConfig{
				Prefix:  "visionflow:",
				TTL:     24 * time.Hour,
				Timeout: 5 * time.Second,
			},
			S3: S3SinkConfig{
				Prefix:    "events/",
				BatchSize: 256,
			},
			DuckDB: DuckDBSinkConfig{
				BatchSize: 256,
			},
			Arrow: ArrowSinkConfig{
				BatchSize: 1024,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()

	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	m.loadEnv()
	return nil
}

// LoadFile merges a single explicit config file over the current state.
func (m *Manager) LoadFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadFile(path); err != nil {
		return err
	}
	m.paths = append(m.paths, path)
	return nil
}

func (m *Manager) getConfigPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/visionflow/config.yaml")
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".visionflow", "config.yaml"))
	}

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".visionflow.yaml"))
	}

	return paths
}

func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	if src.Engine.QueueDepth != 0 {
		m.config.Engine.QueueDepth = src.Engine.QueueDepth
	}
	if src.Engine.FramePeriod != 0 {
		m.config.Engine.FramePeriod = src.Engine.FramePeriod
	}
	if src.Engine.LatencyBudget != 0 {
		m.config.Engine.LatencyBudget = src.Engine.LatencyBudget
	}
	if src.Engine.NodeTimeout != 0 {
		m.config.Engine.NodeTimeout = src.Engine.NodeTimeout
	}
	if src.Engine.JoinSkew != 0 {
		m.config.Engine.JoinSkew = src.Engine.JoinSkew
	}
	if src.Engine.MaxLiveFrames != 0 {
		m.config.Engine.MaxLiveFrames = src.Engine.MaxLiveFrames
	}

	if src.Controller.Period != 0 {
		m.config.Controller.Period = src.Controller.Period
	}
	if src.Controller.MinHold != 0 {
		m.config.Controller.MinHold = src.Controller.MinHold
	}
	if src.Controller.TempHigh != 0 {
		m.config.Controller.TempHigh = src.Controller.TempHigh
	}
	if src.Controller.TempLow != 0 {
		m.config.Controller.TempLow = src.Controller.TempLow
	}
	if src.Controller.TempCritical != 0 {
		m.config.Controller.TempCritical = src.Controller.TempCritical
	}
	if src.Controller.DropRateThreshold != 0 {
		m.config.Controller.DropRateThreshold = src.Controller.DropRateThreshold
	}
	if src.Controller.Window != 0 {
		m.config.Controller.Window = src.Controller.Window
	}
	if len(src.Controller.ResolutionTiers) > 0 {
		m.config.Controller.ResolutionTiers = src.Controller.ResolutionTiers
	}
	if len(src.Controller.PrecisionTiers) > 0 {
		m.config.Controller.PrecisionTiers = src.Controller.PrecisionTiers
	}
	if len(src.Controller.SkipRatios) > 0 {
		m.config.Controller.SkipRatios = src.Controller.SkipRatios
	}

	if src.Tracker.IOUThreshold != 0 {
		m.config.Tracker.IOUThreshold = src.Tracker.IOUThreshold
	}
	if src.Tracker.MinHits != 0 {
		m.config.Tracker.MinHits = src.Tracker.MinHits
	}
	if src.Tracker.MaxAge != 0 {
		m.config.Tracker.MaxAge = src.Tracker.MaxAge
	}
	if src.Tracker.HistorySize != 0 {
		m.config.Tracker.HistorySize = src.Tracker.HistorySize
	}

	if src.Breaker.FailureThreshold != 0 {
		m.config.Breaker.FailureThreshold = src.Breaker.FailureThreshold
	}
	if src.Breaker.Window != 0 {
		m.config.Breaker.Window = src.Breaker.Window
	}
	if src.Breaker.Cooldown != 0 {
		m.config.Breaker.Cooldown = src.Breaker.Cooldown
	}
	if src.Breaker.Fallback != "" {
		m.config.Breaker.Fallback = src.Breaker.Fallback
	}

	if src.Server.Port != 0 {
		m.config.Server.Port = src.Server.Port
	}
	if src.Server.Host != "" {
		m.config.Server.Host = src.Server.Host
	}

	if src.Sinks.Redis.Address != "" {
		m.config.Sinks.Redis = src.Sinks.Redis
	}
	if src.Sinks.S3.Bucket != "" {
		m.config.Sinks.S3 = src.Sinks.S3
	}
	if src.Sinks.DuckDB.Path != "" {
		m.config.Sinks.DuckDB = src.Sinks.DuckDB
	}
	if src.Sinks.Arrow.Path != "" {
		m.config.Sinks.Arrow = src.Sinks.Arrow
	}

	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry = src.Telemetry
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("VISIONFLOW_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			m.config.Server.Port = port
		}
	}

	if v := os.Getenv("VISIONFLOW_REDIS"); v != "" {
		m.config.Sinks.Redis.Address = v
	}

	if v := os.Getenv("VISIONFLOW_OTLP_ENDPOINT"); v != "" {
		m.config.Telemetry.Enabled = true
		m.config.Telemetry.Endpoint = v
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
