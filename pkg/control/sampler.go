package control

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
)

// nowFunc is stubbed in tests.
var nowFunc = time.Now

// Sampler produces telemetry samples for the control loop.
type Sampler interface {
	Sample(ctx context.Context) (model.TelemetrySample, error)
}

// SamplerFunc adapts a function into a Sampler.
type SamplerFunc func(ctx context.Context) (model.TelemetrySample, error)

func (f SamplerFunc) Sample(ctx context.Context) (model.TelemetrySample, error) {
	return f(ctx)
}

// StaticSampler always returns the same sample. Used in tests and on
// platforms without readable telemetry.
type StaticSampler struct {
	S model.TelemetrySample
}

func (s StaticSampler) Sample(_ context.Context) (model.TelemetrySample, error) {
	out := s.S
	if out.SampledAt.IsZero() {
		out.SampledAt = nowFunc()
	}
	return out, nil
}

// LinuxSampler reads CPU temperature, load, and available memory from
// sysfs and procfs. Paths are overridable for tests.
type LinuxSampler struct {
	ThermalPath string
	LoadPath    string
	MeminfoPath string
}

// NewLinuxSampler returns a sampler wired to the standard kernel
// paths.
func NewLinuxSampler() *LinuxSampler {
	return &LinuxSampler{
		ThermalPath: "/sys/class/thermal/thermal_zone0/temp",
		LoadPath:    "/proc/loadavg",
		MeminfoPath: "/proc/meminfo",
	}
}

func (s *LinuxSampler) Sample(ctx context.Context) (model.TelemetrySample, error) {
	if err := ctx.Err(); err != nil {
		return model.TelemetrySample{}, verrors.ContextCanceled("telemetry sample")
	}
	sample := model.TelemetrySample{SampledAt: nowFunc()}

	temp, err := readMillidegrees(s.ThermalPath)
	if err != nil {
		return sample, verrors.Wrap(err, verrors.CodeTelemetryUnavailable, "cpu temperature unreadable").
			WithContext("path", s.ThermalPath)
	}
	sample.CPUTempC = temp

	if load, err := readLoad(s.LoadPath); err == nil {
		sample.CPULoadPct = load
	}
	if avail, err := readMemAvailable(s.MeminfoPath); err == nil {
		sample.MemAvailable = avail
	}
	return sample, nil
}

func readMillidegrees(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, err
	}
	return v / 1000.0, nil
}

func readLoad(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, os.ErrInvalid
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readMemAvailable(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, os.ErrInvalid
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, sc.Err()
}
