package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	verrors "github.com/visionflow/visionflow/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLinuxSamplerReadsKernelFiles(t *testing.T) {
	dir := t.TempDir()
	s := &LinuxSampler{
		ThermalPath: writeFile(t, dir, "temp", "67500\n"),
		LoadPath:    writeFile(t, dir, "loadavg", "2.41 1.98 1.50 3/412 8812\n"),
		MeminfoPath: writeFile(t, dir, "meminfo", "MemTotal:        8000000 kB\nMemFree:         1000000 kB\nMemAvailable:    2048000 kB\n"),
	}

	sample, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if sample.CPUTempC != 67.5 {
		t.Errorf("CPUTempC = %v, want 67.5", sample.CPUTempC)
	}
	if sample.CPULoadPct != 2.41 {
		t.Errorf("CPULoadPct = %v, want 2.41", sample.CPULoadPct)
	}
	if want := uint64(2048000 * 1024); sample.MemAvailable != want {
		t.Errorf("MemAvailable = %d, want %d", sample.MemAvailable, want)
	}
	if sample.SampledAt.IsZero() {
		t.Error("SampledAt not stamped")
	}
}

func TestLinuxSamplerTemperatureRequired(t *testing.T) {
	dir := t.TempDir()
	s := &LinuxSampler{
		ThermalPath: filepath.Join(dir, "missing"),
		LoadPath:    writeFile(t, dir, "loadavg", "0.1 0.1 0.1 1/100 1\n"),
		MeminfoPath: writeFile(t, dir, "meminfo", "MemAvailable: 1 kB\n"),
	}

	_, err := s.Sample(context.Background())
	if verrors.GetCode(err) != verrors.CodeTelemetryUnavailable {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodeTelemetryUnavailable)
	}
}

func TestLinuxSamplerLoadOptional(t *testing.T) {
	dir := t.TempDir()
	s := &LinuxSampler{
		ThermalPath: writeFile(t, dir, "temp", "50000"),
		LoadPath:    filepath.Join(dir, "missing"),
		MeminfoPath: filepath.Join(dir, "missing"),
	}

	sample, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if sample.CPUTempC != 50 {
		t.Errorf("CPUTempC = %v, want 50", sample.CPUTempC)
	}
}

func TestLinuxSamplerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLinuxSampler().Sample(ctx)
	if verrors.GetCode(err) != verrors.CodeContextCanceled {
		t.Fatalf("code = %s, want %s", verrors.GetCode(err), verrors.CodeContextCanceled)
	}
}
