// Package lifecycle coordinates graceful pipeline shutdown: stop the
// frame cadence first, let async workers drain their queues, then
// close sinks so buffered events reach storage.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Closer is anything that must flush and release resources during
// shutdown. Sinks and storage clients register themselves.
type Closer interface {
	Close() error
}

// closerFunc adapts a function to Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Config tunes the shutdown sequence.
type Config struct {
	// DrainTimeout bounds how long async workers get to finish their
	// queued cycles before sinks are closed anyway.
	DrainTimeout time.Duration
	// OnDrainStart runs when draining begins (pause the scheduler here).
	OnDrainStart func()
	Log          *slog.Logger
}

// Manager runs the shutdown sequence exactly once, no matter how many
// signals or callers race into it.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	draining bool
	closers  []Closer

	inFlight sync.WaitGroup
	done     chan struct{}
}

// NewManager creates a shutdown manager.
func NewManager(cfg Config) *Manager {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Manager{
		cfg:  cfg,
		log:  cfg.Log,
		done: make(chan struct{}),
	}
}

// Register adds a closer. Closers run in reverse registration order so
// dependents close before their dependencies.
func (m *Manager) Register(c Closer) {
	m.mu.Lock()
	m.closers = append(m.closers, c)
	m.mu.Unlock()
}

// RegisterFunc adds a plain function as a closer.
func (m *Manager) RegisterFunc(f func() error) {
	m.Register(closerFunc(f))
}

// Track marks the start of a unit of in-flight work (an async node
// cycle, a sink flush). Returns false when the pipeline is draining
// and new work must be rejected.
func (m *Manager) Track() bool {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return false
	}
	m.inFlight.Add(1)
	m.mu.Unlock()
	return true
}

// Done marks the end of a tracked unit of work.
func (m *Manager) Done() {
	m.inFlight.Done()
}

// Draining reports whether shutdown has begun.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Shutdown runs the drain-then-close sequence. Subsequent calls return
// immediately.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	closers := make([]Closer, len(m.closers))
	copy(closers, m.closers)
	m.mu.Unlock()

	if m.cfg.OnDrainStart != nil {
		m.cfg.OnDrainStart()
	}
	m.log.Info("draining pipeline", "timeout", m.cfg.DrainTimeout)

	drained := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(m.cfg.DrainTimeout):
		m.log.Warn("drain timeout reached, closing sinks with work in flight")
	case <-ctx.Done():
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			m.log.Error("closer failed during shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	close(m.done)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown finished with %d errors: %v", len(errs), errs)
	}
	m.log.Info("shutdown complete")
	return nil
}

// Wait blocks until shutdown has finished.
func (m *Manager) Wait() {
	<-m.done
}

// HandleSignals triggers Shutdown on SIGINT or SIGTERM.
func (m *Manager) HandleSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			m.log.Info("signal received, shutting down", "signal", sig.String())
			m.Shutdown(ctx)
		case <-ctx.Done():
		}
	}()
}

// Run executes fn with signal-driven cancellation: the context passed
// to fn is canceled on the first SIGINT/SIGTERM, and a second stall
// past the timeout aborts.
func Run(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	errs := make(chan error, 1)
	go func() {
		errs <- fn(ctx)
	}()

	select {
	case err := <-errs:
		return err
	case sig := <-sigs:
		slog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
		select {
		case err := <-errs:
			return err
		case <-time.After(30 * time.Second):
			return fmt.Errorf("shutdown timed out")
		}
	}
}
