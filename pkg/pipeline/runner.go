// Package pipeline assembles a complete runtime from a graph
// descriptor: scheduler, resource controller, control server,
// descriptor hot reload and run accounting.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/visionflow/visionflow/internal/pool"
	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/control"
	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/lifecycle"
	"github.com/visionflow/visionflow/pkg/node"
	"github.com/visionflow/visionflow/pkg/sched"
	"github.com/visionflow/visionflow/pkg/server"
	"github.com/visionflow/visionflow/pkg/state"
	"github.com/visionflow/visionflow/pkg/telemetry"
	"github.com/visionflow/visionflow/pkg/watch"
)

// Options selects the optional subsystems.
type Options struct {
	// DescriptorPath is the graph file; required.
	DescriptorPath string
	// Serve starts the HTTP control surface.
	Serve bool
	// Watch hot-reloads the descriptor on file changes.
	Watch bool
	// SyntheticTelemetry replaces the sysfs sampler, for machines
	// without readable thermal zones.
	SyntheticTelemetry bool
	// StatePath enables run records when non-empty.
	StatePath string
	Log       *slog.Logger
}

// Runner owns one pipeline process.
type Runner struct {
	cfg  *config.Config
	opts Options
	log  *slog.Logger

	frames   *pool.BufferPool
	ctrl     *control.Controller
	exporter *telemetry.Exporter

	mu     sync.Mutex
	sched  *sched.Scheduler
	reload chan *graph.Plan
}

// NewRunner validates the descriptor and builds the runtime. Load
// failures surface here, before anything starts.
func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	desc, err := graph.LoadFile(opts.DescriptorPath)
	if err != nil {
		return nil, err
	}
	plan, err := graph.Validate(desc, node.Default())
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:    cfg,
		opts:   opts,
		log:    opts.Log,
		frames: pool.NewBufferPool(pool.DefaultFrameSize, cfg.Engine.MaxLiveFrames),
		reload: make(chan *graph.Plan, 1),
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint != "" {
		r.exporter = telemetry.NewExporter(telemetry.DefaultConfig(cfg.Telemetry.Endpoint))
	}

	var sampler control.Sampler
	if opts.SyntheticTelemetry {
		sampler = control.StaticSampler{}
	} else {
		sampler = control.NewLinuxSampler()
	}
	r.ctrl = control.New(cfg.Controller, sampler, r.queueStats, opts.Log)

	s, err := r.buildScheduler(plan)
	if err != nil {
		return nil, err
	}
	r.sched = s
	return r, nil
}

func (r *Runner) buildScheduler(plan *graph.Plan) (*sched.Scheduler, error) {
	opts := sched.Options{
		Engine:     r.cfg.Engine,
		Breaker:    r.cfg.Breaker,
		SkipRatios: r.cfg.Controller.SkipRatios,
		Profile:    r.ctrl.Profile,
		Log:        r.log,
		Frames:     r.frames,
	}
	// Assigning a nil *Exporter would make the interface non-nil.
	if r.exporter != nil {
		opts.Tracer = r.exporter
	}
	return sched.New(plan, node.Default(), opts)
}

// queueStats feeds scheduler pressure into the controller.
func (r *Runner) queueStats() control.QueueStats {
	r.mu.Lock()
	s := r.sched
	r.mu.Unlock()
	if s == nil {
		return control.QueueStats{}
	}
	return control.QueueStats{
		Depths: s.QueueDepths(),
		Drops:  s.EdgeDrops(),
	}
}

// Scheduler returns the currently running scheduler.
func (r *Runner) Scheduler() *sched.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched
}

// Run executes the pipeline until the context is canceled or a fatal
// error occurs.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Run accounting.
	var runStore *state.Store
	var runID string
	if r.opts.StatePath != "" {
		var err error
		runStore, err = state.Open(r.opts.StatePath)
		if err != nil {
			return err
		}
		defer runStore.Close()
		runID, err = runStore.StartRun(ctx, r.sched.Plan().Name, r.opts.DescriptorPath)
		if err != nil {
			return err
		}
	}

	// Optional trace export. Before Init the exporter's tracer is a
	// noop, so scheduler spans are free until the collector connects.
	if r.exporter != nil {
		shutdown, err := r.exporter.Init(ctx)
		if err != nil {
			r.log.Warn("trace export disabled", "error", err)
		} else {
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				shutdown(sctx)
			}()
		}
	}

	shutdown := lifecycle.NewManager(lifecycle.Config{
		DrainTimeout: 10 * time.Second,
		OnDrainStart: func() { r.Scheduler().Pause() },
		Log:          r.log,
	})
	shutdown.HandleSignals(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.ctrl.Run(gctx)
	})

	if r.opts.Serve {
		srv := server.New(r.cfg.Server, &runnerRuntime{r}, r.ctrl, cancel, r.log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if r.opts.Watch {
		w, err := watch.New(r.log)
		if err != nil {
			return err
		}
		if err := w.Watch(r.opts.DescriptorPath); err != nil {
			return err
		}
		w.OnChange = r.reloadDescriptor
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	// Scheduler generations: each reload stops the current generation
	// and starts a fresh scheduler from the validated plan.
	g.Go(func() error {
		for {
			r.mu.Lock()
			s := r.sched
			r.mu.Unlock()

			runCtx, runCancel := context.WithCancel(gctx)
			done := make(chan error, 1)
			go func() {
				done <- s.Run(runCtx)
			}()

			select {
			case err := <-done:
				runCancel()
				return err
			case plan := <-r.reload:
				runCancel()
				<-done
				next, err := r.buildScheduler(plan)
				if err != nil {
					return err
				}
				r.mu.Lock()
				r.sched = next
				r.mu.Unlock()
				r.log.Info("pipeline restarted with reloaded descriptor",
					"pipeline", plan.Name)
			case <-gctx.Done():
				runCancel()
				return <-done
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled {
		err = nil
	}

	if runStore != nil {
		s := r.Scheduler()
		var drops int64
		for _, n := range s.EdgeDrops() {
			drops += n
		}
		p := r.ctrl.Profile()
		finishCtx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer fcancel()
		if ferr := runStore.FinishRun(finishCtx, runID, s.Cycle(), drops, map[string]int{
			"resolution": p.ResolutionTier,
			"precision":  p.PrecisionTier,
			"skip":       p.FrameSkipRatio,
		}, err); ferr != nil {
			r.log.Warn("run record not finalized", "error", ferr)
		}
	}

	shutdown.Shutdown(context.Background())
	return err
}

// reloadDescriptor validates the edited descriptor and queues the swap.
// Validation failures keep the current pipeline running.
func (r *Runner) reloadDescriptor(path string) error {
	desc, err := graph.LoadFile(path)
	if err != nil {
		return err
	}
	plan, err := graph.Validate(desc, node.Default())
	if err != nil {
		return err
	}
	select {
	case r.reload <- plan:
	default:
		// A reload is already pending; the latest file wins next time.
	}
	return nil
}

// runnerRuntime adapts the runner to the server's Runtime interface,
// always targeting the current scheduler generation.
type runnerRuntime struct {
	r *Runner
}

func (a *runnerRuntime) Pause()                        { a.r.Scheduler().Pause() }
func (a *runnerRuntime) Resume()                       { a.r.Scheduler().Resume() }
func (a *runnerRuntime) Paused() bool                  { return a.r.Scheduler().Paused() }
func (a *runnerRuntime) Cycle() uint64                 { return a.r.Scheduler().Cycle() }
func (a *runnerRuntime) NodeStatuses() []sched.NodeStatus {
	return a.r.Scheduler().NodeStatuses()
}
func (a *runnerRuntime) EdgeDrops() map[string]int64 { return a.r.Scheduler().EdgeDrops() }
func (a *runnerRuntime) QueueDepths() map[string]int { return a.r.Scheduler().QueueDepths() }
