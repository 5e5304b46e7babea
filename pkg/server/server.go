// Package server exposes the runtime control surface: pipeline state,
// per-node status, drop counters, pause/resume control, Prometheus
// metrics and a server-sent event stream of profile changes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/control"
	"github.com/visionflow/visionflow/pkg/sched"
)

// Runtime is the engine surface the server reads and controls.
type Runtime interface {
	Pause()
	Resume()
	Paused() bool
	Cycle() uint64
	NodeStatuses() []sched.NodeStatus
	EdgeDrops() map[string]int64
	QueueDepths() map[string]int
}

// Server serves the control API for one running pipeline.
type Server struct {
	cfg        config.ServerConfig
	runtime    Runtime
	controller *control.Controller
	stop       context.CancelFunc
	log        *slog.Logger

	broker *Broker
	mux    *http.ServeMux
	http   *http.Server

	started time.Time
}

// New creates the control server. stop cancels the pipeline run
// context; it backs the /api/stop endpoint.
func New(cfg config.ServerConfig, rt Runtime, ctrl *control.Controller, stop context.CancelFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		runtime:    rt,
		controller: ctrl,
		stop:       stop,
		log:        log,
		broker:     NewBroker(),
		mux:        http.NewServeMux(),
		started:    time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/nodes", s.handleNodes)
	s.mux.HandleFunc("GET /api/drops", s.handleDrops)
	s.mux.HandleFunc("POST /api/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/stream", s.broker.Handler(s.statusSnapshot))
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves until the context is canceled, forwarding profile changes
// to the SSE stream while it runs.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.controller != nil {
		changes, cancel := s.controller.Subscribe()
		defer cancel()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case p := <-changes:
					s.broker.Publish("profile", p)
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	s.log.Info("control server listening", "addr", addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// statusPayload is the /api/status response body.
type statusPayload struct {
	State      string                `json:"state"`
	Cycle      uint64                `json:"cycle"`
	UptimeMS   int64                 `json:"uptime_ms"`
	Profile    model.ResourceProfile `json:"profile"`
	QueueDepth map[string]int        `json:"queue_depths,omitempty"`
}

func (s *Server) statusSnapshot() any {
	state := "running"
	if s.runtime.Paused() {
		state = "paused"
	}
	p := statusPayload{
		State:      state,
		Cycle:      s.runtime.Cycle(),
		UptimeMS:   time.Since(s.started).Milliseconds(),
		QueueDepth: s.runtime.QueueDepths(),
	}
	if s.controller != nil {
		p.Profile = s.controller.Profile()
	}
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.NodeStatuses())
}

func (s *Server) handleDrops(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.EdgeDrops())
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.runtime.Pause()
	s.broker.Publish("state", map[string]string{"state": "paused"})
	writeJSON(w, http.StatusOK, map[string]string{"state": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.runtime.Resume()
	s.broker.Publish("state", map[string]string{"state": "running"})
	writeJSON(w, http.StatusOK, map[string]string{"state": "running"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": "stopping"})
	s.broker.Publish("state", map[string]string{"state": "stopping"})
	if s.stop != nil {
		// Cancel after the response is written.
		go s.stop()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
