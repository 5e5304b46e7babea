package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/sched"
)

// fakeRuntime implements Runtime for handler tests.
type fakeRuntime struct {
	paused atomic.Bool
	cycle  uint64
}

func (f *fakeRuntime) Pause()         { f.paused.Store(true) }
func (f *fakeRuntime) Resume()        { f.paused.Store(false) }
func (f *fakeRuntime) Paused() bool   { return f.paused.Load() }
func (f *fakeRuntime) Cycle() uint64  { return f.cycle }
func (f *fakeRuntime) NodeStatuses() []sched.NodeStatus {
	return []sched.NodeStatus{
		{ID: "src", Type: "synthetic_source", Lane: "inline", State: sched.NodeActive, Breaker: "closed"},
		{ID: "det", Type: "detector", Lane: "async", State: sched.NodeDegraded, Breaker: "open", Errors: 7},
	}
}
func (f *fakeRuntime) EdgeDrops() map[string]int64 {
	return map[string]int64{"src.frames->det.frames": 12}
}
func (f *fakeRuntime) QueueDepths() map[string]int {
	return map[string]int{"det": 3}
}

func newTestServer(rt *fakeRuntime, stop func()) *Server {
	if stop == nil {
		stop = func() {}
	}
	return New(config.ServerConfig{Host: "localhost", Port: 0}, rt, nil, stop, nil)
}

func do(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeRuntime{}, nil)
	if rec := do(t, srv, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	rt := &fakeRuntime{cycle: 42}
	srv := newTestServer(rt, nil)

	rec := do(t, srv, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got statusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "running" || got.Cycle != 42 {
		t.Errorf("payload = %+v", got)
	}
	if got.QueueDepth["det"] != 3 {
		t.Errorf("queue depths = %v", got.QueueDepth)
	}
}

func TestNodes(t *testing.T) {
	srv := newTestServer(&fakeRuntime{}, nil)

	rec := do(t, srv, http.MethodGet, "/api/nodes")
	var got []sched.NodeStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[1].State != sched.NodeDegraded || got[1].Errors != 7 {
		t.Errorf("nodes = %+v", got)
	}
}

func TestDrops(t *testing.T) {
	srv := newTestServer(&fakeRuntime{}, nil)

	rec := do(t, srv, http.MethodGet, "/api/drops")
	var got map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["src.frames->det.frames"] != 12 {
		t.Errorf("drops = %v", got)
	}
}

func TestPauseResume(t *testing.T) {
	rt := &fakeRuntime{}
	srv := newTestServer(rt, nil)

	if rec := do(t, srv, http.MethodPost, "/api/pause"); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if !rt.Paused() {
		t.Fatal("runtime not paused")
	}

	// Status reflects the paused state.
	rec := do(t, srv, http.MethodGet, "/api/status")
	var got statusPayload
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.State != "paused" {
		t.Errorf("state = %q, want paused", got.State)
	}

	do(t, srv, http.MethodPost, "/api/resume")
	if rt.Paused() {
		t.Fatal("runtime still paused after resume")
	}
}

func TestControlEndpointsRejectGet(t *testing.T) {
	srv := newTestServer(&fakeRuntime{}, nil)
	if rec := do(t, srv, http.MethodGet, "/api/pause"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET pause status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/api/stop"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET stop status = %d", rec.Code)
	}
}

func TestStopCancelsRun(t *testing.T) {
	stopped := make(chan struct{})
	srv := newTestServer(&fakeRuntime{}, func() { close(stopped) })

	rec := do(t, srv, http.MethodPost, "/api/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop callback never invoked")
	}
}

func TestBrokerPublishNonBlocking(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Flood well past the channel capacity; Publish must never block.
	for i := 0; i < 100; i++ {
		b.Publish("state", map[string]int{"i": i})
	}
	if b.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", b.Subscribers())
	}
	select {
	case ev := <-ch:
		if ev.Name != "state" {
			t.Errorf("event name = %q", ev.Name)
		}
	default:
		t.Error("no event delivered")
	}
}
