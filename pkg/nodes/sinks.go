package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:   "log_sink",
		Inputs: []node.Port{{Name: "in", Payload: model.KindEvent, Required: true}},
		Lane:   node.LaneInline,
		Sink:   true,
	}, newLogSink)

	node.Register(node.Capabilities{
		Type:   "display_sink",
		Inputs: []node.Port{{Name: "in", Payload: model.KindTracks, Required: true}},
		Lane:   node.LaneInline,
		Sink:   true,
	}, newDisplaySink)

	node.Register(node.Capabilities{
		Type:   "webhook_sink",
		Inputs: []node.Port{{Name: "in", Payload: model.KindEvent, Required: true}},
		Lane:   node.LaneAsync,
		Sink:   true,
	}, newWebhookSink)
}

// events flattens an event payload: logic nodes emit batches, replayed
// streams may deliver single events.
func events(p model.Payload) []model.Event {
	switch v := p.(type) {
	case *model.EventSet:
		return v.Items
	case *model.Event:
		return []model.Event{*v}
	}
	return nil
}

// logSink writes every event to the structured log.
type logSink struct {
	node.Base
}

func newLogSink(id string, cfg map[string]any) (node.Node, error) {
	caps, _ := node.Default().Caps("log_sink")
	return &logSink{Base: node.Base{NodeID: id, C: caps}}, nil
}

func (l *logSink) Process(_ context.Context, ec *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	for _, ev := range events(in["in"]) {
		ec.Log.Info("event",
			"type", ev.EventType,
			"track", ev.TrackID,
			"zone", ev.ZoneID,
			"value", ev.Value,
			"frame", ev.FrameSeq)
		l.Count("events", 1)
	}
	return nil, nil
}

// displaySink renders the current track table to the terminal. It is a
// development aid, not a production output path.
type displaySink struct {
	node.Base
	out   io.Writer
	every int

	header lipgloss.Style
	row    lipgloss.Style
	lost   lipgloss.Style
}

func newDisplaySink(id string, cfg map[string]any) (node.Node, error) {
	caps, _ := node.Default().Caps("display_sink")
	return &displaySink{
		Base:   node.Base{NodeID: id, C: caps},
		out:    os.Stdout,
		every:  cfgInt(cfg, "every_n_frames", 30),
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		row:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		lost:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}, nil
}

func (d *displaySink) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	ts, ok := in["in"].(*model.TrackSet)
	if !ok || ts == nil {
		return nil, nil
	}
	if d.every > 1 && ts.FrameSeq%uint64(d.every) != 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	buf.WriteString(d.header.Render(fmt.Sprintf("frame %d  tracks %d", ts.FrameSeq, len(ts.Items))))
	buf.WriteByte('\n')
	for _, t := range ts.Items {
		style := d.row
		if t.State != model.TrackConfirmed {
			style = d.lost
		}
		buf.WriteString(style.Render(fmt.Sprintf(
			"  #%-4d %-9s %-8s box=(%.0f,%.0f,%.0f,%.0f) age=%d",
			t.ID, t.State, t.Class, t.BBox.X1, t.BBox.Y1, t.BBox.X2, t.BBox.Y2, t.Age)))
		buf.WriteByte('\n')
	}
	_, _ = d.out.Write(buf.Bytes())
	d.Count("renders", 1)
	return nil, nil
}

// webhookSink POSTs events as JSON to an HTTP endpoint. It runs on the
// async lane so endpoint latency never stalls the frame cycle; the
// scheduler's circuit breaker handles a dead endpoint.
type webhookSink struct {
	node.Base
	url    string
	client *http.Client
}

func newWebhookSink(id string, cfg map[string]any) (node.Node, error) {
	url := cfgString(cfg, "url", "")
	if url == "" {
		return nil, fmt.Errorf("webhook_sink %s: url is required", id)
	}
	timeout := time.Duration(cfgInt(cfg, "timeout_ms", 2000)) * time.Millisecond
	caps, _ := node.Default().Caps("webhook_sink")
	return &webhookSink{
		Base:   node.Base{NodeID: id, C: caps},
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *webhookSink) Process(ctx context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	evs := events(in["in"])
	if len(evs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(evs)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeWebhookPost, "encode events")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeWebhookPost, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeWebhookPost, "post events").
			WithContext("url", w.url)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, verrors.New(verrors.CodeWebhookPost, "endpoint rejected events").
			WithContext("url", w.url).
			WithContext("status", resp.StatusCode)
	}
	w.Count("delivered", int64(len(evs)))
	return nil, nil
}
