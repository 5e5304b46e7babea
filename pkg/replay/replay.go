// Package replay re-delivers stored events to an HTTP endpoint at
// their original frame pacing, for rehearsing downstream consumers
// against recorded traffic.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/sinks"
)

// Options configures a replay session.
type Options struct {
	// URL receives each event as a JSON POST.
	URL string
	// FramePeriod reconstructs inter-event timing from frame sequence
	// deltas. Zero replays as fast as the endpoint accepts.
	FramePeriod time.Duration
	// Speed scales the reconstructed timing (2.0 = twice as fast).
	Speed float64
	// Limit bounds the number of events replayed (0 = all).
	Limit int
	// Progress renders a terminal progress bar.
	Progress bool
}

// Result summarizes a replay session.
type Result struct {
	Delivered int
	Failed    int
	Elapsed   time.Duration
}

// Run replays events from the store.
func Run(ctx context.Context, store *sinks.EventStore, opts Options) (*Result, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("replay: url is required")
	}
	if opts.Speed <= 0 {
		opts.Speed = 1.0
	}

	events, err := store.Events(ctx, opts.Limit)
	if err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(len(events),
			progressbar.OptionSetDescription("replaying events"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	res := &Result{}
	var lastSeq uint64

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 && opts.FramePeriod > 0 && ev.FrameSeq > lastSeq {
			gap := time.Duration(float64(opts.FramePeriod) * float64(ev.FrameSeq-lastSeq) / opts.Speed)
			select {
			case <-time.After(gap):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
		lastSeq = ev.FrameSeq

		if err := post(ctx, client, opts.URL, ev); err != nil {
			res.Failed++
		} else {
			res.Delivered++
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

func post(ctx context.Context, client *http.Client, url string, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
