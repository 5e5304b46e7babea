// Package sinks provides the storage-backed output sinks: Redis event
// streams, S3 archive batches, a DuckDB event store and an Arrow IPC
// recorder. Each registers a node type on the async lane so backend
// latency never touches the frame cycle.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:   "redis_sink",
		Inputs: []node.Port{{Name: "in", Payload: model.KindEvent, Required: true}},
		Lane:   node.LaneAsync,
		Sink:   true,
	}, newRedisSink)
}

// RedisConfig configures the Redis event stream backend.
type RedisConfig struct {
	Address  string
	Password string
	Database int
	// Prefix is prepended to the stream key and checkpoint keys.
	Prefix string
	// TTL expires checkpoint keys (0 = no expiration).
	TTL time.Duration
	// Timeout bounds individual Redis operations.
	Timeout time.Duration
	// MaxLen caps the event stream length (approximate trimming).
	MaxLen int64
}

// redisSink publishes events to a Redis stream and keeps a checkpoint
// key with the last delivered frame sequence. On restart the
// checkpoint is read back and events at or below it are skipped, so
// replayed cycles cannot double-publish.
type redisSink struct {
	node.Base
	cfg       RedisConfig
	client    *redis.Client
	resumeSeq uint64
}

func newRedisSink(id string, cfg map[string]any) (node.Node, error) {
	rc := RedisConfig{
		Address:  stringOr(cfg, "address", "localhost:6379"),
		Password: stringOr(cfg, "password", ""),
		Database: intOr(cfg, "database", 0),
		Prefix:   stringOr(cfg, "prefix", "visionflow:"),
		TTL:      time.Duration(intOr(cfg, "ttl_s", 86400)) * time.Second,
		Timeout:  time.Duration(intOr(cfg, "timeout_ms", 5000)) * time.Millisecond,
		MaxLen:   int64(intOr(cfg, "max_len", 100000)),
	}
	caps, _ := node.Default().Caps("redis_sink")
	return &redisSink{Base: node.Base{NodeID: id, C: caps}, cfg: rc}, nil
}

func (s *redisSink) Setup(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Address,
		Password:     s.cfg.Password,
		DB:           s.cfg.Database,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "redis unreachable").
			WithContext("address", s.cfg.Address)
	}

	cp, err := s.Checkpoint(pingCtx)
	if err != nil {
		return err
	}
	s.resumeSeq = parseCheckpoint(cp)
	if s.resumeSeq > 0 {
		s.Count("resumed_from", int64(s.resumeSeq))
	}
	return nil
}

func (s *redisSink) Teardown() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisSink) streamKey() string     { return s.cfg.Prefix + "events" }
func (s *redisSink) checkpointKey() string { return s.cfg.Prefix + "checkpoint" }

func (s *redisSink) Process(ctx context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	evs, skipped := dropDelivered(flatten(in["in"]), s.resumeSeq)
	if skipped > 0 {
		s.Count("skipped_delivered", int64(skipped))
	}
	if len(evs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	for _, ev := range evs {
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, verrors.Wrap(err, verrors.CodeSinkWrite, "encode event")
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey(),
			MaxLen: s.cfg.MaxLen,
			Approx: true,
			Values: map[string]any{
				"type":  string(ev.EventType),
				"event": body,
			},
		})
	}
	pipe.Set(ctx, s.checkpointKey(), fmt.Sprint(evs[len(evs)-1].FrameSeq), s.cfg.TTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, verrors.Wrap(err, verrors.CodeSinkWrite, "redis publish failed").
			WithContext("stream", s.streamKey())
	}
	s.Count("published", int64(len(evs)))
	return nil, nil
}

// parseCheckpoint decodes a stored checkpoint value. Missing or
// corrupt checkpoints resume from zero rather than failing setup.
func parseCheckpoint(v string) uint64 {
	if v == "" {
		return 0
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// dropDelivered filters out events already covered by the checkpoint,
// returning the remainder and the number skipped.
func dropDelivered(evs []model.Event, resumeSeq uint64) ([]model.Event, int) {
	if resumeSeq == 0 {
		return evs, 0
	}
	kept := evs[:0:0]
	for _, ev := range evs {
		if ev.FrameSeq <= resumeSeq {
			continue
		}
		kept = append(kept, ev)
	}
	return kept, len(evs) - len(kept)
}

// Checkpoint reads back the last delivered frame sequence, if any.
func (s *redisSink) Checkpoint(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, s.checkpointKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", verrors.Wrap(err, verrors.CodeCheckpointLoad, "read checkpoint")
	}
	return v, nil
}
