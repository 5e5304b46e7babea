package sinks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:   "duckdb_sink",
		Inputs: []node.Port{{Name: "in", Payload: model.KindEvent, Required: true}},
		Lane:   node.LaneAsync,
		Sink:   true,
	}, newDuckDBSink)
}

const eventsSchema = `
	CREATE TABLE IF NOT EXISTS events (
		event_id   VARCHAR NOT NULL,
		event_type VARCHAR NOT NULL,
		track_id   BIGINT NOT NULL,
		zone_id    VARCHAR,
		value      BIGINT,
		frame_seq  BIGINT NOT NULL,
		ts         TIMESTAMP NOT NULL
	)
`

// duckDBSink batches events into a DuckDB table. With an export path
// configured it also writes a Parquet snapshot on shutdown.
type duckDBSink struct {
	node.Base
	path       string
	exportPath string
	batchSize  int

	db    *sql.DB
	stmt  *sql.Stmt
	batch []model.Event
	total int64
}

func newDuckDBSink(id string, cfg map[string]any) (node.Node, error) {
	caps, _ := node.Default().Caps("duckdb_sink")
	return &duckDBSink{
		Base:       node.Base{NodeID: id, C: caps},
		path:       stringOr(cfg, "path", ""),
		exportPath: stringOr(cfg, "export_path", ""),
		batchSize:  intOr(cfg, "batch_size", 256),
	}, nil
}

func (s *duckDBSink) Setup(_ context.Context) error {
	db, err := sql.Open("duckdb", s.path)
	if err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "open duckdb").
			WithContext("path", s.path)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return verrors.Wrap(err, verrors.CodeSinkWrite, "create events table")
	}
	stmt, err := db.Prepare(`
		INSERT INTO events (event_id, event_type, track_id, zone_id, value, frame_seq, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return verrors.Wrap(err, verrors.CodeSinkWrite, "prepare insert")
	}
	s.db = db
	s.stmt = stmt
	s.batch = make([]model.Event, 0, s.batchSize)
	return nil
}

func (s *duckDBSink) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	evs := flatten(in["in"])
	if len(evs) == 0 {
		return nil, nil
	}
	s.batch = append(s.batch, evs...)
	if len(s.batch) >= s.batchSize {
		if err := s.flush(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *duckDBSink) flush() error {
	if len(s.batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "begin batch")
	}
	stmt := tx.Stmt(s.stmt)
	for _, ev := range s.batch {
		if _, err := stmt.Exec(
			ev.EventID,
			string(ev.EventType),
			ev.TrackID,
			ev.ZoneID,
			ev.Value,
			int64(ev.FrameSeq),
			ev.Timestamp,
		); err != nil {
			tx.Rollback()
			return verrors.Wrap(err, verrors.CodeSinkWrite, "insert event")
		}
	}
	if err := tx.Commit(); err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "commit batch")
	}
	s.total += int64(len(s.batch))
	s.SetMetric("stored", s.total)
	s.batch = s.batch[:0]
	return nil
}

func (s *duckDBSink) Teardown() error {
	if s.db == nil {
		return nil
	}
	err := s.flush()
	if err == nil && s.exportPath != "" {
		// Parquet snapshot via DuckDB's native COPY.
		_, err = s.db.Exec(fmt.Sprintf(
			"COPY events TO '%s' (FORMAT PARQUET)",
			strings.ReplaceAll(s.exportPath, "'", "''"),
		))
	}
	s.stmt.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// EventStore reads back a DuckDB events database for reports and
// replay.
type EventStore struct {
	db *sql.DB
}

// OpenEventStore opens an existing events database read-only use.
func OpenEventStore(path string) (*EventStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeStoreQuery, "open event store").
			WithContext("path", path)
	}
	return &EventStore{db: db}, nil
}

// Close releases the database handle.
func (s *EventStore) Close() error { return s.db.Close() }

// CountByType returns event totals grouped by type.
func (s *EventStore) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM events GROUP BY event_type ORDER BY event_type`)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeStoreQuery, "count by type")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, verrors.Wrap(err, verrors.CodeStoreQuery, "scan count row")
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Events returns stored events ordered by frame sequence, bounded by
// limit (0 = no limit).
func (s *EventStore) Events(ctx context.Context, limit int) ([]model.Event, error) {
	q := `SELECT event_id, event_type, track_id, zone_id, value, frame_seq, ts
	      FROM events ORDER BY frame_seq, ts`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeStoreQuery, "select events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var typ string
		var seq int64
		var ts time.Time
		if err := rows.Scan(&ev.EventID, &typ, &ev.TrackID, &ev.ZoneID, &ev.Value, &seq, &ts); err != nil {
			return nil, verrors.Wrap(err, verrors.CodeStoreQuery, "scan event row")
		}
		ev.EventType = model.EventType(typ)
		ev.FrameSeq = uint64(seq)
		ev.Timestamp = ts
		out = append(out, ev)
	}
	return out, rows.Err()
}
