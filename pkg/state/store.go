// Package state persists pipeline run records so operators can audit
// what ran, for how long, and how it degraded.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
)

// Run is one pipeline execution record.
type Run struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	Descriptor string     `json:"descriptor"`
	Status     string     `json:"status"` // running, completed, failed
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Cycles     uint64     `json:"cycles"`
	DropTotal  int64      `json:"drop_total"`
	Error      string     `json:"error,omitempty"`
	// FinalProfile records the tier indices at shutdown.
	FinalProfile map[string]int `json:"final_profile,omitempty"`
}

// Store keeps run records in a DuckDB database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the run store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id            VARCHAR PRIMARY KEY,
			pipeline      VARCHAR NOT NULL,
			descriptor    VARCHAR,
			status        VARCHAR NOT NULL,
			started_at    TIMESTAMP NOT NULL,
			ended_at      TIMESTAMP,
			cycles        BIGINT DEFAULT 0,
			drop_total    BIGINT DEFAULT 0,
			error         VARCHAR,
			final_profile VARCHAR
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate run store: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts a new running record and returns its id.
func (s *Store) StartRun(ctx context.Context, pipeline, descriptor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, descriptor, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
	`, id, pipeline, descriptor, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// FinishRun closes out a run record.
func (s *Store) FinishRun(ctx context.Context, id string, cycles uint64, drops int64, profile map[string]int, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "completed"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
	}
	var profJSON []byte
	if profile != nil {
		profJSON, _ = json.Marshal(profile)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, cycles = ?, drop_total = ?, error = ?, final_profile = ?
		WHERE id = ?
	`, status, time.Now().UTC(), int64(cycles), drops, errMsg, string(profJSON), id)
	if err != nil {
		return fmt.Errorf("record run end: %w", err)
	}
	return nil
}

// ListRuns returns records newest first, bounded by limit (0 = all).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, pipeline, descriptor, status, started_at, ended_at,
	             cycles, drop_total, error, final_profile
	      FROM runs ORDER BY started_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun looks up a single run record.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, descriptor, status, started_at, ended_at,
		       cycles, drop_total, error, final_profile
		FROM runs WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("run %s not found", id)
	}
	r, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var r Run
	var ended sql.NullTime
	var errMsg, profJSON sql.NullString
	var cycles int64
	if err := rows.Scan(&r.ID, &r.Pipeline, &r.Descriptor, &r.Status, &r.StartedAt,
		&ended, &cycles, &r.DropTotal, &errMsg, &profJSON); err != nil {
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.Cycles = uint64(cycles)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	r.Error = errMsg.String
	if profJSON.Valid && profJSON.String != "" {
		json.Unmarshal([]byte(profJSON.String), &r.FinalProfile)
	}
	return r, nil
}
