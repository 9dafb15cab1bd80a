// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite persists node execution state so a finished run can be
// inspected after the fact. Writes are best effort: the in-memory state is
// authoritative for the live run, and persistence failures are logged and
// counted rather than surfaced, so a broken disk cannot stall a workflow.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/scheduler"
)

// Config holds sqlite backend configuration.
type Config struct {
	// Path is the database file path. ":memory:" is valid for tests.
	Path string

	// BusyTimeout bounds lock waits. Defaults to 5s.
	BusyTimeout time.Duration
}

// Store is a write-through ExecutionState: reads come from an in-memory
// state, writes additionally land in sqlite keyed by run id.
type Store struct {
	db     *sql.DB
	runID  string
	mem    *scheduler.MemoryState
	logger *slog.Logger
}

var _ scheduler.ExecutionState = (*Store)(nil)

// New opens (or creates) the database, applies pragmas and migrations,
// and hydrates any previously persisted outputs for the run.
func New(cfg Config, runID string, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, &errors.ConfigError{Key: "state.path", Reason: "database path is required"}
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// sqlite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %s", pragma)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		runID:  runID,
		mem:    scheduler.NewMemoryState(),
		logger: logger,
	}
	if err := s.hydrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS block_outputs (
	run_id      TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	output      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	executed    INTEGER NOT NULL DEFAULT 1,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_block_outputs_run ON block_outputs(run_id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

// hydrate loads previously persisted outputs for the run into memory.
func (s *Store) hydrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, output, duration_ms, executed FROM block_outputs WHERE run_id = ?`, s.runID)
	if err != nil {
		return errors.Wrap(err, "failed to load run state")
	}
	defer rows.Close()

	for rows.Next() {
		var nodeID, raw string
		var durationMS int64
		var executed bool
		if err := rows.Scan(&nodeID, &raw, &durationMS, &executed); err != nil {
			return errors.Wrap(err, "failed to scan run state")
		}
		var out scheduler.Output
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			s.logger.Warn("skipping unreadable persisted output",
				"run_id", s.runID, "node_id", nodeID, "error", err)
			continue
		}
		s.mem.SetBlockOutput(nodeID, &out, time.Duration(durationMS)*time.Millisecond)
		if !executed {
			s.mem.UnmarkExecuted(nodeID)
		}
	}
	return rows.Err()
}

func (s *Store) HasExecuted(nodeID string) bool {
	return s.mem.HasExecuted(nodeID)
}

func (s *Store) BlockOutput(nodeID string) (*scheduler.Output, bool) {
	return s.mem.BlockOutput(nodeID)
}

func (s *Store) SetBlockOutput(nodeID string, out *scheduler.Output, duration time.Duration) {
	s.mem.SetBlockOutput(nodeID, out, duration)

	raw, err := json.Marshal(out)
	if err != nil {
		s.persistError("marshal", nodeID, err)
		return
	}
	_, err = s.db.Exec(`
INSERT INTO block_outputs (run_id, node_id, output, duration_ms, executed, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT(run_id, node_id) DO UPDATE SET
	output = excluded.output,
	duration_ms = excluded.duration_ms,
	executed = 1,
	updated_at = excluded.updated_at`,
		s.runID, nodeID, string(raw), duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.persistError("write", nodeID, err)
	}
}

func (s *Store) UnmarkExecuted(nodeID string) {
	s.mem.UnmarkExecuted(nodeID)

	_, err := s.db.Exec(
		`UPDATE block_outputs SET executed = 0, updated_at = ? WHERE run_id = ? AND node_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), s.runID, nodeID)
	if err != nil {
		s.persistError("unmark", nodeID, err)
	}
}

// persistError logs a persistence failure without failing the caller.
func (s *Store) persistError(op, nodeID string, err error) {
	metrics.RecordPersistenceError(op)
	s.logger.Error("state persistence failed",
		"operation", op, "run_id", s.runID, "node_id", nodeID, "error", err)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
