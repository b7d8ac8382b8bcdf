// Package store keeps run history in SQLite. Recording is best effort, the
// coordinator logs and moves on when the database is unavailable.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/gallerist-app/usher/app/enums"
	"github.com/gallerist-app/usher/app/report"
)

// History implements run history persistence using SQLite
type History struct {
	db *sqlx.DB
}

// RunRecord is one stored shard run
type RunRecord struct {
	ID         int64           `db:"id"`
	Shard      int             `db:"shard"`
	Total      int             `db:"total_shards"`
	Status     enums.RunStatus `db:"status"`
	StartedAt  int64           `db:"started_at"`  // unix seconds
	FinishedAt int64           `db:"finished_at"` // unix seconds
	SetupMs    int64           `db:"setup_ms"`
	ExecMs     int64           `db:"exec_ms"`
	Fast       bool            `db:"fast"`
	SharedData bool            `db:"shared_data"`
	Optimized  bool            `db:"optimized"`
	Host       string          `db:"host"`
	CreatedAt  int64           `db:"created_at"` // unix seconds
}

// GroupRecord is one group result inside a stored run
type GroupRecord struct {
	ID        int64             `db:"id"`
	RunID     int64             `db:"run_id"`
	Name      string            `db:"name"`
	Status    enums.GroupStatus `db:"status"`
	Workers   int               `db:"workers"`
	Attempts  int               `db:"attempts"`
	ElapsedMs int64             `db:"elapsed_ms"`
}

// New opens or creates the history database at path and prepares the schema
func New(path string) (*History, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db %s: %w", path, err)
	}

	// enable WAL mode for better concurrency between shards on one machine
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	res := &History{db: db}
	if err := res.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return res, nil
}

// initialize creates the database schema
func (h *History) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			shard INTEGER NOT NULL,
			total_shards INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL DEFAULT 0,
			setup_ms INTEGER NOT NULL DEFAULT 0,
			exec_ms INTEGER NOT NULL DEFAULT 0,
			fast BOOLEAN NOT NULL DEFAULT 0,
			shared_data BOOLEAN NOT NULL DEFAULT 0,
			optimized BOOLEAN NOT NULL DEFAULT 0,
			host TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS run_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			workers INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_groups_run_id ON run_groups(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, query := range queries {
		if _, err := h.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// RecordRun stores one shard's finished run with its group results
func (h *History) RecordRun(m report.ShardMetrics) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	rec := RunRecord{
		Shard:      m.Shard,
		Total:      m.Total,
		Status:     m.Status,
		StartedAt:  m.Started.Unix(),
		FinishedAt: m.Finished.Unix(),
		SetupMs:    m.SetupDur.Milliseconds(),
		ExecMs:     m.ExecDur.Milliseconds(),
		Fast:       m.Fast,
		SharedData: m.SharedData,
		Optimized:  m.Optimized,
		Host:       m.Env.Host,
		CreatedAt:  time.Now().Unix(),
	}

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO runs (shard, total_shards, status, started_at, finished_at, setup_ms, exec_ms,
			fast, shared_data, optimized, host, created_at)
		VALUES (:shard, :total_shards, :status, :started_at, :finished_at, :setup_ms, :exec_ms,
			:fast, :shared_data, :optimized, :host, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get run id: %w", err)
	}

	for _, g := range m.Groups {
		gr := GroupRecord{
			RunID:     runID,
			Name:      g.Name,
			Status:    g.Status,
			Workers:   g.Workers,
			Attempts:  g.Attempts,
			ElapsedMs: g.Elapsed.Milliseconds(),
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO run_groups (run_id, name, status, workers, attempts, elapsed_ms)
			VALUES (:run_id, :name, :status, :workers, :attempts, :elapsed_ms)`, gr); err != nil {
			return fmt.Errorf("failed to insert group %s: %w", g.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns the latest stored runs, newest first
func (h *History) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	res := []RunRecord{}
	err := h.db.SelectContext(ctx, &res, `SELECT * FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return res, nil
}

// ListGroups returns the group results of one stored run in execution order
func (h *History) ListGroups(ctx context.Context, runID int64) ([]GroupRecord, error) {
	res := []GroupRecord{}
	err := h.db.SelectContext(ctx, &res, `SELECT * FROM run_groups WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups for run %d: %w", runID, err)
	}
	return res, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}
