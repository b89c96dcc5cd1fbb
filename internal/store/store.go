// Package store is the durable state layer. It persists async task handles
// (the only state that must survive a crash) and an archive of finished runs,
// in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_handles (
	run_id           TEXT NOT NULL,
	step_id          TEXT NOT NULL,
	external_task_id TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	fingerprint      TEXT NOT NULL,
	status           TEXT NOT NULL,
	PRIMARY KEY (run_id, step_id)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	subject_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	escalated   BOOLEAN NOT NULL,
	total_cost  TEXT NOT NULL,
	result_json TEXT NOT NULL
);
`

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database holding handles and the run archive.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (and migrates) the database at path. Use ":memory:" in tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn from concurrent step executions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveHandle persists a task handle. It must be called before the first poll
// of the external task; an existing record for the same (run, step) is
// replaced.
func (s *Store) SaveHandle(ctx context.Context, h models.AsyncTaskHandle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_handles
			(run_id, step_id, external_task_id, created_at, fingerprint, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.RunID, h.StepID, h.ExternalTaskID, h.CreatedAt.UTC(), h.Fingerprint, string(h.Status),
	)
	if err != nil {
		return fmt.Errorf("save handle %s/%s: %w", h.RunID, h.StepID, err)
	}
	return nil
}

// UpdateHandleStatus records the last observed non-terminal status.
func (s *Store) UpdateHandleStatus(ctx context.Context, runID, stepID string, status models.TaskState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_handles SET status = ? WHERE run_id = ? AND step_id = ?`,
		string(status), runID, stepID,
	)
	if err != nil {
		return fmt.Errorf("update handle %s/%s: %w", runID, stepID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteHandle removes a handle. Called only once the external task reached a
// terminal status.
func (s *Store) DeleteHandle(ctx context.Context, runID, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_handles WHERE run_id = ? AND step_id = ?`, runID, stepID)
	if err != nil {
		return fmt.Errorf("delete handle %s/%s: %w", runID, stepID, err)
	}
	return nil
}

// ListOpenHandles returns every persisted handle whose local run never
// observed a terminal state, ordered by creation time.
func (s *Store) ListOpenHandles(ctx context.Context) ([]models.AsyncTaskHandle, error) {
	var handles []models.AsyncTaskHandle
	err := s.db.SelectContext(ctx, &handles, `
		SELECT run_id, step_id, external_task_id, created_at, fingerprint, status
		FROM task_handles
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open handles: %w", err)
	}
	return handles, nil
}

// GetHandle fetches one handle record.
func (s *Store) GetHandle(ctx context.Context, runID, stepID string) (models.AsyncTaskHandle, error) {
	var h models.AsyncTaskHandle
	err := s.db.GetContext(ctx, &h, `
		SELECT run_id, step_id, external_task_id, created_at, fingerprint, status
		FROM task_handles WHERE run_id = ? AND step_id = ?`, runID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AsyncTaskHandle{}, ErrNotFound
	}
	if err != nil {
		return models.AsyncTaskHandle{}, fmt.Errorf("get handle %s/%s: %w", runID, stepID, err)
	}
	return h, nil
}

// SaveRun archives a finished run result.
func (s *Store) SaveRun(ctx context.Context, mode models.Mode, startedAt, finishedAt time.Time, result *models.AgentRunResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, subject_id, mode, started_at, finished_at, escalated, total_cost, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Analysis.SubjectID, string(mode),
		startedAt.UTC(), finishedAt.UTC(), result.Escalated,
		result.TotalCost.String(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", result.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit archived results, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.AgentRunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_json FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []models.AgentRunResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var r models.AgentRunResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			s.logger.Warn("skipping unreadable archived run", zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
