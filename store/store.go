// Package store persists the download queue in SQLite. The table is the
// single source of truth for task state across restarts; the coordinator's
// in-memory view is a cache reconciled back here after every transition.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sonata/types"
)

//go:embed schema.sql
var schemaSQL string

// ErrTaskActive is returned when a mutation would orphan a running worker.
var ErrTaskActive = errors.New("task is actively downloading")

// UpsertResult describes what an enqueue did to the store.
type UpsertResult int

const (
	// UpsertSkipped means a non-terminal row for the same (contentId, path)
	// already exists; enqueueing again is a no-op.
	UpsertSkipped UpsertResult = iota
	// UpsertInserted means a fresh row was created.
	UpsertInserted
	// UpsertReactivated means a terminal row was reset to queued.
	UpsertReactivated
)

// Store manages queue persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: dbPath}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

const taskColumns = `id, content_id, stream_content_id, access_token, origin_hash,
    origin_version, path, private, quality, state, received_bytes, total_bytes,
    downloaded_bytes, error_message, final_path, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.DownloadTask, error) {
	var (
		t         types.DownloadTask
		private   int
		state     string
		errMsg    sql.NullString
		finalPath sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&t.ID, &t.ContentID, &t.StreamContentID, &t.AccessToken, &t.OriginHash,
		&t.OriginVersion, &t.Path, &private, &t.Quality, &state,
		&t.ReceivedBytes, &t.TotalBytes, &t.DownloadedBytes, &errMsg,
		&finalPath, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Private = private != 0
	parsed, ok := types.ParseState(state)
	if !ok {
		return nil, fmt.Errorf("scan task %d: unknown state %q", t.ID, state)
	}
	t.State = parsed
	t.ErrorMessage = errMsg.String
	t.FinalPath = finalPath.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// LoadAll returns every task ordered by insertion. Rows found mid-download
// are first forced back to queued: a prior process death leaves no live
// worker behind them.
func (s *Store) LoadAll(ctx context.Context) ([]types.DownloadTask, error) {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE download_tasks SET state = ?, updated_at = ? WHERE state IN (?, ?)`,
		types.StateQueued, timestamp(),
		types.StateDownloading, types.StatePostProcessing,
	); err != nil {
		return nil, fmt.Errorf("reset stale downloading rows: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM download_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetByID fetches one task, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*types.DownloadTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM download_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Upsert enqueues a task keyed by the (contentId, path) pair. A terminal row
// for the same pair is reactivated to queued instead of duplicated; a live
// row makes the call a no-op.
func (s *Store) Upsert(ctx context.Context, req types.NewTaskRequest) (UpsertResult, *types.DownloadTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertSkipped, nil, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM download_tasks WHERE content_id = ? AND path = ?`,
		req.ContentID, req.Path,
	)
	existing, err := scanTask(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := timestamp()
		streamID := req.StreamContentID
		if streamID == "" {
			streamID = req.ContentID
		}
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO download_tasks (
                content_id, stream_content_id, access_token, origin_hash,
                origin_version, path, private, quality, state,
                created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ContentID, streamID, req.AccessToken, req.OriginHash,
			req.OriginVersion, req.Path, boolToInt(req.Private), req.Quality,
			types.StateQueued, now, now,
		)
		if err != nil {
			return UpsertSkipped, nil, fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return UpsertSkipped, nil, fmt.Errorf("last insert id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return UpsertSkipped, nil, fmt.Errorf("commit upsert: %w", err)
		}
		t, err := s.GetByID(ctx, id)
		if err != nil {
			return UpsertSkipped, nil, err
		}
		return UpsertInserted, t, nil

	case err != nil:
		return UpsertSkipped, nil, fmt.Errorf("lookup task by identity: %w", err)
	}

	if !existing.State.IsTerminal() {
		return UpsertSkipped, existing, nil
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE download_tasks
         SET state = ?, access_token = ?, quality = ?, received_bytes = 0,
             total_bytes = 0, downloaded_bytes = 0, error_message = NULL, updated_at = ?
         WHERE id = ?`,
		types.StateQueued, req.AccessToken, req.Quality, timestamp(), existing.ID,
	); err != nil {
		return UpsertSkipped, nil, fmt.Errorf("reactivate task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertSkipped, nil, fmt.Errorf("commit reactivate: %w", err)
	}
	t, err := s.GetByID(ctx, existing.ID)
	if err != nil {
		return UpsertSkipped, nil, err
	}
	return UpsertReactivated, t, nil
}

// UpdateState persists a state transition with an optional failure message.
func (s *Store) UpdateState(ctx context.Context, id int64, state types.TaskState, errorMessage string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE download_tasks SET state = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		state, nullableString(errorMessage), timestamp(), id,
	); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return nil
}

// SetProgress records the latest received/total byte counts.
func (s *Store) SetProgress(ctx context.Context, id, received, total int64) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE download_tasks SET received_bytes = ?, total_bytes = ?, updated_at = ? WHERE id = ?`,
		received, total, timestamp(), id,
	); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// SetCheckpoint persists the durable resume offset of a stopped task and
// returns it to queued. A user stop is not a failure.
func (s *Store) SetCheckpoint(ctx context.Context, id, downloadedBytes int64) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE download_tasks
         SET state = ?, downloaded_bytes = ?, received_bytes = ?, updated_at = ?
         WHERE id = ?`,
		types.StateQueued, downloadedBytes, downloadedBytes, timestamp(), id,
	); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// SetFinalPath records where a completed download landed on disk, used to
// serve local playback by content id later.
func (s *Store) SetFinalPath(ctx context.Context, id int64, finalPath string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE download_tasks SET final_path = ?, updated_at = ? WHERE id = ?`,
		nullableString(finalPath), timestamp(), id,
	); err != nil {
		return fmt.Errorf("set final path: %w", err)
	}
	return nil
}

// GetDoneByContentID finds a completed download of the given content, or nil
// when none exists. The newest completion wins when several rows match.
func (s *Store) GetDoneByContentID(ctx context.Context, contentID string) (*types.DownloadTask, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM download_tasks
         WHERE content_id = ? AND state = ? ORDER BY updated_at DESC LIMIT 1`,
		contentID, types.StateDone,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get done task: %w", err)
	}
	return t, nil
}

// Delete removes one task. Tasks currently owned by a worker are left
// untouched and ErrTaskActive is returned.
func (s *Store) Delete(ctx context.Context, id int64) error {
	t, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	if t.State.IsActive() {
		return ErrTaskActive
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_tasks WHERE id = ? AND state NOT IN (?, ?)`,
		id, types.StateDownloading, types.StatePostProcessing); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// DeleteByState bulk-removes tasks in the given state inside one transaction.
// Active states are rejected outright.
func (s *Store) DeleteByState(ctx context.Context, state types.TaskState) (int64, error) {
	if state.IsActive() {
		return 0, ErrTaskActive
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM download_tasks WHERE state = ?`, state)
	if err != nil {
		return 0, fmt.Errorf("delete by state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return affected, nil
}

// RetryFailed resets both failure categories back to queued in a single
// transaction; a mid-batch error leaves no partial change visible.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE download_tasks
         SET state = ?, error_message = NULL, updated_at = ?
         WHERE state IN (?, ?)`,
		types.StateQueued, timestamp(),
		types.StateError, types.StateUpstreamError,
	)
	if err != nil {
		return 0, fmt.Errorf("retry failed tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retry: %w", err)
	}
	return affected, nil
}
