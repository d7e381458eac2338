// Package store persists terminal workflow records and per-day rollups in
// SQLite. In-flight state never touches the store; the engine hands over a
// snapshot exactly once, on the terminal transition.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/cadre/internal/engine"
	"github.com/zjrosen/cadre/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports a workflow id with no terminal record.
var ErrNotFound = errors.New("workflow record not found")

// Rollup is one per-day aggregation row.
type Rollup struct {
	Day            string `json:"day"`
	Classification string `json:"classification"`
	Status         string `json:"status"`
	Workflows      int64  `json:"workflows"`
	StepsCompleted int64  `json:"steps_completed"`
	StepsFailed    int64  `json:"steps_failed"`
	DurationMS     int64  `json:"duration_ms_total"`
}

// Store wraps the SQLite database holding terminal records.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database directory, snapshots any existing database to a
// .bak sibling, opens the file with WAL and busy-timeout pragmas, and runs
// pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	backupExisting(path)

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=synchronous(NORMAL)"
	log.Debug(log.CatStore, "opening database", "path", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.ErrorErr(log.CatStore, "failed to open database", err, "path", path)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		log.ErrorErr(log.CatStore, "failed to ping database", err, "path", path)
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, path: path}
	if err := s.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info(log.CatStore, "store ready", "path", path)
	return s, nil
}

// backupExisting copies the current database file aside. Migrations run
// right after; the copy is the rollback point when one goes wrong.
func backupExisting(path string) {
	data, err := os.ReadFile(path) //nolint:gosec // path is the configured db location
	if err != nil {
		return
	}
	if err := os.WriteFile(path+".bak", data, 0600); err != nil {
		log.Warn(log.CatStore, "database backup failed", "path", path, "error", err.Error())
	}
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	drv, err := newMigrateDriver(s.db)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "cadre", drv)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.ErrorErr(log.CatStore, "migration failed", err, "path", s.path)
		return fmt.Errorf("migrating store: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTerminal writes one terminal workflow record and folds it into the
// day's rollup, in one transaction. Replays of the same workflow id replace
// the record but do not double-count the rollup.
func (s *Store) SaveTerminal(ctx context.Context, snap engine.Snapshot) error {
	if !snap.Status.IsTerminal() {
		return fmt.Errorf("workflow %s is not terminal (%s)", snap.ID, snap.Status)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	var errorCode, errorMessage sql.NullString
	if snap.Failure != nil {
		errorCode = sql.NullString{String: snap.Failure.Code, Valid: true}
		errorMessage = sql.NullString{String: snap.Failure.Message, Valid: true}
	}
	var completedAt sql.NullInt64
	if snap.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: snap.CompletedAt.UnixMilli(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Replays must not double-count the rollup, so check for an existing
	// record before the upsert rather than after.
	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, snap.ID).Scan(&existing); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (
			id, request, classification, status, plan_summary,
			total_steps, completed_steps, failed_steps, skipped_steps,
			error_code, error_message, snapshot,
			created_at_ms, completed_at_ms, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completed_steps = excluded.completed_steps,
			failed_steps = excluded.failed_steps,
			skipped_steps = excluded.skipped_steps,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			snapshot = excluded.snapshot,
			completed_at_ms = excluded.completed_at_ms,
			duration_ms = excluded.duration_ms`,
		snap.ID, snap.Request, string(snap.Classification), string(snap.Status), snap.PlanSummary,
		snap.Progress.Total, snap.Progress.Completed, snap.Progress.Failed, snap.Progress.Skipped,
		errorCode, errorMessage, string(payload),
		snap.CreatedAt.UnixMilli(), completedAt, snap.DurationMS,
	)
	if err != nil {
		log.ErrorErr(log.CatStore, "terminal record insert failed", err, "workflow_id", snap.ID)
		return err
	}

	if existing == 0 {
		day := snap.CreatedAt.UTC().Format("2006-01-02")
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rollups (day, classification, status, workflows, steps_completed, steps_failed, duration_ms_total)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (day, classification, status) DO UPDATE SET
				workflows = rollups.workflows + 1,
				steps_completed = rollups.steps_completed + excluded.steps_completed,
				steps_failed = rollups.steps_failed + excluded.steps_failed,
				duration_ms_total = rollups.duration_ms_total + excluded.duration_ms_total`,
			day, string(snap.Classification), string(snap.Status),
			snap.Progress.Completed, snap.Progress.Failed, snap.DurationMS,
		)
		if err != nil {
			log.ErrorErr(log.CatStore, "rollup upsert failed", err, "workflow_id", snap.ID)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Debug(log.CatStore, "terminal record saved",
		"workflow_id", snap.ID,
		"status", string(snap.Status))
	return nil
}

// GetWorkflow returns the stored snapshot for a terminal workflow.
func (s *Store) GetWorkflow(ctx context.Context, id string) (engine.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM workflows WHERE id = ?`, id).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return engine.Snapshot{}, ErrNotFound
	case err != nil:
		return engine.Snapshot{}, err
	}

	var snap engine.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return engine.Snapshot{}, fmt.Errorf("decoding snapshot %s: %w", id, err)
	}
	return snap, nil
}

// ListRecent returns terminal workflow summaries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]engine.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM workflows
		ORDER BY created_at_ms DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []engine.Summary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap engine.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			log.Warn(log.CatStore, "skipping undecodable record", "error", err.Error())
			continue
		}
		out = append(out, snap.Summarize())
	}
	return out, rows.Err()
}

// Rollups returns per-day aggregation rows on or after sinceDay
// (YYYY-MM-DD); an empty sinceDay returns everything.
func (s *Store) Rollups(ctx context.Context, sinceDay string) ([]Rollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, classification, status, workflows, steps_completed, steps_failed, duration_ms_total
		FROM rollups
		WHERE day >= ?
		ORDER BY day DESC, classification, status`, sinceDay)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Rollup
	for rows.Next() {
		var r Rollup
		if err := rows.Scan(&r.Day, &r.Classification, &r.Status, &r.Workflows, &r.StepsCompleted, &r.StepsFailed, &r.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus returns terminal record counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// PruneOlderThan removes terminal records created before the cutoff and
// returns how many went away. Rollups are kept; they are the history.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info(log.CatStore, "pruned terminal records", "count", n)
	}
	return n, nil
}
