package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"camstitch/internal/config"
	"camstitch/internal/services"
	"camstitch/internal/sqlitex"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
// Users will need to reset their state database after schema changes.
const schemaVersion = 1

// FileName is the state database inside paths.state_dir.
const FileName = "state.db"

// ErrClaimLost is returned when a commit or failure no longer holds the claim
// it was issued, for example after recovery reset the unit.
var ErrClaimLost = errors.New("work unit claim lost")

// Store manages pipeline state persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open connects to the state database under the configured state directory.
func Open(cfg *config.Config) (*Store, error) {
	return OpenPath(filepath.Join(cfg.Paths.StateDir, FileName))
}

// OpenPath connects to the state database at path, creating the schema when
// needed and verifying integrity otherwise. A record that cannot be trusted
// yields services.ErrStateCorruption.
func OpenPath(path string) (*Store, error) {
	ctx := context.Background()
	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, classify(err, "open")
	}
	if err := sqlitex.InitSchema(ctx, db, schemaSQL, schemaVersion); err != nil {
		_ = db.Close()
		return nil, classify(err, "init schema")
	}
	if err := sqlitex.QuickCheck(ctx, db); err != nil {
		_ = db.Close()
		return nil, classify(err, "integrity check")
	}
	return &Store{db: db, path: path, now: time.Now}, nil
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if sqlitex.IsCorrupt(err) || errors.Is(err, sqlitex.ErrSchemaMismatch) {
		return services.Wrap(services.ErrStateCorruption, "state", op, "pipeline state unreadable", err)
	}
	return fmt.Errorf("state %s: %w", op, err)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Verify re-runs the integrity check.
func (s *Store) Verify(ctx context.Context) error {
	return classify(sqlitex.QuickCheck(ctx, s.db), "integrity check")
}

func (s *Store) timestamp() string {
	return sqlitex.FormatTime(s.now())
}

// BeginRun creates the run record for an input set or loads the existing one,
// increments its generation and marks it running.
func (s *Store) BeginRun(ctx context.Context, id string, segmentCount int, configJSON string) (*Run, error) {
	now := s.timestamp()
	if _, err := sqlitex.Exec(ctx, s.db,
		`INSERT INTO runs (id, generation, status, segment_count, config_json, created_at, updated_at)
         VALUES (?, 1, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             generation = generation + 1,
             status = excluded.status,
             segment_count = excluded.segment_count,
             config_json = excluded.config_json,
             summary_json = NULL,
             error_message = NULL,
             updated_at = excluded.updated_at`,
		id, RunRunning, segmentCount, sqlitex.NullableString(configJSON), now, now,
	); err != nil {
		return nil, classify(err, "begin run")
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, services.Wrap(services.ErrStateCorruption, "state", "begin run", "run vanished after upsert", nil)
	}
	return run, nil
}

// FinishRun records the final status and summary of an invocation.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, summaryJSON, errorMessage string) error {
	if _, err := sqlitex.Exec(ctx, s.db,
		`UPDATE runs SET status = ?, summary_json = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, sqlitex.NullableString(summaryJSON), sqlitex.NullableString(errorMessage), s.timestamp(), id,
	); err != nil {
		return classify(err, "finish run")
	}
	return nil
}

const runColumns = "id, generation, status, segment_count, config_json, summary_json, error_message, created_at, updated_at"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run        Run
		status     string
		configJSON sql.NullString
		summary    sql.NullString
		errMsg     sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(&run.ID, &run.Generation, &status, &run.SegmentCount, &configJSON, &summary, &errMsg, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.ConfigJSON = configJSON.String
	run.SummaryJSON = summary.String
	run.ErrorMessage = errMsg.String
	if t, err := sqlitex.ParseTime(createdRaw); err == nil {
		run.CreatedAt = t
	}
	if t, err := sqlitex.ParseTime(updatedRaw); err == nil {
		run.UpdatedAt = t
	}
	return &run, nil
}

// GetRun fetches a run by id, returning nil when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get run")
	}
	return run, nil
}

// LatestRun returns the most recently updated run, or nil when none exist.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY updated_at DESC, id LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "latest run")
	}
	return run, nil
}

// ListRuns returns all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, classify(err, "list runs")
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, classify(err, "scan run")
		}
		runs = append(runs, *run)
	}
	return runs, classify(rows.Err(), "list runs")
}

// DeleteRun removes a run and everything recorded under it.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "delete run")
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"work_units", "stage_outputs", "stages"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, id); err != nil {
			return classify(err, "delete "+table)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return classify(err, "delete run")
	}
	return classify(tx.Commit(), "delete run")
}

// RecoverInterrupted returns work left running by a killed process to the
// queue. The attempt consumed by the interrupted execution is refunded so the
// recovered run reaches the same terminal state as an uninterrupted one.
func (s *Store) RecoverInterrupted(ctx context.Context, runID string) (int64, error) {
	now := s.timestamp()
	res, err := sqlitex.Exec(ctx, s.db,
		`UPDATE work_units
         SET status = ?, attempts = MAX(attempts - 1, 0), claim_token = NULL, updated_at = ?
         WHERE run_id = ? AND status = ?`,
		StatusPending, now, runID, StatusRunning,
	)
	if err != nil {
		return 0, classify(err, "recover units")
	}
	units, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, "recover units")
	}
	if _, err := sqlitex.Exec(ctx, s.db,
		`UPDATE stages
         SET status = ?, attempts = MAX(attempts - 1, 0), updated_at = ?
         WHERE run_id = ? AND status = ?`,
		StatusPending, now, runID, StatusRunning,
	); err != nil {
		return 0, classify(err, "recover stages")
	}
	return units, nil
}
