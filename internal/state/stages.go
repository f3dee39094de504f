package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"camstitch/internal/services"
	"camstitch/internal/sqlitex"
)

const stageColumns = "run_id, stage, status, input_hash, output_hash, attempts, error_kind, error_message, started_at, finished_at, updated_at"

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanStage(scanner interface{ Scan(dest ...any) error }) (StageRecord, error) {
	var (
		rec                     StageRecord
		status                  string
		inputHash, outputHash   sql.NullString
		errorKind, errorMessage sql.NullString
		startedRaw, finishedRaw sql.NullString
		updatedRaw              string
	)
	if err := scanner.Scan(&rec.RunID, &rec.Stage, &status, &inputHash, &outputHash, &rec.Attempts,
		&errorKind, &errorMessage, &startedRaw, &finishedRaw, &updatedRaw); err != nil {
		return StageRecord{}, err
	}
	rec.Status = Status(status)
	rec.InputHash = inputHash.String
	rec.OutputHash = outputHash.String
	rec.ErrorKind = services.ErrorKind(errorKind.String)
	rec.ErrorMessage = errorMessage.String
	if t, err := sqlitex.ParseTime(startedRaw.String); err == nil {
		rec.StartedAt = t
	}
	if t, err := sqlitex.ParseTime(finishedRaw.String); err == nil {
		rec.FinishedAt = t
	}
	if t, err := sqlitex.ParseTime(updatedRaw); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func loadStage(ctx context.Context, q querier, runID, stage string) (StageRecord, error) {
	rec, err := scanStage(q.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE run_id = ? AND stage = ?`, runID, stage))
	if errors.Is(err, sql.ErrNoRows) {
		return StageRecord{RunID: runID, Stage: stage, Status: StatusPending}, nil
	}
	return rec, err
}

// GetStage returns the stage record, synthesizing a pending record when the
// stage has never been touched.
func (s *Store) GetStage(ctx context.Context, runID, stage string) (StageRecord, error) {
	rec, err := loadStage(ctx, s.db, runID, stage)
	if err != nil {
		return StageRecord{}, classify(err, "get stage")
	}
	return rec, nil
}

// ListStages returns the persisted stage records of a run.
func (s *Store) ListStages(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE run_id = ? ORDER BY stage`, runID)
	if err != nil {
		return nil, classify(err, "list stages")
	}
	defer rows.Close()
	var out []StageRecord
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, classify(err, "scan stage")
		}
		out = append(out, rec)
	}
	return out, classify(rows.Err(), "list stages")
}

// StageFailure describes why a stage failed.
type StageFailure struct {
	Kind    services.ErrorKind
	Message string
}

// TransitionStage moves a stage along the state machine. Entering running
// counts an attempt; failure states record the failure.
func (s *Store) TransitionStage(ctx context.Context, runID, stage string, to Status, failure *StageFailure) (StageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StageRecord{}, classify(err, "transition stage")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadStage(ctx, tx, runID, stage)
	if err != nil {
		return StageRecord{}, classify(err, "transition stage")
	}
	if !CanTransition(current.Status, to) {
		return StageRecord{}, ErrIllegalTransition{Subject: "stage " + stage, From: current.Status, To: to}
	}

	now := s.timestamp()
	next := current
	next.Status = to
	started := sqlitex.NullableString(sqlitex.FormatTime(current.StartedAt))
	if current.StartedAt.IsZero() {
		started = nil
	}
	var finished any
	var kind, message any
	switch to {
	case StatusRunning:
		next.Attempts++
		started = now
	case StatusFailed, StatusFailedTerminal:
		finished = now
		if failure != nil {
			kind = sqlitex.NullableString(string(failure.Kind))
			message = sqlitex.NullableString(failure.Message)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stages (run_id, stage, status, input_hash, output_hash, attempts, error_kind, error_message, started_at, finished_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(run_id, stage) DO UPDATE SET
             status = excluded.status, attempts = excluded.attempts,
             error_kind = excluded.error_kind, error_message = excluded.error_message,
             started_at = excluded.started_at, finished_at = excluded.finished_at,
             updated_at = excluded.updated_at`,
		runID, stage, to, sqlitex.NullableString(current.InputHash), sqlitex.NullableString(current.OutputHash),
		next.Attempts, kind, message, started, finished, now,
	); err != nil {
		return StageRecord{}, classify(err, "transition stage")
	}
	if err := tx.Commit(); err != nil {
		return StageRecord{}, classify(err, "transition stage")
	}
	return s.GetStage(ctx, runID, stage)
}

// ResetStage invalidates a stage for a new input hash: the stage returns to
// pending with zero attempts and its work units and output are discarded.
func (s *Store) ResetStage(ctx context.Context, runID, stage, inputHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "reset stage")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_units WHERE run_id = ? AND stage = ?`, runID, stage); err != nil {
		return classify(err, "reset units")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_outputs WHERE run_id = ? AND stage = ?`, runID, stage); err != nil {
		return classify(err, "reset output")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stages (run_id, stage, status, input_hash, attempts, updated_at)
         VALUES (?, ?, ?, ?, 0, ?)
         ON CONFLICT(run_id, stage) DO UPDATE SET
             status = excluded.status, input_hash = excluded.input_hash, output_hash = NULL,
             attempts = 0, error_kind = NULL, error_message = NULL,
             started_at = NULL, finished_at = NULL, updated_at = excluded.updated_at`,
		runID, stage, StatusPending, sqlitex.NullableString(inputHash), s.timestamp(),
	); err != nil {
		return classify(err, "reset stage")
	}
	return classify(tx.Commit(), "reset stage")
}

// RetryStage reopens a failed stage whose inputs are unchanged. Only failed
// and failed_terminal units go back to pending with fresh attempts; completed
// and excluded units keep their results. It returns the number of reopened units.
func (s *Store) RetryStage(ctx context.Context, runID, stage string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err, "retry stage")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		`UPDATE work_units
         SET status = ?, attempts = 0, claim_token = NULL, error_kind = NULL, error_message = NULL, updated_at = ?
         WHERE run_id = ? AND stage = ? AND status IN (?, ?)`,
		StatusPending, now, runID, stage, StatusFailed, StatusFailedTerminal,
	)
	if err != nil {
		return 0, classify(err, "retry units")
	}
	reopened, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, "retry units")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_outputs WHERE run_id = ? AND stage = ?`, runID, stage); err != nil {
		return 0, classify(err, "retry output")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stages
         SET status = ?, output_hash = NULL, attempts = 0, error_kind = NULL, error_message = NULL,
             started_at = NULL, finished_at = NULL, updated_at = ?
         WHERE run_id = ? AND stage = ?`,
		StatusPending, now, runID, stage,
	); err != nil {
		return 0, classify(err, "retry stage")
	}
	return reopened, classify(tx.Commit(), "retry stage")
}

// CompleteStage atomically stores the stage output and marks the stage completed.
func (s *Store) CompleteStage(ctx context.Context, runID, stage string, output []byte) (StageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StageRecord{}, classify(err, "complete stage")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadStage(ctx, tx, runID, stage)
	if err != nil {
		return StageRecord{}, classify(err, "complete stage")
	}
	if !CanTransition(current.Status, StatusCompleted) {
		return StageRecord{}, ErrIllegalTransition{Subject: "stage " + stage, From: current.Status, To: StatusCompleted}
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_outputs (run_id, stage, output_json, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(run_id, stage) DO UPDATE SET output_json = excluded.output_json, updated_at = excluded.updated_at`,
		runID, stage, output, now,
	); err != nil {
		return StageRecord{}, classify(err, "store output")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stages SET status = ?, output_hash = ?, error_kind = NULL, error_message = NULL,
             finished_at = ?, updated_at = ?
         WHERE run_id = ? AND stage = ?`,
		StatusCompleted, HashBytes(output), now, now, runID, stage,
	); err != nil {
		return StageRecord{}, classify(err, "complete stage")
	}
	if err := tx.Commit(); err != nil {
		return StageRecord{}, classify(err, "complete stage")
	}
	return s.GetStage(ctx, runID, stage)
}

// GetOutput returns the stored output of a completed stage.
func (s *Store) GetOutput(ctx context.Context, runID, stage string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT output_json FROM stage_outputs WHERE run_id = ? AND stage = ?`, runID, stage,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err, "get output")
	}
	return payload, true, nil
}

// HashBytes returns the hex sha256 of payload.
func HashBytes(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
