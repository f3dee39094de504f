package state

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"camstitch/internal/services"
	"camstitch/internal/sqlitex"
)

const unitColumns = "run_id, stage, unit_key, status, attempts, claim_token, error_kind, error_message, result_json, updated_at"

func scanUnit(scanner interface{ Scan(dest ...any) error }) (Unit, error) {
	var (
		unit         Unit
		status       string
		claimToken   sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		updatedRaw   string
	)
	if err := scanner.Scan(&unit.RunID, &unit.Stage, &unit.Key, &status, &unit.Attempts, &claimToken,
		&errorKind, &errorMessage, &unit.Result, &updatedRaw); err != nil {
		return Unit{}, err
	}
	unit.Status = Status(status)
	unit.ClaimToken = claimToken.String
	unit.ErrorKind = services.ErrorKind(errorKind.String)
	unit.ErrorMessage = errorMessage.String
	if t, err := sqlitex.ParseTime(updatedRaw); err == nil {
		unit.UpdatedAt = t
	}
	return unit, nil
}

// EnsureUnits registers the work units of a stage. Existing units keep their
// state, so calling this on resume is harmless.
func (s *Store) EnsureUnits(ctx context.Context, runID, stage string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "ensure units")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO work_units (run_id, stage, unit_key, status, attempts, updated_at) VALUES (?, ?, ?, ?, 0, ?)`)
	if err != nil {
		return classify(err, "ensure units")
	}
	defer stmt.Close()

	now := s.timestamp()
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, runID, stage, key, StatusPending, now); err != nil {
			return classify(err, "ensure unit "+key)
		}
	}
	return classify(tx.Commit(), "ensure units")
}

// Claim marks a pending or retryable unit running under a fresh token. The
// conditional update makes the claim visible immediately; a second claimant
// of the same unit gets ok=false.
func (s *Store) Claim(ctx context.Context, runID, stage, key string) (Claim, bool, error) {
	token := uuid.NewString()
	res, err := sqlitex.Exec(ctx, s.db,
		`UPDATE work_units
         SET status = ?, claim_token = ?, attempts = attempts + 1, updated_at = ?
         WHERE run_id = ? AND stage = ? AND unit_key = ? AND status IN (?, ?)`,
		StatusRunning, token, s.timestamp(), runID, stage, key, StatusPending, StatusFailed,
	)
	if err != nil {
		return Claim{}, false, classify(err, "claim unit")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Claim{}, false, classify(err, "claim unit")
	}
	if affected != 1 {
		return Claim{}, false, nil
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM work_units WHERE run_id = ? AND stage = ? AND unit_key = ?`, runID, stage, key,
	).Scan(&attempts); err != nil {
		return Claim{}, false, classify(err, "claim unit")
	}
	return Claim{RunID: runID, Stage: stage, Key: key, Token: token, Attempt: attempts}, true, nil
}

// Commit records the unit result and releases the claim.
func (s *Store) Commit(ctx context.Context, claim Claim, result []byte) error {
	return s.settle(ctx, claim, StatusCompleted, result, "", "")
}

// Fail records a failed attempt. to must be StatusFailed (retryable),
// StatusFailedTerminal or StatusExcluded.
func (s *Store) Fail(ctx context.Context, claim Claim, to Status, kind services.ErrorKind, message string) error {
	switch to {
	case StatusFailed, StatusFailedTerminal, StatusExcluded:
	default:
		return ErrIllegalTransition{Subject: "unit " + claim.Key, From: StatusRunning, To: to}
	}
	return s.settle(ctx, claim, to, nil, kind, message)
}

func (s *Store) settle(ctx context.Context, claim Claim, to Status, result []byte, kind services.ErrorKind, message string) error {
	res, err := sqlitex.Exec(ctx, s.db,
		`UPDATE work_units
         SET status = ?, result_json = ?, error_kind = ?, error_message = ?, claim_token = NULL, updated_at = ?
         WHERE run_id = ? AND stage = ? AND unit_key = ? AND status = ? AND claim_token = ?`,
		to, result, sqlitex.NullableString(string(kind)), sqlitex.NullableString(message), s.timestamp(),
		claim.RunID, claim.Stage, claim.Key, StatusRunning, claim.Token,
	)
	if err != nil {
		return classify(err, "settle unit")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "settle unit")
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s/%s", ErrClaimLost, claim.Stage, claim.Key)
	}
	return nil
}

// Escalate moves a unit that exhausted its attempts from failed to failed_terminal.
func (s *Store) Escalate(ctx context.Context, runID, stage, key string) error {
	if _, err := sqlitex.Exec(ctx, s.db,
		`UPDATE work_units SET status = ?, updated_at = ? WHERE run_id = ? AND stage = ? AND unit_key = ? AND status = ?`,
		StatusFailedTerminal, s.timestamp(), runID, stage, key, StatusFailed,
	); err != nil {
		return classify(err, "escalate unit")
	}
	return nil
}

// ListUnits returns the units of a stage ordered by key.
func (s *Store) ListUnits(ctx context.Context, runID, stage string) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM work_units WHERE run_id = ? AND stage = ? ORDER BY unit_key`, runID, stage)
	if err != nil {
		return nil, classify(err, "list units")
	}
	defer rows.Close()
	var units []Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, classify(err, "scan unit")
		}
		units = append(units, unit)
	}
	return units, classify(rows.Err(), "list units")
}

// UnitCounts tallies the units of a stage by status.
func (s *Store) UnitCounts(ctx context.Context, runID, stage string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM work_units WHERE run_id = ? AND stage = ? GROUP BY status`, runID, stage)
	if err != nil {
		return nil, classify(err, "count units")
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err, "count units")
		}
		counts[Status(status)] = n
	}
	return counts, classify(rows.Err(), "count units")
}

// Snapshot assembles the PipelineState of a run for the given stage order.
func (s *Store) Snapshot(ctx context.Context, runID string, stages []string) (PipelineState, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return PipelineState{}, err
	}
	if run == nil {
		return PipelineState{}, services.Wrap(services.ErrNotFound, "state", "snapshot", "run "+runID, nil)
	}
	snapshot := PipelineState{RunID: run.ID, Generation: run.Generation, Status: run.Status}
	for _, name := range stages {
		rec, err := s.GetStage(ctx, runID, name)
		if err != nil {
			return PipelineState{}, err
		}
		units, err := s.ListUnits(ctx, runID, name)
		if err != nil {
			return PipelineState{}, err
		}
		st := StageState{
			Stage:     name,
			Status:    rec.Status,
			InputHash: rec.InputHash,
			Attempts:  rec.Attempts,
			ErrorKind: string(rec.ErrorKind),
			Error:     rec.ErrorMessage,
		}
		for _, unit := range units {
			switch unit.Status {
			case StatusCompleted:
				st.Completed = append(st.Completed, unit.Key)
			case StatusPending, StatusRunning:
				st.Pending = append(st.Pending, unit.Key)
			default:
				st.Failed = append(st.Failed, FailedUnit{
					Key:          unit.Key,
					Status:       unit.Status,
					Attempts:     unit.Attempts,
					ErrorKind:    unit.ErrorKind,
					ErrorMessage: unit.ErrorMessage,
				})
			}
		}
		sort.Strings(st.Completed)
		sort.Strings(st.Pending)
		snapshot.Stages = append(snapshot.Stages, st)
	}
	return snapshot, nil
}
