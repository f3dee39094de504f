package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"camstitch/internal/logging"
	"camstitch/internal/services"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// runEnv exposes stored stage outputs to handlers.
type runEnv struct {
	store *state.Store
	runID string
}

func (e runEnv) RunID() string { return e.runID }

func (e runEnv) Output(ctx context.Context, name stage.Name, dst any) error {
	data, ok, err := e.store.GetOutput(ctx, e.runID, string(name))
	if err != nil {
		return err
	}
	if !ok {
		return services.Wrap(services.ErrStateCorruption, "workflow", "load output",
			fmt.Sprintf("stage %s has no stored output", name), nil)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return services.Wrap(services.ErrStateCorruption, "workflow", "decode output", string(name), err)
	}
	return nil
}

// stageInputHash fingerprints a stage's configuration together with the
// output it consumes.
func stageInputHash(name, paramsHash, upstreamOutputHash string) string {
	h := sha256.New()
	for _, part := range []string{name, paramsHash, upstreamOutputHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// runStage brings one stage to completed, reusing a completed record with a
// matching input hash. It returns the stage output hash.
func (c *Coordinator) runStage(ctx context.Context, env runEnv, h stage.Handler, upstream string) (summary StageSummary, outputHash string, err error) {
	name := string(h.Name())
	ctx = withStageContext(ctx, env.runID, name, uuid.NewString())
	logger := c.stageLogger(ctx)
	summary = StageSummary{Stage: name}
	started := time.Now()
	defer func() { summary.Duration = time.Since(started) }()

	inputHash := stageInputHash(name, h.ParamsHash(), upstream)
	rec, err := c.store.GetStage(ctx, env.runID, name)
	if err != nil {
		return summary, "", err
	}
	reusable := rec.Status == state.StatusCompleted && rec.InputHash == inputHash
	if reusable {
		if reuser, ok := h.(stage.Reuser); ok {
			valid, reason, err := reuser.Reusable(ctx, env)
			if err != nil {
				return summary, "", err
			}
			if !valid {
				reusable = false
				attrs := append(logging.DecisionAttrs("stage_reuse", "invalidated", reason),
					logging.String(logging.FieldEventType, "stage_invalidated"),
					logging.String("input_hash", inputHash),
				)
				logger.Info("stage output no longer backed by cache; running again", logging.Args(attrs...)...)
				if err := c.store.ResetStage(ctx, env.runID, name, inputHash); err != nil {
					return summary, "", err
				}
			}
		}
	}
	if reusable {
		summary.Status = rec.Status
		summary.Skipped = true
		summary.Attempts = rec.Attempts
		attrs := append(logging.DecisionAttrs("stage_reuse", "reused", "input hash unchanged"),
			logging.String(logging.FieldEventType, "stage_skipped"),
			logging.String("input_hash", inputHash),
		)
		logger.Info("stage up to date", logging.Args(attrs...)...)
		return summary, rec.OutputHash, nil
	}
	switch {
	case rec.InputHash != inputHash:
		if rec.InputHash != "" {
			attrs := append(logging.DecisionAttrs("stage_reuse", "invalidated", "input hash changed"),
				logging.String(logging.FieldEventType, "stage_invalidated"),
				logging.String("previous_input_hash", rec.InputHash),
				logging.String("input_hash", inputHash),
			)
			logger.Info("stage inputs changed; discarding previous work", logging.Args(attrs...)...)
		}
		if err := c.store.ResetStage(ctx, env.runID, name, inputHash); err != nil {
			return summary, "", err
		}
	case rec.Status == state.StatusFailedTerminal:
		reopened, err := c.store.RetryStage(ctx, env.runID, name)
		if err != nil {
			return summary, "", err
		}
		attrs := append(logging.DecisionAttrs("stage_reuse", "retried", "previous attempt failed"),
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.Int64("reopened_units", reopened),
		)
		logger.Info("retrying failed stage; completed units are kept", logging.Args(attrs...)...)
	}

	maxAttempts := max(c.cfg.Workflow.MaxAttempts, 1)
	for {
		rec, err = c.store.TransitionStage(ctx, env.runID, name, state.StatusRunning, nil)
		if err != nil {
			return summary, "", err
		}
		summary.Attempts = rec.Attempts
		logger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.Int("attempt", rec.Attempts),
		)

		output, units, stageErr := c.attemptStage(ctx, env, h)
		summary.Units = units
		if stageErr == nil {
			rec, err = c.store.CompleteStage(ctx, env.runID, name, output)
			if err != nil {
				return summary, "", err
			}
			summary.Status = rec.Status
			logger.Info("stage completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Any("units", units),
				logging.Duration("stage_duration", time.Since(started)),
			)
			return summary, rec.OutputHash, nil
		}
		if ctx.Err() != nil {
			summary.Status = state.StatusRunning
			summary.Error = ctx.Err().Error()
			logger.Info("stage interrupted", logging.String(logging.FieldEventType, "stage_interrupted"))
			return summary, "", ctx.Err()
		}

		failure := &state.StageFailure{Kind: services.Kind(stageErr), Message: stageErr.Error()}
		if _, err := c.store.TransitionStage(ctx, env.runID, name, state.StatusFailed, failure); err != nil {
			return summary, "", err
		}
		retry := stageRetryable(stageErr, rec.Attempts, maxAttempts)
		c.handleStageFailure(logger, name, rec.Attempts, stageErr, retry)
		if !retry {
			if _, err := c.store.TransitionStage(ctx, env.runID, name, state.StatusFailedTerminal, failure); err != nil {
				return summary, "", err
			}
			summary.Status = state.StatusFailedTerminal
			summary.Error = stageErr.Error()
			return summary, "", stageErr
		}
		if err := sleepContext(ctx, c.backoff(rec.Attempts)); err != nil {
			summary.Status = state.StatusFailed
			return summary, "", err
		}
	}
}

// attemptStage executes one stage attempt and returns the encoded output
// together with the unit tallies.
func (c *Coordinator) attemptStage(ctx context.Context, env runEnv, h stage.Handler) ([]byte, map[string]int, error) {
	name := string(h.Name())
	plan, err := h.Prepare(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	if err := c.store.EnsureUnits(ctx, env.runID, name, plan.Units); err != nil {
		return nil, nil, err
	}
	if err := c.executeUnits(ctx, env.runID, h, plan); err != nil {
		return nil, nil, err
	}

	outcomes, err := c.outcomes(ctx, env.runID, name, plan.Units)
	if err != nil {
		return nil, nil, err
	}
	tally := make(map[string]int)
	var failed []string
	for _, o := range outcomes {
		tally[string(o.Status)]++
		if o.Status != state.StatusCompleted {
			failed = append(failed, o.Key)
		}
	}
	if len(failed) > 0 && !plan.Tolerant {
		return nil, tally, fmt.Errorf("%w: %s: %d of %d units did not complete (first: %s)",
			ErrUnitsFailed, name, len(failed), len(outcomes), failed[0])
	}

	result, err := h.Finalize(ctx, outcomes)
	if err != nil {
		return nil, tally, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, tally, services.Wrap(services.ErrValidation, name, "encode output", "", err)
	}
	return data, tally, nil
}

// outcomes returns the settled units of the plan, ordered by key.
func (c *Coordinator) outcomes(ctx context.Context, runID, name string, keys []string) ([]stage.UnitOutcome, error) {
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	units, err := c.store.ListUnits(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	out := make([]stage.UnitOutcome, 0, len(keys))
	for _, u := range units {
		if _, ok := wanted[u.Key]; !ok {
			continue
		}
		out = append(out, stage.UnitOutcome{
			Key:       u.Key,
			Status:    u.Status,
			Result:    u.Result,
			ErrorKind: u.ErrorKind,
			Error:     u.ErrorMessage,
		})
	}
	if len(out) != len(keys) {
		return nil, services.Wrap(services.ErrStateCorruption, name, "collect outcomes",
			fmt.Sprintf("state holds %d of %d planned units", len(out), len(keys)), nil)
	}
	return out, nil
}

// executeUnits runs every claimable unit of the plan on a bounded worker
// pool. A fatal unit error stops new units from being issued; units already
// executing finish. Cancellation leaves in-flight units running in the state
// store for the next invocation to recover.
func (c *Coordinator) executeUnits(ctx context.Context, runID string, h stage.Handler, plan stage.Plan) error {
	name := string(h.Name())
	maxAttempts := max(c.cfg.Workflow.MaxAttempts, 1)

	units, err := c.store.ListUnits(ctx, runID, name)
	if err != nil {
		return err
	}
	inPlan := make(map[string]struct{}, len(plan.Units))
	for _, k := range plan.Units {
		inPlan[k] = struct{}{}
	}
	var queue []string
	for _, u := range units {
		if _, ok := inPlan[u.Key]; !ok {
			continue
		}
		switch u.Status {
		case state.StatusPending:
			queue = append(queue, u.Key)
		case state.StatusFailed:
			if u.Attempts >= maxAttempts {
				if err := c.store.Escalate(ctx, runID, name, u.Key); err != nil {
					return err
				}
				continue
			}
			queue = append(queue, u.Key)
		}
	}
	if len(queue) == 0 {
		return nil
	}

	var monitorWG sync.WaitGroup
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorWG.Add(1)
	go c.progress.StartLoop(monitorCtx, &monitorWG, runID, name, len(plan.Units))
	defer func() {
		stopMonitor()
		monitorWG.Wait()
	}()

	workers := min(max(c.cfg.Workflow.Concurrency, 1), len(queue))
	jobs := make(chan string)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fatalErr error
		stop     = make(chan struct{})
		stopOnce sync.Once
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				if err := c.runUnit(ctx, runID, h, key, plan.Tolerant, maxAttempts); err != nil {
					mu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					mu.Unlock()
					stopOnce.Do(func() { close(stop) })
				}
			}
		}()
	}

issue:
	for _, key := range queue {
		select {
		case <-ctx.Done():
			break issue
		case <-stop:
			break issue
		case jobs <- key:
		}
	}
	close(jobs)
	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	return ctx.Err()
}

// runUnit claims and executes one unit, retrying recoverable failures inline
// with backoff. It returns an error only when the run must stop.
func (c *Coordinator) runUnit(ctx context.Context, runID string, h stage.Handler, key string, tolerant bool, maxAttempts int) error {
	name := string(h.Name())
	for {
		claim, ok, err := c.store.Claim(ctx, runID, name, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		unitCtx := withUnitContext(ctx, key, claim.Token)
		logger := c.stageLogger(unitCtx)

		execCtx, cancel := unitContext(unitCtx, c.cfg.UnitTimeout())
		result, execErr := h.ExecuteUnit(execCtx, key)
		timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
		cancel()

		if execErr == nil {
			if err := c.store.Commit(ctx, claim, result); err != nil {
				return err
			}
			logger.Debug("unit completed", logging.Int("attempt", claim.Attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timedOut && !errors.Is(execErr, services.ErrTimeout) {
			execErr = services.Wrap(services.ErrTimeout, name, "execute", "unit exceeded timeout", execErr)
		}

		decision := decideUnit(execErr, claim.Attempt, maxAttempts, tolerant)
		kind := services.Kind(execErr)
		if err := c.store.Fail(ctx, claim, decision.status, kind, execErr.Error()); err != nil {
			return err
		}
		attrs := []logging.Attr{
			logging.String("error_kind", string(kind)),
			logging.Int("attempt", claim.Attempt),
			logging.Int("max_attempts", maxAttempts),
			logging.String("resolved_status", string(decision.status)),
			logging.Error(execErr),
		}
		switch {
		case decision.fatal:
			logging.ErrorWithContext(logger, "unit failed; stopping run", "unit_fatal", attrs...)
			return execErr
		case decision.retry:
			logging.WarnWithContext(logger, "unit attempt failed; retrying", "unit_retry",
				append(attrs, logging.String(logging.FieldImpact, "unit retried after backoff"))...)
			if err := sleepContext(ctx, c.backoff(claim.Attempt)); err != nil {
				return err
			}
		case decision.status == state.StatusExcluded:
			logging.WarnWithContext(logger, "unit excluded", "unit_excluded",
				append(attrs, logging.String(logging.FieldImpact, "subject dropped from the run"))...)
			return nil
		default:
			logging.WarnWithContext(logger, "unit failed terminally", "unit_failed",
				append(attrs, logging.String(logging.FieldImpact, "unit will not be retried this run"))...)
			return nil
		}
	}
}

func unitContext(ctx context.Context, timeoutSeconds int) (context.Context, context.CancelFunc) {
	if timeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
}
