package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"camstitch/internal/logging"
	"camstitch/internal/services"
	"camstitch/internal/state"
)

// ErrUnitsFailed reports a stage whose units did not all complete. Units
// that reach failed_terminal are not claimed again, so the stage is not
// retried either.
var ErrUnitsFailed = errors.New("work units failed")

// ErrBusy reports that another invocation holds the state directory lock.
var ErrBusy = errors.New("another camstitch run holds the state lock")

// unitDecision is how a failed unit attempt is settled.
type unitDecision struct {
	status state.Status
	retry  bool
	fatal  bool
}

// decideUnit maps an execution error to the unit's next state.
func decideUnit(err error, attempt, maxAttempts int, tolerant bool) unitDecision {
	kind := services.Kind(err)
	switch {
	case services.IsFatal(err):
		return unitDecision{status: state.StatusFailedTerminal, fatal: true}
	case kind == services.KindFatalMedia && tolerant:
		return unitDecision{status: state.StatusExcluded}
	case services.IsRecoverable(err) && attempt < maxAttempts:
		return unitDecision{status: state.StatusFailed, retry: true}
	case services.IsRecoverable(err):
		return unitDecision{status: state.StatusFailedTerminal}
	default:
		return unitDecision{status: state.StatusFailedTerminal}
	}
}

// stageRetryable reports whether a failed stage attempt may run again.
func stageRetryable(err error, attempts, maxAttempts int) bool {
	if errors.Is(err, ErrUnitsFailed) || services.IsFatal(err) {
		return false
	}
	return services.IsRecoverable(err) && attempts < maxAttempts
}

// backoff returns the wait before the given attempt is retried: the base
// delay doubled per previous attempt, capped at the configured maximum.
func (c *Coordinator) backoff(attempt int) time.Duration {
	base := time.Duration(c.cfg.Workflow.RetryBackoffMS) * time.Millisecond
	ceiling := time.Duration(c.cfg.Workflow.RetryBackoffMaxMS) * time.Millisecond
	if base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if ceiling > 0 && wait >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && wait > ceiling {
		return ceiling
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) handleStageFailure(logger *slog.Logger, stageName string, attempts int, stageErr error, retrying bool) {
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = stageName + " failed"
	}
	attrs := []logging.Attr{
		logging.String("error_kind", string(services.Kind(stageErr))),
		logging.Int("attempts", attempts),
		logging.Bool("retrying", retrying),
		logging.String("error_message", message),
		logging.Error(stageErr),
	}
	if retrying {
		logging.WarnWithContext(logger, "stage attempt failed", "stage_retry", attrs...)
		return
	}
	attrs = append(attrs, logging.String(logging.FieldErrorHint, "inspect the failed units with camstitch status"))
	logging.ErrorWithContext(logger, "stage failed", "stage_failure", attrs...)
	c.setLastError(stageErr)
}
