package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"camstitch/internal/logging"
	"camstitch/internal/state"
)

// ProgressMonitor periodically logs unit progress of a running stage.
type ProgressMonitor struct {
	store    *state.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewProgressMonitor creates a new monitor.
func NewProgressMonitor(store *state.Store, logger *slog.Logger, interval time.Duration) *ProgressMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ProgressMonitor{
		store:    store,
		logger:   logger,
		interval: interval,
	}
}

// StartLoop logs the stage's unit counts until ctx is done. A tick only
// logs when settled units cross another ten percent of the total.
func (p *ProgressMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, runID, stageName string, total int) {
	defer wg.Done()
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, p.logger.With(logging.String("component", "workflow-progress")))
	sampler := logging.NewProgressSampler(10)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := p.store.UnitCounts(ctx, runID, stageName)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("progress read failed", logging.Error(err))
				continue
			}
			settled := counts[state.StatusCompleted] + counts[state.StatusExcluded] + counts[state.StatusFailedTerminal]
			if !sampler.ShouldLog(stageName, settled, total) {
				continue
			}
			logger.Info("stage progress",
				logging.String(logging.FieldEventType, "stage_progress"),
				logging.Int("settled", settled),
				logging.Int("total", total),
				logging.Int("running", counts[state.StatusRunning]),
				logging.Int("retrying", counts[state.StatusFailed]),
			)
		}
	}
}
