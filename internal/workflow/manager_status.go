package workflow

import (
	"context"
	"encoding/json"

	"camstitch/internal/logging"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool                `json:"running"`
	LastError   string              `json:"last_error,omitempty"`
	Run         *state.Run          `json:"-"`
	State       state.PipelineState `json:"pipeline_state"`
	LastSummary *Summary            `json:"last_summary,omitempty"`
	StageHealth []stage.Health      `json:"stage_health"`
}

// Status reports the latest run and the readiness of every stage handler.
func (c *Coordinator) Status(ctx context.Context) (StatusSummary, error) {
	c.mu.RLock()
	summary := StatusSummary{Running: c.running}
	if c.lastErr != nil {
		summary.LastError = c.lastErr.Error()
	}
	c.mu.RUnlock()

	summary.StageHealth = c.Health(ctx)

	run, err := c.store.LatestRun(ctx)
	if err != nil {
		return summary, err
	}
	if run == nil {
		return summary, nil
	}
	summary.Run = run
	snapshot, err := c.store.Snapshot(ctx, run.ID, stage.Names())
	if err != nil {
		return summary, err
	}
	summary.State = snapshot
	if run.SummaryJSON != "" {
		var last Summary
		if err := json.Unmarshal([]byte(run.SummaryJSON), &last); err != nil {
			c.logger.Warn("stored run summary unreadable", logging.Error(err))
		} else {
			summary.LastSummary = &last
		}
	}
	return summary, nil
}

// Health calls every stage handler's health check, in stage order.
func (c *Coordinator) Health(ctx context.Context) []stage.Health {
	out := make([]stage.Health, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h.HealthCheck(ctx))
	}
	return out
}

func (c *Coordinator) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
