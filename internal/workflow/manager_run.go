package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"camstitch/internal/discovery"
	"camstitch/internal/logging"
	"camstitch/internal/media"
	"camstitch/internal/pipeline"
	"camstitch/internal/services"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// Run executes the pipeline for the current input set and returns the run
// summary. Completed stages whose inputs are unchanged are reused, so calling
// Run again after an interruption only performs the remaining work. The
// summary is returned alongside any error that ended the run.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	if err := c.acquire(); err != nil {
		return Summary{}, err
	}
	defer c.release()

	started := time.Now()
	logger := c.stageLogger(ctx)
	if c.preflight {
		if err := c.runPreflightChecks(ctx, logger); err != nil {
			c.setLastError(err)
			return Summary{}, err
		}
	}

	segments, err := c.discover(ctx)
	if err != nil {
		c.setLastError(err)
		return Summary{}, err
	}
	runID := media.InputSetHash(segments)
	ctx = withStageContext(ctx, runID, "", "")
	logger = c.stageLogger(ctx)

	snapshot := c.cfg.Snapshot()
	configJSON, err := json.Marshal(snapshot)
	if err != nil {
		return Summary{}, fmt.Errorf("encode config snapshot: %w", err)
	}
	run, err := c.store.BeginRun(ctx, runID, len(segments), string(configJSON))
	if err != nil {
		c.setLastError(err)
		return Summary{}, err
	}
	recovered, err := c.store.RecoverInterrupted(ctx, runID)
	if err != nil {
		c.setLastError(err)
		return Summary{}, err
	}
	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.Int64(logging.FieldGeneration, run.Generation),
		logging.Int("segments", len(segments)),
		logging.Int64("recovered_units", recovered),
	)

	env := runEnv{store: c.store, runID: runID}
	summary := Summary{RunID: runID, Generation: run.Generation, Segments: len(segments)}

	discoverSummary, upstream, runErr := c.recordDiscover(ctx, env, segments)
	summary.Stages = append(summary.Stages, discoverSummary)
	if runErr == nil {
		for _, h := range c.handlers {
			var st StageSummary
			st, upstream, runErr = c.runStage(ctx, env, h, upstream)
			summary.Stages = append(summary.Stages, st)
			if runErr != nil {
				break
			}
		}
	}

	status := state.RunCompleted
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status = state.RunCanceled
	default:
		status = state.RunFailed
	}
	summary.Status = status
	if runErr != nil {
		summary.Error = runErr.Error()
		c.setLastError(runErr)
	}

	// Finalizing the record must survive a canceled run context.
	finishCtx := context.WithoutCancel(ctx)
	c.fillSummary(finishCtx, env, &summary)
	encoded, err := json.Marshal(summary)
	if err != nil {
		return summary, errors.Join(runErr, fmt.Errorf("encode summary: %w", err))
	}
	if err := c.store.FinishRun(finishCtx, runID, status, string(encoded), summary.Error); err != nil {
		return summary, errors.Join(runErr, err)
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "run_complete"),
		logging.String("status", string(status)),
		logging.Int("clusters", summary.Clusters),
		logging.Int("needs_review", len(summary.NeedsReview)),
		logging.Int("unaligned_cameras", len(summary.Unaligned)),
		logging.Int("excluded_segments", len(summary.Excluded)),
		logging.Duration("run_duration", time.Since(started)),
	}
	if runErr != nil && status == state.RunFailed {
		logging.ErrorWithContext(logger, "run failed", "run_failed", append(attrs, logging.Error(runErr))...)
	} else {
		logger.Info("run finished", logging.Args(attrs...)...)
	}
	return summary, runErr
}

func (c *Coordinator) acquire() error {
	ok, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return services.Wrap(services.ErrConfiguration, "workflow", "lock", c.lockPath, ErrBusy)
	}
	c.mu.Lock()
	c.running = true
	c.lastErr = nil
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	if err := c.lock.Unlock(); err != nil {
		c.logger.Warn("failed to release state lock", logging.Error(err))
	}
}

func (c *Coordinator) discover(ctx context.Context) ([]media.Segment, error) {
	d, err := discovery.New(c.cfg.Discovery, c.prober, c.logger)
	if err != nil {
		return nil, err
	}
	segments, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if err := discovery.Require(segments, c.cfg.Discovery.Inputs); err != nil {
		return nil, err
	}
	return segments, nil
}

// recordDiscover stores the discovered segments as the discover stage output.
// Discovery itself always runs; only the record is reused when unchanged.
func (c *Coordinator) recordDiscover(ctx context.Context, env runEnv, segments []media.Segment) (StageSummary, string, error) {
	name := string(stage.Discover)
	summary := StageSummary{Stage: name, Units: map[string]int{string(state.StatusCompleted): len(segments)}}
	output, err := json.Marshal(pipeline.DiscoverOutput{Segments: segments})
	if err != nil {
		return summary, "", services.Wrap(services.ErrValidation, name, "encode output", "", err)
	}
	inputHash := stageInputHash(name, c.cfg.DiscoveryHash(), state.HashBytes(output))
	rec, err := c.store.GetStage(ctx, env.runID, name)
	if err != nil {
		return summary, "", err
	}
	if rec.Status == state.StatusCompleted && rec.InputHash == inputHash {
		summary.Status = rec.Status
		summary.Skipped = true
		summary.Attempts = rec.Attempts
		return summary, rec.OutputHash, nil
	}
	if err := c.store.ResetStage(ctx, env.runID, name, inputHash); err != nil {
		return summary, "", err
	}
	if _, err := c.store.TransitionStage(ctx, env.runID, name, state.StatusRunning, nil); err != nil {
		return summary, "", err
	}
	rec, err = c.store.CompleteStage(ctx, env.runID, name, output)
	if err != nil {
		return summary, "", err
	}
	summary.Status = rec.Status
	summary.Attempts = rec.Attempts
	return summary, rec.OutputHash, nil
}

// fillSummary adds the review, alignment and exclusion details from the
// stored outputs of completed stages.
func (c *Coordinator) fillSummary(ctx context.Context, env runEnv, summary *Summary) {
	summary.Unaligned = []string{}
	summary.Excluded = []pipeline.Exclusion{}
	summary.NeedsReview = []string{}
	summary.Artifacts = []pipeline.PackagedFile{}

	var extracted pipeline.ExtractOutput
	if c.completed(ctx, env, stage.Extract, &extracted) {
		summary.Excluded = append(summary.Excluded, extracted.Excluded...)
	}
	var aligned pipeline.AlignOutput
	if c.completed(ctx, env, stage.Align, &aligned) {
		summary.Reference = aligned.Reference
		summary.Unaligned = append(summary.Unaligned, aligned.Unaligned()...)
	}
	var deduped pipeline.DedupeOutput
	if c.completed(ctx, env, stage.Dedupe, &deduped) {
		summary.Clusters = len(deduped.Selections)
		for _, sel := range deduped.Selections {
			if sel.NeedsReview() {
				summary.NeedsReview = append(summary.NeedsReview, sel.ClusterID)
			}
		}
	}
	var packaged pipeline.PackageOutput
	if c.completed(ctx, env, stage.Package, &packaged) {
		summary.Artifacts = append(summary.Artifacts, packaged.Files...)
	}
	snapshot, err := c.store.Snapshot(ctx, env.runID, stage.Names())
	if err != nil {
		c.logger.Warn("pipeline state snapshot failed", logging.Error(err))
		return
	}
	snapshot.Status = summary.Status
	summary.State = snapshot
}

func (c *Coordinator) completed(ctx context.Context, env runEnv, name stage.Name, dst any) bool {
	rec, err := c.store.GetStage(ctx, env.runID, string(name))
	if err != nil || rec.Status != state.StatusCompleted {
		return false
	}
	return env.Output(ctx, name, dst) == nil
}
