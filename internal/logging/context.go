package logging

import (
	"context"
	"log/slog"

	"camstitch/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID identifies the persisted run a log line belongs to.
	FieldRunID = "run_id"
	// FieldGeneration is the invocation counter of the run.
	FieldGeneration = "generation"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldUnitKey identifies a work unit within a stage.
	FieldUnitKey = "unit"
	// FieldSegmentID identifies a media segment.
	FieldSegmentID = "segment_id"
	// FieldCamera identifies a camera.
	FieldCamera = "camera"
	// FieldClusterID identifies a moment cluster.
	FieldClusterID = "cluster_id"
	// FieldCorrelationID is the structured logging key for claim tokens and request ids.
	FieldCorrelationID = "correlation_id"
	FieldEventType     = "event_type"
	FieldErrorHint     = "error_hint"
	FieldImpact        = "impact"
	FieldDecisionType  = "decision_type"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if unit, ok := services.UnitKeyFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldUnitKey, unit))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}
