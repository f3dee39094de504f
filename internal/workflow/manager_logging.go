package workflow

import (
	"context"
	"log/slog"

	"camstitch/internal/logging"
	"camstitch/internal/services"
)

func (c *Coordinator) stageLogger(ctx context.Context) *slog.Logger {
	base := c.logger
	if base == nil {
		base = logging.NewNop()
	}
	return logging.WithContext(ctx, base)
}

func withStageContext(ctx context.Context, runID, stageName, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if runID != "" {
		ctx = services.WithRunID(ctx, runID)
	}
	if stageName != "" {
		ctx = services.WithStage(ctx, stageName)
	}
	if requestID != "" {
		ctx = services.WithRequestID(ctx, requestID)
	}
	return ctx
}

func withUnitContext(ctx context.Context, key, requestID string) context.Context {
	ctx = services.WithUnitKey(ctx, key)
	if requestID != "" {
		ctx = services.WithRequestID(ctx, requestID)
	}
	return ctx
}
