package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"camstitch/internal/logging"
	"camstitch/internal/preflight"
	"camstitch/internal/services"
)

// runPreflightChecks validates directories, inputs and binaries before
// discovery. Advisory results are logged but never fail the run.
func (c *Coordinator) runPreflightChecks(ctx context.Context, logger *slog.Logger) error {
	results := preflight.RunAll(ctx, c.cfg)
	if len(results) == 0 {
		return nil
	}

	var failures []string
	for _, r := range results {
		switch {
		case r.Passed:
			logger.Debug("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"),
			)
		case r.Advisory:
			logging.WarnWithContext(logger, "preflight advisory", "preflight_advisory",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
			)
		default:
			logger.Error("preflight check failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldEventType, "preflight_failed"),
				logging.String(logging.FieldErrorHint, "fix the reported issue and run camstitch again"),
			)
			failures = append(failures, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}

	if len(failures) > 0 {
		return services.Wrap(services.ErrConfiguration, "workflow", "preflight",
			"preflight checks failed: "+strings.Join(failures, "; "), nil)
	}
	return nil
}
