package workflow

import (
	"context"
	"log/slog"

	"pharmimport/internal/logging"
	"pharmimport/internal/preflight"
	"pharmimport/internal/services"
)

// runPreflightChecks validates the filesystem before any state is touched.
// Returns nil when all checks pass, or a fatal error describing all failures.
func (m *Manager) runPreflightChecks(ctx context.Context, logger *slog.Logger) error {
	results := preflight.RunAll(ctx, m.cfg)
	for _, r := range results {
		if r.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"),
			)
			continue
		}
		logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "fix the reported issue and rerun"),
		)
	}

	if err := preflight.Failed(results); err != nil {
		return services.Wrap(services.ErrFatal, "", "preflight", "checks failed", err)
	}
	return nil
}
