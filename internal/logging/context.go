package logging

import (
	"context"
	"log/slog"

	"pharmimport/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID identifies one invocation of an import run.
	FieldRunID = "run_id"
	// FieldRunTag is the dataset tag that names the persisted work state.
	FieldRunTag = "run_tag"
	// FieldPhase is the pipeline phase (planning, hashing, uploading, importing, verification).
	FieldPhase = "phase"
	// FieldItemKey is the work item key (source-relative record path).
	FieldItemKey = "item_key"
	// FieldContentHash is the hex SHA-256 of an image.
	FieldContentHash = "content_hash"
	// FieldEventType classifies a log line for filtering (phase_start, item_failed, ...).
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to do next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
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
	if tag, ok := services.RunTagFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunTag, tag))
	}
	if phase, ok := services.PhaseFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldPhase, phase))
	}
	if key, ok := services.ItemKeyFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldItemKey, key))
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
	return logger.With(Args(fields...)...)
}
