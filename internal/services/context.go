package services

import "context"

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	runTagKey  contextKey = "run_tag"
	phaseKey   contextKey = "phase"
	itemKeyKey contextKey = "item_key"
)

// WithRunID annotates context with the identifier of the current run attempt.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run attempt identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, runIDKey)
}

// WithRunTag annotates context with the dataset tag of the run.
func WithRunTag(ctx context.Context, tag string) context.Context {
	if tag == "" {
		return ctx
	}
	return context.WithValue(ctx, runTagKey, tag)
}

// RunTagFromContext returns the run tag if present.
func RunTagFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, runTagKey)
}

// WithPhase annotates context with the pipeline phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	if phase == "" {
		return ctx
	}
	return context.WithValue(ctx, phaseKey, phase)
}

// PhaseFromContext returns the phase name if present.
func PhaseFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, phaseKey)
}

// WithItemKey annotates context with the work item key.
func WithItemKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, itemKeyKey, key)
}

// ItemKeyFromContext extracts the work item key if present.
func ItemKeyFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, itemKeyKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
