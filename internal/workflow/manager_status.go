package workflow

import (
	"context"

	"pharmimport/internal/stage"
)

// HealthCheck reports the readiness of every phase handler.
func (m *Manager) HealthCheck(ctx context.Context) map[string]stage.Health {
	out := make(map[string]stage.Health, 4)
	for _, handler := range m.stages.ordered() {
		if handler == nil {
			continue
		}
		out[string(handler.Phase())] = handler.HealthCheck(ctx)
	}
	return out
}

// Healthy reports whether every handler is ready.
func (m *Manager) Healthy(ctx context.Context) bool {
	for _, health := range m.HealthCheck(ctx) {
		if !health.Ready {
			return false
		}
	}
	return true
}
