package stage

import (
	"context"
	"log/slog"

	"pharmimport/internal/workstate"
)

// Handler describes the contract the workflow manager needs from each phase.
//
// Prepare runs once before any item is dispatched and may reject the phase
// (for example when the asset directory lacks space). Execute processes the
// phase's eligible items and reports each outcome through the recorder; it
// returns an error only when the phase as a whole cannot continue.
type Handler interface {
	Phase() workstate.Phase
	Prepare(context.Context, *workstate.Recorder) error
	Execute(context.Context, *workstate.Recorder) error
	HealthCheck(context.Context) Health
}

// LoggerAware is implemented by handlers that accept a phase-scoped logger.
type LoggerAware interface {
	SetLogger(*slog.Logger)
}

// CounterReporter is implemented by handlers that expose counters from their
// last Execute for the run report.
type CounterReporter interface {
	Counters() map[string]int64
}
