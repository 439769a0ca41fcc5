package workflow

import (
	"time"

	"pharmimport/internal/stage"
	"pharmimport/internal/verifier"
	"pharmimport/internal/workstate"
)

// StageSet bundles the concrete phase handlers the manager orchestrates.
type StageSet struct {
	Planner  stage.Handler
	Hasher   stage.Handler
	Uploader stage.Handler
	Importer stage.Handler
}

func (s StageSet) ordered() []stage.Handler {
	return []stage.Handler{s.Planner, s.Hasher, s.Uploader, s.Importer}
}

// PhaseReport describes one phase of a run.
type PhaseReport struct {
	Phase     workstate.Phase       `json:"phase"`
	Status    workstate.PhaseStatus `json:"status"`
	Resumed   bool                  `json:"resumed,omitempty"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	// Processed counts items that reached a terminal status during this run.
	Processed int              `json:"processed"`
	AllFailed bool             `json:"all_failed,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Counters  map[string]int64 `json:"counters,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Report is the outcome of Manager.Run.
type Report struct {
	RunID        string                 `json:"run_id"`
	Tag          string                 `json:"tag"`
	Resumed      bool                   `json:"resumed"`
	Reset        int                    `json:"reset,omitempty"`
	Totals       workstate.Totals       `json:"totals"`
	Phases       []PhaseReport          `json:"phases"`
	Failures     []workstate.FailedItem `json:"failures,omitempty"`
	Warnings     []workstate.Warning    `json:"warnings,omitempty"`
	Verification *verifier.Report       `json:"verification,omitempty"`
	Duration     time.Duration          `json:"duration"`
}

// AllFailedPhases lists phases in which every item processed this run failed.
func (r Report) AllFailedPhases() []workstate.Phase {
	var out []workstate.Phase
	for _, p := range r.Phases {
		if p.AllFailed {
			out = append(out, p.Phase)
		}
	}
	return out
}

// Success reports whether the run should exit zero: no phase saw every one
// of its items fail. Individual failures do not change the signal.
func (r Report) Success() bool {
	return len(r.AllFailedPhases()) == 0
}
