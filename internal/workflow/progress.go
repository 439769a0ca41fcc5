package workflow

import (
	"log/slog"
	"sync"

	"pharmimport/internal/logging"
	"pharmimport/internal/workstate"
)

// Progress receives per-phase progress. Increment may be called from worker
// goroutines but never concurrently with itself.
type Progress interface {
	Start(phase workstate.Phase, total int)
	Increment(res workstate.ItemResult)
	Finish(phase workstate.Phase)
}

// logProgress logs progress in 10% steps.
type logProgress struct {
	logger  *slog.Logger
	sampler *logging.ProgressSampler

	mu    sync.Mutex
	phase workstate.Phase
	total int
	done  int
}

func newLogProgress(logger *slog.Logger) *logProgress {
	return &logProgress{logger: logger, sampler: logging.NewProgressSampler(10)}
}

func (p *logProgress) Start(phase workstate.Phase, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase, p.total, p.done = phase, total, 0
	p.sampler.Reset()
}

func (p *logProgress) Increment(workstate.ItemResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	if p.sampler.ShouldLog(p.done, p.total, string(p.phase)) {
		p.logger.Info("phase progress",
			logging.String(logging.FieldEventType, "phase_progress"),
			logging.String(logging.FieldPhase, string(p.phase)),
			logging.Int("done", p.done),
			logging.Int("total", p.total),
		)
	}
}

func (p *logProgress) Finish(workstate.Phase) {}
