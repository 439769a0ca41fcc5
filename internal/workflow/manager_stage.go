package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/stage"
	"pharmimport/internal/workstate"
)

func (m *Manager) runPhase(ctx context.Context, rec *workstate.Recorder, handler stage.Handler) (PhaseReport, error) {
	phase := handler.Phase()
	ctx = services.WithPhase(ctx, string(phase))
	stageLogger := logging.WithContext(ctx, m.logger)
	report := PhaseReport{Phase: phase}

	var completed bool
	rec.With(func(st *workstate.State) {
		completed = st.Completed(phase)
		fillSummary(&report, st.Summary(phase))
	})
	if completed {
		report.Resumed = true
		stageLogger.Info("phase already completed; skipping",
			logging.String(logging.FieldEventType, "stage_skip"),
			logging.Int("succeeded", report.Succeeded),
			logging.Int("failed", report.Failed),
		)
		return report, nil
	}

	if health := handler.HealthCheck(ctx); !health.Ready {
		err := services.Wrap(services.ErrFatal, string(phase), "health check", health.Detail, nil)
		logging.ErrorWithContext(stageLogger, "phase dependency unavailable", "stage_unhealthy",
			logging.String("check", health.Name),
			logging.String("detail", health.Detail),
			logging.String(logging.FieldErrorHint, "restore the backend and rerun; completed work is kept"),
		)
		report.Status = workstate.PhasePending
		report.Error = err.Error()
		return report, err
	}

	if aware, ok := handler.(stage.LoggerAware); ok {
		aware.SetLogger(m.base)
	}

	before := itemStatuses(rec, phase)
	stageStart := m.now()

	var advanceErr error
	rec.With(func(st *workstate.State) {
		advanceErr = st.AdvancePhase(phase, workstate.PhaseResult{Status: workstate.PhaseRunning, At: stageStart.UTC()})
	})
	if advanceErr != nil {
		err := services.Wrap(services.ErrFatal, string(phase), "start phase", "", advanceErr)
		report.Error = err.Error()
		return report, err
	}
	if err := rec.Flush(); err != nil {
		return m.abortPhase(rec, stageLogger, report, services.Wrap(services.ErrFatal, string(phase), "start phase", "persist work state", err))
	}

	stageLogger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("pending", len(before)-countTerminal(before)),
	)

	if err := handler.Prepare(ctx, rec); err != nil {
		return m.abortPhase(rec, stageLogger, report, err)
	}

	total := 0
	if phase != workstate.PhasePlanning {
		total = len(stage.Eligible(rec, phase))
	}
	m.progress.Start(phase, total)
	rec.Observe(func(res workstate.ItemResult) {
		if res.Phase == phase {
			m.progress.Increment(res)
		}
	})
	execErr := handler.Execute(ctx, rec)
	rec.Observe(nil)
	m.progress.Finish(phase)
	if execErr != nil {
		return m.abortPhase(rec, stageLogger, report, execErr)
	}
	if err := rec.Flush(); err != nil {
		return m.abortPhase(rec, stageLogger, report, services.Wrap(services.ErrFatal, string(phase), "checkpoint", "", err))
	}

	var after []workstate.WorkItem
	rec.With(func(st *workstate.State) {
		advanceErr = st.AdvancePhase(phase, workstate.PhaseResult{Status: workstate.PhaseCompleted, At: m.now().UTC()})
		fillSummary(&report, st.Summary(phase))
		after = st.Snapshot()
	})
	if advanceErr != nil {
		return m.abortPhase(rec, stageLogger, report, services.Wrap(services.ErrFatal, string(phase), "complete phase", "", advanceErr))
	}
	if err := rec.Flush(); err != nil {
		return report, services.Wrap(services.ErrFatal, string(phase), "complete phase", "persist work state", err)
	}

	done, failed, skipped := transitions(before, after, phase)
	report.Processed = done + failed + skipped
	report.AllFailed = failed > 0 && done == 0
	if reporter, ok := handler.(stage.CounterReporter); ok {
		report.Counters = reporter.Counters()
	}
	report.Duration = m.now().Sub(stageStart)

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("processed", report.Processed),
		logging.Int("succeeded", report.Succeeded),
		logging.Int("failed", report.Failed),
		logging.Int("skipped", report.Skipped),
		logging.Duration("stage_duration", report.Duration),
	}
	for name, value := range report.Counters {
		attrs = append(attrs, logging.Int64(name, value))
	}
	stageLogger.Info("stage completed", logging.Args(attrs...)...)
	if report.AllFailed {
		logging.WarnWithContext(stageLogger, "every item in phase failed", "stage_all_failed",
			logging.Int("failed", failed),
			logging.String(logging.FieldErrorHint, "inspect the failure list; fix the cause and rerun with --retry-failed"),
			logging.String(logging.FieldImpact, "the run exits non-zero"),
		)
	}
	return report, nil
}

// abortPhase records the phase as aborted and persists what was recorded so
// far. Items recorded before the failure keep their status.
func (m *Manager) abortPhase(rec *workstate.Recorder, logger *slog.Logger, report PhaseReport, cause error) (PhaseReport, error) {
	phase := report.Phase
	rec.With(func(st *workstate.State) {
		if err := st.AdvancePhase(phase, workstate.PhaseResult{Status: workstate.PhaseAborted, At: m.now().UTC(), Err: cause}); err != nil {
			logger.Debug("phase not running; abort not recorded", logging.Error(err))
		}
		fillSummary(&report, st.Summary(phase))
	})
	if err := rec.Flush(); err != nil {
		cause = errors.Join(cause, fmt.Errorf("persist aborted phase: %w", err))
	}
	report.Error = cause.Error()

	if errors.Is(cause, context.Canceled) {
		logger.Info("stage interrupted", logging.String(logging.FieldEventType, "stage_interrupted"))
		return report, cause
	}
	logging.ErrorWithContext(logger, "stage aborted", "stage_failed",
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "fix the reported issue and rerun; completed items are not repeated"),
	)
	return report, cause
}

func fillSummary(report *PhaseReport, sum workstate.PhaseSummary) {
	report.Status = sum.Status
	report.Succeeded = sum.Succeeded
	report.Failed = sum.Failed
	report.Skipped = sum.Skipped
}

func itemStatuses(rec *workstate.Recorder, phase workstate.Phase) map[string]workstate.ItemStatus {
	out := make(map[string]workstate.ItemStatus)
	rec.With(func(st *workstate.State) {
		for _, item := range st.Items {
			out[item.Key] = item.Status(phase)
		}
	})
	return out
}

func countTerminal(statuses map[string]workstate.ItemStatus) int {
	n := 0
	for _, status := range statuses {
		if status.Terminal() {
			n++
		}
	}
	return n
}

// transitions counts items that reached a terminal status in phase since before.
func transitions(before map[string]workstate.ItemStatus, after []workstate.WorkItem, phase workstate.Phase) (done, failed, skipped int) {
	for _, item := range after {
		if prev, ok := before[item.Key]; ok && prev.Terminal() {
			continue
		}
		switch item.Status(phase) {
		case workstate.ItemDone:
			done++
		case workstate.ItemFailed:
			failed++
		case workstate.ItemSkipped:
			skipped++
		}
	}
	return done, failed, skipped
}
