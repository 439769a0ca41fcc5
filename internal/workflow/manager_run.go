package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/workstate"
)

// Attempt outcomes recorded in the work state.
const (
	outcomeCompleted   = "completed"
	outcomeFailed      = "failed"
	outcomeInterrupted = "interrupted"
)

// Run executes one import run: it takes the run lock, loads or creates the
// work state for the configured tag, and drives every phase in order,
// skipping phases a previous run completed. Item failures are reported in
// the returned Report; Run returns an error only when the run could not
// finish.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	start := m.now()
	if err := m.cfg.ValidateRun(); err != nil {
		return Report{}, services.Wrap(services.ErrConfiguration, "", "validate config", "", err)
	}

	runID := uuid.NewString()
	tag := m.cfg.Run.Tag
	ctx = services.WithRunID(ctx, runID)
	ctx = services.WithRunTag(ctx, tag)
	logger := logging.WithContext(ctx, m.logger)
	report := Report{RunID: runID, Tag: tag}

	lock, err := m.states.Lock(tag)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release run lock", logging.Error(err))
		}
	}()

	if err := m.runPreflightChecks(ctx, logger); err != nil {
		return report, err
	}

	st, resumed, err := m.states.LoadOrCreate(ctx, m.identity())
	if err != nil {
		return report, err
	}
	report.Resumed = resumed

	rec := workstate.NewRecorder(st, m.states, m.cfg.Run.CheckpointEvery, m.base)
	if err := m.beginAttempt(rec, runID, &report); err != nil {
		return report, err
	}

	logger.Info("import run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.Bool("resumed", resumed),
		logging.Int("reset", report.Reset),
		logging.Bool("replan", m.cfg.Run.Replan),
		logging.String("source_root", m.cfg.Source.Root),
		logging.String("backend", m.cfg.Run.Backend),
		logging.String("asset_backend", m.cfg.Assets.Backend),
	)

	for _, handler := range m.stages.ordered() {
		phaseReport, err := m.runPhase(ctx, rec, handler)
		report.Phases = append(report.Phases, phaseReport)
		if err != nil {
			outcome := outcomeFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				outcome = outcomeInterrupted
			}
			m.finishAttempt(rec, runID, outcome, start, &report, logger)
			return report, err
		}
	}

	if m.cfg.Verify.Enabled && m.verifier != nil {
		var verified error
		rec.With(func(st *workstate.State) {
			vr, err := m.verifier.Verify(services.WithPhase(ctx, "verification"), st)
			if err != nil {
				verified = err
				return
			}
			report.Verification = &vr
		})
		if verified != nil {
			m.finishAttempt(rec, runID, outcomeFailed, start, &report, logger)
			return report, fmt.Errorf("verification: %w", verified)
		}
	}

	m.finishAttempt(rec, runID, outcomeCompleted, start, &report, logger)
	logger.Info("import run finished",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Int("failures", len(report.Failures)),
		logging.Int("warnings", len(report.Warnings)),
		logging.Bool("success", report.Success()),
		logging.Duration("duration", report.Duration),
	)
	return report, nil
}

func (m *Manager) identity() workstate.Identity {
	return workstate.Identity{
		Tag:          m.cfg.Run.Tag,
		Backend:      m.cfg.Run.Backend,
		AssetBackend: m.cfg.Assets.Backend,
		SourceRoot:   m.cfg.Source.Root,
	}
}

// beginAttempt opens the attempt record and applies the operator's reset
// requests before any phase runs.
func (m *Manager) beginAttempt(rec *workstate.Recorder, runID string, report *Report) error {
	var setupErr error
	rec.With(func(st *workstate.State) {
		st.BeginAttempt(runID, m.now().UTC())
		if m.cfg.Run.Replan {
			if err := st.AdvancePhase(workstate.PhasePlanning, workstate.PhaseResult{Status: workstate.PhasePending}); err != nil {
				setupErr = err
				return
			}
		}
		if m.cfg.Run.RetryFailed {
			keys, err := st.ResetFailed()
			if err != nil {
				setupErr = err
				return
			}
			report.Reset = len(keys)
		}
	})
	if setupErr != nil {
		return services.Wrap(services.ErrFatal, "", "begin run", "", setupErr)
	}
	if err := rec.Flush(); err != nil {
		return services.Wrap(services.ErrFatal, "", "begin run", "persist work state", err)
	}
	return nil
}

func (m *Manager) finishAttempt(rec *workstate.Recorder, runID, outcome string, start time.Time, report *Report, logger *slog.Logger) {
	rec.With(func(st *workstate.State) {
		st.FinishAttempt(runID, outcome, m.now().UTC())
		report.Totals = st.Totals
		report.Failures = st.Failures()
		report.Warnings = append([]workstate.Warning(nil), st.Warnings...)
	})
	if err := rec.Flush(); err != nil {
		logging.ErrorWithContext(logger, "persist work state at run end", "checkpoint_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions on the state directory"),
		)
	}
	report.Duration = m.now().Sub(start)
}
