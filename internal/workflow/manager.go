package workflow

import (
	"log/slog"
	"time"

	"pharmimport/internal/blobstore"
	"pharmimport/internal/config"
	"pharmimport/internal/hashing"
	"pharmimport/internal/importer"
	"pharmimport/internal/logging"
	"pharmimport/internal/planner"
	"pharmimport/internal/store"
	"pharmimport/internal/uploader"
	"pharmimport/internal/verifier"
	"pharmimport/internal/workstate"
)

// Manager coordinates one import run across the registered phase handlers.
type Manager struct {
	cfg      *config.Config
	states   *workstate.Store
	stages   StageSet
	verifier *verifier.Verifier
	logger   *slog.Logger
	base     *slog.Logger
	progress Progress
	now      func() time.Time
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithVerifier enables the verification pass when cfg.Verify.Enabled is set.
func WithVerifier(v *verifier.Verifier) ManagerOption {
	return func(m *Manager) {
		m.verifier = v
	}
}

// WithProgress replaces the default sampled-log progress reporter.
func WithProgress(p Progress) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.progress = p
		}
	}
}

// NewManager constructs a workflow manager with the real phase handlers
// wired to db and blobs.
func NewManager(cfg *config.Config, states *workstate.Store, db store.Store, blobs blobstore.Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	stages := StageSet{
		Planner:  planner.NewPlanner(cfg, logger),
		Hasher:   hashing.NewComputer(cfg, logger),
		Uploader: uploader.NewUploader(cfg, blobs, db, logger),
		Importer: importer.NewImporter(cfg, db, logger),
	}
	opts = append([]ManagerOption{WithVerifier(verifier.NewVerifier(cfg, db, logger))}, opts...)
	return NewManagerWithStages(cfg, states, stages, logger, opts...)
}

// NewManagerWithStages constructs a workflow manager around custom handlers (used in tests).
func NewManagerWithStages(cfg *config.Config, states *workstate.Store, stages StageSet, logger *slog.Logger, opts ...ManagerOption) *Manager {
	base := logger
	if base == nil {
		base = logging.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		states: states,
		stages: stages,
		logger: logging.NewComponentLogger(base, "workflow-manager"),
		base:   base,
		now:    time.Now,
	}
	m.progress = newLogProgress(m.logger)
	for _, opt := range opts {
		opt(m)
	}
	return m
}
