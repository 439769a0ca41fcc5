package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"pharmimport/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retry delays are shortened so exhausted retries finish quickly. The source
// root exists but is empty.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Source.Root = filepath.Join(base, "source")
	cfgVal.Run.Tag = "test-run"
	cfgVal.Run.CheckpointEvery = 5
	cfgVal.Database.SQLitePath = filepath.Join(base, "db", "pharmimport.db")
	cfgVal.Assets.Dir = filepath.Join(base, "assets")
	cfgVal.Workers.Hash = 4
	cfgVal.Workers.Upload = 3
	cfgVal.Workers.Import = 2
	cfgVal.Retry.BaseDelayMS = 1
	cfgVal.Retry.MaxDelayMS = 5
	cfgVal.Retry.MaxAttempts = 3
	cfgVal.Timeouts.UploadSeconds = 5
	cfgVal.Timeouts.BatchWriteSeconds = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if err := os.MkdirAll(builder.cfg.Source.Root, 0o755); err != nil {
		t.Fatalf("mkdir source root: %v", err)
	}
	return builder.cfg
}

// WithTag overrides the run tag on the test config.
func WithTag(tag string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Run.Tag = tag
	}
}

// WithBatchSize overrides the import batch size.
func WithBatchSize(size int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.BatchSize = size
	}
}

// WithWorkers overrides the per-phase worker counts.
func WithWorkers(hash, upload, imports int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.Hash = hash
		b.cfg.Workers.Upload = upload
		b.cfg.Workers.Import = imports
	}
}

// WithVerify enables the verification pass with the given sample size.
func WithVerify(sample int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Verify.Enabled = true
		b.cfg.Verify.Sample = sample
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
