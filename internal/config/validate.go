package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Run.CheckpointEvery < 0 {
		return errors.New("run.checkpoint_every must be zero or positive")
	}
	if c.Verify.Sample < 0 {
		return errors.New("verify.sample must be zero or positive")
	}
	return nil
}

// ValidateRun checks the settings that only an import run needs: a source
// tree and a dataset tag.
func (c *Config) ValidateRun() error {
	if c.Source.Root == "" {
		return errors.New("source.root is required (set it in the config file or pass --source)")
	}
	if err := c.ValidateTag(); err != nil {
		return err
	}
	return nil
}

// ValidateTag checks that a run tag is present.
func (c *Config) ValidateTag() error {
	if c.Run.Tag == "" {
		return errors.New("run.tag is required (set it in the config file or pass --tag)")
	}
	return nil
}

func (c *Config) validateBackends() error {
	switch c.Run.Backend {
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("database.postgres_dsn must be set for the postgres backend (or export %s)", postgresDSNEnv)
		}
	default:
		return fmt.Errorf("run.backend: unsupported value %q (want %q or %q)", c.Run.Backend, BackendSQLite, BackendPostgres)
	}

	switch c.Assets.Backend {
	case AssetBackendLocal:
		if c.Assets.Dir == "" {
			return errors.New("assets.dir must be set for the local asset backend")
		}
	case AssetBackendS3:
		if c.Assets.S3Bucket == "" {
			return errors.New("assets.s3_bucket must be set for the s3 asset backend")
		}
	default:
		return fmt.Errorf("assets.backend: unsupported value %q (want %q or %q)", c.Assets.Backend, AssetBackendLocal, AssetBackendS3)
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Hash <= 0 {
		return errors.New("workers.hash must be positive")
	}
	if c.Workers.Upload <= 0 {
		return errors.New("workers.upload must be positive")
	}
	if c.Workers.Import <= 0 {
		return errors.New("workers.import must be positive")
	}
	if c.Workers.BatchSize <= 0 {
		return errors.New("workers.batch_size must be positive")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.BaseDelayMS < 0 {
		return errors.New("retry.base_delay_ms must be zero or positive")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return errors.New("retry.max_delay_ms must be at least retry.base_delay_ms")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	if c.Timeouts.UploadSeconds <= 0 {
		return errors.New("timeouts.upload_seconds must be positive")
	}
	if c.Timeouts.BatchWriteSeconds <= 0 {
		return errors.New("timeouts.batch_write_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be zero or positive")
	}
	return nil
}
