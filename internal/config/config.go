package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration for persisted run state and logs.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Source describes the tree of search result files to import.
type Source struct {
	Root             string   `toml:"root"`
	RecordExtensions []string `toml:"record_extensions"`
}

// Run contains run identity and checkpoint behaviour.
type Run struct {
	Tag             string `toml:"tag"`
	Backend         string `toml:"backend"`
	CheckpointEvery int    `toml:"checkpoint_every"`
	RetryFailed     bool   `toml:"retry_failed"`
	Replan          bool   `toml:"-"`
}

// Database contains relational store connection settings.
type Database struct {
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Assets contains content-addressed image store settings.
type Assets struct {
	Backend     string `toml:"backend"`
	Dir         string `toml:"dir"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Prefix    string `toml:"s3_prefix"`
	S3Region    string `toml:"s3_region"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3PathStyle bool   `toml:"s3_path_style"`
}

// Workers sizes the per-phase worker pools.
type Workers struct {
	Hash      int `toml:"hash"`
	Upload    int `toml:"upload"`
	Import    int `toml:"import"`
	BatchSize int `toml:"batch_size"`
}

// Retry configures the shared retry-with-backoff policy.
type Retry struct {
	BaseDelayMS int     `toml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	MaxDelayMS  int     `toml:"max_delay_ms"`
	MaxAttempts int     `toml:"max_attempts"`
}

// Timeouts bounds individual network operations.
type Timeouts struct {
	UploadSeconds     int `toml:"upload_seconds"`
	BatchWriteSeconds int `toml:"batch_write_seconds"`
}

// Verify controls the optional post-import verification pass.
type Verify struct {
	Enabled bool `toml:"enabled"`
	Sample  int  `toml:"sample"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for pharmimport.
//
// Configuration sections by subsystem:
//   - Paths: state and log directories
//   - Source: record tree location and file extensions
//   - Run: dataset tag, backend selector, checkpoint cadence
//   - Database: SQLite path or PostgreSQL DSN
//   - Assets: local or S3 image store
//   - Workers: pool sizes per phase and batch size
//   - Retry: backoff schedule for transient failures
//   - Timeouts: per-operation deadlines
//   - Verify: optional verification pass
//   - Logging: log format, level, and retention
type Config struct {
	Paths    Paths    `toml:"paths"`
	Source   Source   `toml:"source"`
	Run      Run      `toml:"run"`
	Database Database `toml:"database"`
	Assets   Assets   `toml:"assets"`
	Workers  Workers  `toml:"workers"`
	Retry    Retry    `toml:"retry"`
	Timeouts Timeouts `toml:"timeouts"`
	Verify   Verify   `toml:"verify"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("pharmimport.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// Normalize re-applies path expansion and selector canonicalisation after
// callers override values (for example from command-line flags).
func (c *Config) Normalize() error {
	return c.normalize()
}

// EnsureDirectories creates the state and log directories, plus the local
// asset directory and SQLite parent directory when those backends are selected.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StateDir, c.Paths.LogDir}
	if c.Assets.Backend == AssetBackendLocal {
		dirs = append(dirs, c.Assets.Dir)
	}
	if c.Run.Backend == BackendSQLite && c.Database.SQLitePath != "" {
		dirs = append(dirs, filepath.Dir(c.Database.SQLitePath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// UploadTimeout bounds a single asset write.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Timeouts.UploadSeconds) * time.Second
}

// BatchWriteTimeout bounds a single batch (or single-row) database write.
func (c *Config) BatchWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.BatchWriteSeconds) * time.Second
}

// IsRecordFile reports whether name carries one of the configured record extensions.
func (c *Config) IsRecordFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range c.Source.RecordExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}
