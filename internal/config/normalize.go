package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeSource(); err != nil {
		return err
	}
	c.normalizeRun()
	if err := c.normalizeDatabase(); err != nil {
		return err
	}
	if err := c.normalizeAssets(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(strings.TrimSpace(c.Paths.StateDir)); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeSource() error {
	var err error
	if root := strings.TrimSpace(c.Source.Root); root != "" {
		if c.Source.Root, err = expandPath(root); err != nil {
			return fmt.Errorf("source.root: %w", err)
		}
	}
	exts := make([]string, 0, len(c.Source.RecordExtensions))
	seen := make(map[string]struct{}, len(c.Source.RecordExtensions))
	for _, ext := range c.Source.RecordExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = append(exts, defaultRecordExtensions...)
	}
	c.Source.RecordExtensions = exts
	return nil
}

func (c *Config) normalizeRun() {
	c.Run.Tag = strings.TrimSpace(c.Run.Tag)
	c.Run.Backend = strings.ToLower(strings.TrimSpace(c.Run.Backend))
	if c.Run.Backend == "" {
		c.Run.Backend = BackendSQLite
	}
	if c.Run.Backend == "postgresql" || c.Run.Backend == "pg" {
		c.Run.Backend = BackendPostgres
	}
}

func (c *Config) normalizeDatabase() error {
	var err error
	if strings.TrimSpace(c.Database.SQLitePath) == "" {
		c.Database.SQLitePath = defaultSQLitePath
	}
	if c.Database.SQLitePath, err = expandPath(strings.TrimSpace(c.Database.SQLitePath)); err != nil {
		return fmt.Errorf("database.sqlite_path: %w", err)
	}
	c.Database.PostgresDSN = strings.TrimSpace(c.Database.PostgresDSN)
	if c.Database.PostgresDSN == "" {
		if value, ok := os.LookupEnv(postgresDSNEnv); ok {
			c.Database.PostgresDSN = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeAssets() error {
	var err error
	c.Assets.Backend = strings.ToLower(strings.TrimSpace(c.Assets.Backend))
	if c.Assets.Backend == "" {
		c.Assets.Backend = AssetBackendLocal
	}
	if strings.TrimSpace(c.Assets.Dir) == "" {
		c.Assets.Dir = defaultAssetDir
	}
	if c.Assets.Dir, err = expandPath(strings.TrimSpace(c.Assets.Dir)); err != nil {
		return fmt.Errorf("assets.dir: %w", err)
	}
	c.Assets.S3Bucket = strings.TrimSpace(c.Assets.S3Bucket)
	c.Assets.S3Prefix = strings.Trim(strings.TrimSpace(c.Assets.S3Prefix), "/")
	c.Assets.S3Region = strings.TrimSpace(c.Assets.S3Region)
	if c.Assets.S3Region == "" {
		c.Assets.S3Region = defaultS3Region
	}
	c.Assets.S3Endpoint = strings.TrimRight(strings.TrimSpace(c.Assets.S3Endpoint), "/")
	return nil
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}
