package config

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	AssetBackendLocal = "local"
	AssetBackendS3    = "s3"
)

const (
	defaultConfigPath        = "~/.config/pharmimport/config.toml"
	defaultStateDir          = "~/.local/share/pharmimport/state"
	defaultLogDir            = "~/.local/share/pharmimport/logs"
	defaultSQLitePath        = "~/.local/share/pharmimport/pharmimport.db"
	defaultAssetDir          = "~/.local/share/pharmimport/assets"
	defaultCheckpointEvery   = 50
	defaultHashWorkers       = 16
	defaultUploadWorkers     = 10
	defaultImportWorkers     = 2
	defaultBatchSize         = 25
	defaultRetryBaseDelayMS  = 500
	defaultRetryMultiplier   = 2.0
	defaultRetryMaxDelayMS   = 10000
	defaultRetryMaxAttempts  = 5
	defaultUploadTimeout     = 60
	defaultBatchWriteTimeout = 30
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 30
	postgresDSNEnv           = "PHARMIMPORT_POSTGRES_DSN"
	defaultS3Region          = "us-east-1"
	defaultS3Prefix          = "images"
)

var defaultRecordExtensions = []string{".json", ".yaml", ".yml"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Source: Source{
			RecordExtensions: append([]string(nil), defaultRecordExtensions...),
		},
		Run: Run{
			Backend:         BackendSQLite,
			CheckpointEvery: defaultCheckpointEvery,
		},
		Database: Database{
			SQLitePath: defaultSQLitePath,
		},
		Assets: Assets{
			Backend:  AssetBackendLocal,
			Dir:      defaultAssetDir,
			S3Prefix: defaultS3Prefix,
			S3Region: defaultS3Region,
		},
		Workers: Workers{
			Hash:      defaultHashWorkers,
			Upload:    defaultUploadWorkers,
			Import:    defaultImportWorkers,
			BatchSize: defaultBatchSize,
		},
		Retry: Retry{
			BaseDelayMS: defaultRetryBaseDelayMS,
			Multiplier:  defaultRetryMultiplier,
			MaxDelayMS:  defaultRetryMaxDelayMS,
			MaxAttempts: defaultRetryMaxAttempts,
		},
		Timeouts: Timeouts{
			UploadSeconds:     defaultUploadTimeout,
			BatchWriteSeconds: defaultBatchWriteTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
