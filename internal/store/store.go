package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pharmimport/internal/config"
	"pharmimport/internal/records"
)

// Asset is one content-addressed image record.
type Asset struct {
	ContentHash    string
	Location       string
	SizeBytes      int64
	ContentType    string
	FirstSeenAt    time.Time
	LastAccessedAt time.Time
	RefCount       int
	// Refs names the references registered by a RegisterAsset call, one per
	// importing item. A reference already stored for the hash is not counted
	// again.
	Refs []string
}

// Store is the relational backend used by the importer, uploader and
// verifier.
type Store interface {
	// UpsertBatch writes rows in one transaction. Any failure rolls back the
	// whole batch.
	UpsertBatch(ctx context.Context, rows []records.Record) error
	// Upsert writes a single row.
	Upsert(ctx context.Context, row records.Record) error
	// GetRecord returns the stored row for key or an error wrapping
	// services.ErrNotFound.
	GetRecord(ctx context.Context, key records.Key) (records.Record, error)
	// CountRecords returns the number of rows stored for dataset.
	CountRecords(ctx context.Context, dataset string) (int, error)
	// RegisterAsset inserts asset when its hash is new and adds one to the
	// stored reference count for each entry of asset.Refs not seen before.
	// It returns the stored record.
	RegisterAsset(ctx context.Context, asset Asset) (Asset, error)
	// Asset returns the asset for hash or an error wrapping
	// services.ErrNotFound.
	Asset(ctx context.Context, hash string) (Asset, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// Open connects to the backend selected in cfg and ensures the schema.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Run.Backend {
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.Database.SQLitePath, logger)
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.Database.PostgresDSN, cfg.Workers.Import+2, logger)
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.Run.Backend)
	}
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
