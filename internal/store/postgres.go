package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/records"
	"pharmimport/internal/services"
)

const postgresUpsert = `INSERT INTO records (
    dataset, jurisdiction, natural_key, search_name, search_timestamp,
    license_number, license_status, license_name, license_type,
    issue_date, expiration_date, address, city, state, zip,
    result_status, image_hash, source_file, imported_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (dataset, jurisdiction, natural_key) DO UPDATE SET
    search_name = EXCLUDED.search_name,
    search_timestamp = EXCLUDED.search_timestamp,
    license_number = EXCLUDED.license_number,
    license_status = EXCLUDED.license_status,
    license_name = EXCLUDED.license_name,
    license_type = EXCLUDED.license_type,
    issue_date = EXCLUDED.issue_date,
    expiration_date = EXCLUDED.expiration_date,
    address = EXCLUDED.address,
    city = EXCLUDED.city,
    state = EXCLUDED.state,
    zip = EXCLUDED.zip,
    result_status = EXCLUDED.result_status,
    image_hash = CASE WHEN EXCLUDED.source_file = records.source_file
        THEN COALESCE(EXCLUDED.image_hash, records.image_hash)
        ELSE EXCLUDED.image_hash END,
    source_file = EXCLUDED.source_file,
    imported_at = EXCLUDED.imported_at
WHERE EXCLUDED.search_timestamp > records.search_timestamp
   OR (EXCLUDED.search_timestamp = records.search_timestamp AND EXCLUDED.source_file >= records.source_file)`

const postgresSelectRecord = `SELECT dataset, jurisdiction, natural_key, search_name, search_timestamp,
    license_number, license_status, license_name, license_type,
    issue_date, expiration_date, address, city, state, zip,
    result_status, image_hash, source_file, imported_at
FROM records WHERE dataset = $1 AND jurisdiction = $2 AND natural_key = $3`

const postgresRegisterAsset = `INSERT INTO image_assets (
    content_hash, location, size_bytes, content_type, first_seen_at, last_accessed_at, ref_count
) VALUES ($1, $2, $3, $4, $5, $6, 0)
ON CONFLICT (content_hash) DO UPDATE SET
    last_accessed_at = EXCLUDED.last_accessed_at`

const postgresAddRef = `INSERT INTO asset_refs (content_hash, ref_key) VALUES ($1, $2)
ON CONFLICT (content_hash, ref_key) DO NOTHING`

// Postgres is the PostgreSQL Store backend.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn with a pool of at most maxConns connections.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "open postgres", "database.postgres_dsn is empty", nil)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "open postgres", "parse dsn", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, services.Wrap(services.ErrFatal, "", "open postgres", "connect", err)
	}
	p := &Postgres{pool: pool, logger: logging.NewComponentLogger(logger, "store")}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p.logger.Debug("postgres store ready", logging.Int("max_conns", maxConns))
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, "SELECT to_regclass('schema_version') IS NOT NULL").Scan(&exists); err != nil {
		return classify("check schema_version table", err)
	}
	if exists {
		var version int
		if err := p.pool.QueryRow(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
		}
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, postgresSchemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// Backend implements Store.
func (p *Postgres) Backend() string { return config.BackendPostgres }

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

// UpsertBatch implements Store. Rows are queued on one pgx.Batch inside a
// transaction so the batch costs a single round trip.
func (p *Postgres) UpsertBatch(ctx context.Context, rows []records.Record) error {
	if len(rows) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(postgresUpsert, postgresArgs(row)...)
		}
		br := tx.SendBatch(ctx, batch)
		for _, row := range rows {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("row %s: %w", row.Key(), err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return classify("upsert batch", err)
	}
	return nil
}

// Upsert implements Store.
func (p *Postgres) Upsert(ctx context.Context, row records.Record) error {
	if _, err := p.pool.Exec(ctx, postgresUpsert, postgresArgs(row)...); err != nil {
		return classify("upsert row", fmt.Errorf("row %s: %w", row.Key(), err))
	}
	return nil
}

func postgresArgs(row records.Record) []any {
	importedAt := row.ImportedAt
	if importedAt.IsZero() {
		importedAt = time.Now()
	}
	return []any{
		row.Dataset,
		row.Jurisdiction,
		row.NaturalKey,
		row.SearchName,
		row.SearchTimestamp.UTC(),
		row.LicenseNumber,
		row.LicenseStatus,
		row.LicenseName,
		row.LicenseType,
		toDate(row.IssueDate),
		toDate(row.ExpirationDate),
		row.Address,
		row.City,
		row.State,
		row.Zip,
		row.ResultStatus,
		row.ImageHash,
		row.SourceFile,
		importedAt.UTC(),
	}
}

func toDate(value *string) pgtype.Date {
	if value == nil {
		return pgtype.Date{}
	}
	t, err := time.Parse(records.DateLayout, *value)
	if err != nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: t, Valid: true}
}

func fromDate(d pgtype.Date) *string {
	if !d.Valid {
		return nil
	}
	return nullable(d.Time.Format(records.DateLayout))
}

// GetRecord implements Store.
func (p *Postgres) GetRecord(ctx context.Context, key records.Key) (records.Record, error) {
	var (
		row               records.Record
		issue, expiration pgtype.Date
	)
	err := p.pool.QueryRow(ctx, postgresSelectRecord, key.Dataset, key.Jurisdiction, key.NaturalKey).Scan(
		&row.Dataset, &row.Jurisdiction, &row.NaturalKey, &row.SearchName, &row.SearchTimestamp,
		&row.LicenseNumber, &row.LicenseStatus, &row.LicenseName, &row.LicenseType,
		&issue, &expiration, &row.Address, &row.City, &row.State, &row.Zip,
		&row.ResultStatus, &row.ImageHash, &row.SourceFile, &row.ImportedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return records.Record{}, services.Wrap(services.ErrNotFound, "verification", "get record", key.String(), nil)
	}
	if err != nil {
		return records.Record{}, classify("get record", err)
	}
	row.SearchTimestamp = row.SearchTimestamp.UTC()
	row.IssueDate = fromDate(issue)
	row.ExpirationDate = fromDate(expiration)
	return row, nil
}

// CountRecords implements Store.
func (p *Postgres) CountRecords(ctx context.Context, dataset string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(1) FROM records WHERE dataset = $1", dataset).Scan(&n); err != nil {
		return 0, classify("count records", err)
	}
	return n, nil
}

// RegisterAsset implements Store.
func (p *Postgres) RegisterAsset(ctx context.Context, asset Asset) (Asset, error) {
	now := time.Now().UTC()
	if asset.FirstSeenAt.IsZero() {
		asset.FirstSeenAt = now
	}
	if asset.LastAccessedAt.IsZero() {
		asset.LastAccessedAt = now
	}
	if asset.ContentType == "" {
		asset.ContentType = "application/octet-stream"
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, postgresRegisterAsset,
			asset.ContentHash, asset.Location, asset.SizeBytes, asset.ContentType,
			asset.FirstSeenAt, asset.LastAccessedAt,
		); err != nil {
			return err
		}
		var added int64
		for _, ref := range asset.Refs {
			tag, err := tx.Exec(ctx, postgresAddRef, asset.ContentHash, ref)
			if err != nil {
				return err
			}
			added += tag.RowsAffected()
		}
		if added == 0 {
			return nil
		}
		_, err := tx.Exec(ctx,
			"UPDATE image_assets SET ref_count = ref_count + $1 WHERE content_hash = $2",
			added, asset.ContentHash,
		)
		return err
	})
	if err != nil {
		return Asset{}, classify("register asset", err)
	}
	return p.Asset(ctx, asset.ContentHash)
}

// Asset implements Store.
func (p *Postgres) Asset(ctx context.Context, hash string) (Asset, error) {
	var asset Asset
	err := p.pool.QueryRow(ctx,
		`SELECT content_hash, location, size_bytes, content_type, first_seen_at, last_accessed_at, ref_count
        FROM image_assets WHERE content_hash = $1`, hash,
	).Scan(&asset.ContentHash, &asset.Location, &asset.SizeBytes, &asset.ContentType, &asset.FirstSeenAt, &asset.LastAccessedAt, &asset.RefCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, services.Wrap(services.ErrNotFound, "uploading", "get asset", hash, nil)
	}
	if err != nil {
		return Asset{}, classify("get asset", err)
	}
	return asset, nil
}
