package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/records"
	"pharmimport/internal/services"
)

const sqliteUpsert = `INSERT INTO records (
    dataset, jurisdiction, natural_key, search_name, search_timestamp,
    license_number, license_status, license_name, license_type,
    issue_date, expiration_date, address, city, state, zip,
    result_status, image_hash, source_file, imported_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (dataset, jurisdiction, natural_key) DO UPDATE SET
    search_name = excluded.search_name,
    search_timestamp = excluded.search_timestamp,
    license_number = excluded.license_number,
    license_status = excluded.license_status,
    license_name = excluded.license_name,
    license_type = excluded.license_type,
    issue_date = excluded.issue_date,
    expiration_date = excluded.expiration_date,
    address = excluded.address,
    city = excluded.city,
    state = excluded.state,
    zip = excluded.zip,
    result_status = excluded.result_status,
    image_hash = CASE WHEN excluded.source_file = records.source_file
        THEN COALESCE(excluded.image_hash, records.image_hash)
        ELSE excluded.image_hash END,
    source_file = excluded.source_file,
    imported_at = excluded.imported_at
WHERE excluded.search_timestamp > records.search_timestamp
   OR (excluded.search_timestamp = records.search_timestamp AND excluded.source_file >= records.source_file)`

const sqliteSelectRecord = `SELECT dataset, jurisdiction, natural_key, search_name, search_timestamp,
    license_number, license_status, license_name, license_type,
    issue_date, expiration_date, address, city, state, zip,
    result_status, image_hash, source_file, imported_at
FROM records WHERE dataset = ? AND jurisdiction = ? AND natural_key = ?`

const sqliteRegisterAsset = `INSERT INTO image_assets (
    content_hash, location, size_bytes, content_type, first_seen_at, last_accessed_at, ref_count
) VALUES (?, ?, ?, ?, ?, ?, 0)
ON CONFLICT (content_hash) DO UPDATE SET
    last_accessed_at = excluded.last_accessed_at`

const sqliteAddRef = `INSERT INTO asset_refs (content_hash, ref_key) VALUES (?, ?)
ON CONFLICT (content_hash, ref_key) DO NOTHING`

// SQLite is the default Store backend.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "open sqlite", "database.sqlite_path is empty", nil)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite has a single writer; serialise through one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLite{db: db, path: path, logger: logging.NewComponentLogger(logger, "store")}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite store ready", logging.String("path", path))
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists > 0 {
		var version int
		if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: database has version %d, expected %d (delete %s to recreate it)",
				ErrSchemaMismatch, version, schemaVersion, s.path)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Backend implements Store.
func (s *SQLite) Backend() string { return config.BackendSQLite }

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertBatch implements Store.
func (s *SQLite) UpsertBatch(ctx context.Context, rows []records.Record) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return classify("prepare upsert", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, sqliteArgs(row)...); err != nil {
			return classify("upsert batch", fmt.Errorf("row %s: %w", row.Key(), err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("commit batch", err)
	}
	return nil
}

// Upsert implements Store.
func (s *SQLite) Upsert(ctx context.Context, row records.Record) error {
	if _, err := s.db.ExecContext(ctx, sqliteUpsert, sqliteArgs(row)...); err != nil {
		return classify("upsert row", fmt.Errorf("row %s: %w", row.Key(), err))
	}
	return nil
}

func sqliteArgs(row records.Record) []any {
	importedAt := row.ImportedAt
	if importedAt.IsZero() {
		importedAt = time.Now()
	}
	return []any{
		row.Dataset,
		row.Jurisdiction,
		row.NaturalKey,
		row.SearchName,
		records.FormatTimestamp(row.SearchTimestamp),
		row.LicenseNumber,
		row.LicenseStatus,
		row.LicenseName,
		row.LicenseType,
		row.IssueDate,
		row.ExpirationDate,
		row.Address,
		row.City,
		row.State,
		row.Zip,
		row.ResultStatus,
		row.ImageHash,
		row.SourceFile,
		importedAt.UTC().Format(time.RFC3339Nano),
	}
}

// GetRecord implements Store.
func (s *SQLite) GetRecord(ctx context.Context, key records.Key) (records.Record, error) {
	var (
		row                        records.Record
		searchTS, importedAt       string
		license, issue, expiration sql.NullString
		imageHash                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, sqliteSelectRecord, key.Dataset, key.Jurisdiction, key.NaturalKey).Scan(
		&row.Dataset, &row.Jurisdiction, &row.NaturalKey, &row.SearchName, &searchTS,
		&license, &row.LicenseStatus, &row.LicenseName, &row.LicenseType,
		&issue, &expiration, &row.Address, &row.City, &row.State, &row.Zip,
		&row.ResultStatus, &imageHash, &row.SourceFile, &importedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Record{}, services.Wrap(services.ErrNotFound, "verification", "get record", key.String(), nil)
	}
	if err != nil {
		return records.Record{}, classify("get record", err)
	}
	if row.SearchTimestamp, err = time.Parse(records.TimestampLayout, searchTS); err != nil {
		return records.Record{}, fmt.Errorf("get record %s: parse search_timestamp: %w", key, err)
	}
	row.ImportedAt, _ = time.Parse(time.RFC3339Nano, importedAt)
	row.LicenseNumber = fromNull(license)
	row.IssueDate = fromNull(issue)
	row.ExpirationDate = fromNull(expiration)
	row.ImageHash = fromNull(imageHash)
	return row, nil
}

// CountRecords implements Store.
func (s *SQLite) CountRecords(ctx context.Context, dataset string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM records WHERE dataset = ?", dataset).Scan(&n); err != nil {
		return 0, classify("count records", err)
	}
	return n, nil
}

// RegisterAsset implements Store.
func (s *SQLite) RegisterAsset(ctx context.Context, asset Asset) (Asset, error) {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Asset{}, classify("register asset", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteRegisterAsset,
		asset.ContentHash,
		asset.Location,
		asset.SizeBytes,
		asset.ContentType,
		asset.FirstSeenAt.Format(time.RFC3339Nano),
		asset.LastAccessedAt.Format(time.RFC3339Nano),
	); err != nil {
		return Asset{}, classify("register asset", err)
	}
	var added int64
	for _, ref := range asset.Refs {
		res, err := tx.ExecContext(ctx, sqliteAddRef, asset.ContentHash, ref)
		if err != nil {
			return Asset{}, classify("register asset reference", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Asset{}, classify("register asset reference", err)
		}
		added += n
	}
	if added > 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE image_assets SET ref_count = ref_count + ? WHERE content_hash = ?",
			added, asset.ContentHash,
		); err != nil {
			return Asset{}, classify("count asset references", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Asset{}, classify("register asset", err)
	}
	return s.Asset(ctx, asset.ContentHash)
}

// Asset implements Store.
func (s *SQLite) Asset(ctx context.Context, hash string) (Asset, error) {
	var (
		asset             Asset
		firstSeen, access string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash, location, size_bytes, content_type, first_seen_at, last_accessed_at, ref_count
        FROM image_assets WHERE content_hash = ?`, hash,
	).Scan(&asset.ContentHash, &asset.Location, &asset.SizeBytes, &asset.ContentType, &firstSeen, &access, &asset.RefCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, services.Wrap(services.ErrNotFound, "uploading", "get asset", hash, nil)
	}
	if err != nil {
		return Asset{}, classify("get asset", err)
	}
	asset.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, firstSeen)
	asset.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, access)
	return asset, nil
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return nullable(v.String)
}
