package store

import (
	_ "embed"
	"errors"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

//go:embed postgres_schema.sql
var postgresSchemaSQL string

// schemaVersion is the current schema version. Databases created with a
// different version must be recreated; the importer does not migrate.
const schemaVersion = 2

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")
