// Package store persists imported rows and image asset records.
//
// Two backends implement Store: SQLite (modernc, the default) and
// PostgreSQL (pgx). Both create the same two tables from an embedded schema,
// write rows with an upsert keyed on (dataset, jurisdiction, natural_key)
// where the later search timestamp wins, and keep one image_assets row per
// content hash with a reference count.
//
// UpsertBatch is all-or-nothing: a failing row rolls back the whole batch so
// the caller can fall back to Upsert row by row. Errors carry services
// markers (ErrValidation for constraint violations, ErrTransient for busy or
// dropped connections) so the retry policy can tell them apart.
package store
