// Package importer implements the importing phase: it turns each planned
// record file into a normalised row and writes rows to the relational store
// in batches with upsert-on-natural-key semantics.
//
// A batch that fails as a whole is retried row by row so that only the rows
// that cannot be written are marked failed. Records sharing a natural key
// within one run are reduced to the latest before writing; once the winner
// is stored the others are marked skipped with a pointer to it, and when the
// winner fails they fail with it. Rows whose image failed to upload are
// written without an image reference.
package importer
