// Package services defines shared utilities consumed by the import phases and
// the backend adapters.
//
// Key responsibilities:
//   - Context helpers that stamp run identifiers, phase names, and work item
//     keys for logging.
//   - Structured error markers plus the Wrap helper so failures can later be
//     classified into persisted item error kinds (validation, transient, fatal).
//
// Use these helpers when wiring new phase logic so error handling and
// observability stay uniform across the pipeline.
package services
