// Package workflow runs an import through its phases.
//
// The Manager takes the per-tag run lock, loads or creates the persisted
// work state, and drives the registered stage handlers (planner, hashing,
// uploader, importer) strictly in order. A phase already completed in the
// persisted state is skipped; within a phase only pending items are
// dispatched, so a rerun with the same tag resumes where the last one
// stopped. Each phase's health check must pass before it starts, and every
// transition is persisted before the next phase begins.
//
// Item failures are recorded on the work state and surfaced in the Report.
// Phase-level failures (unreadable source root, unreachable backend) abort
// the run with an error and leave the state resumable.
package workflow
