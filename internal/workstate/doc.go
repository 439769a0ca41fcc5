// Package workstate owns the persisted progress ledger for an import run.
//
// A State holds the run identity, per-phase summaries, and one WorkItem per
// record file with a status for each phase. The Store loads or creates the
// document for a run tag, persists it atomically, and hands out the per-tag
// run lock. While a phase's workers run, every item result is applied through
// a Recorder so concurrent completions never race on the aggregate.
//
// The state is the single source of truth for resume: items already done for
// a phase are never dispatched again.
package workstate
