package workstate

import (
	"fmt"
	"log/slog"
	"sync"

	"pharmimport/internal/logging"
)

// Persister is the subset of Store the Recorder needs.
type Persister interface {
	Persist(*State) error
}

// Recorder is the single writer for a State while a phase's workers run.
// Every item result goes through Record under one mutex, and the state is
// checkpointed to disk every N results.
type Recorder struct {
	mu       sync.Mutex
	state    *State
	store    Persister
	every    int
	since    int
	lastErr  error
	logger   *slog.Logger
	observer func(ItemResult)
}

// NewRecorder wraps state. A checkpointEvery of zero disables intermediate
// checkpoints; Flush still persists.
func NewRecorder(state *State, store Persister, checkpointEvery int, logger *slog.Logger) *Recorder {
	return &Recorder{
		state:  state,
		store:  store,
		every:  checkpointEvery,
		logger: logging.NewComponentLogger(logger, "recorder"),
	}
}

// Observe registers fn to be called (under the recorder lock) after each result.
func (r *Recorder) Observe(fn func(ItemResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Record applies res to the state.
func (r *Recorder) Record(res ItemResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.state.Apply(res); err != nil {
		return err
	}
	if r.observer != nil {
		r.observer(res)
	}
	r.since++
	if r.every > 0 && r.since >= r.every {
		r.checkpointLocked()
	}
	return nil
}

// CacheHash stores a computed hash for path.
func (r *Recorder) CacheHash(path string, entry HashEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.HashCache[path] = entry
}

// Flush persists the state now and reports any checkpoint failure since the
// last successful flush.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpointLocked()
	err := r.lastErr
	r.lastErr = nil
	return err
}

// With runs fn while holding the recorder lock.
func (r *Recorder) With(fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

func (r *Recorder) checkpointLocked() {
	r.since = 0
	if r.store == nil {
		return
	}
	if err := r.store.Persist(r.state); err != nil {
		r.lastErr = fmt.Errorf("checkpoint: %w", err)
		logging.WarnWithContext(r.logger, "work state checkpoint failed", "checkpoint_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions on the state directory"),
			logging.String(logging.FieldImpact, "a crash now would repeat work since the last checkpoint"),
		)
	}
}
