package workstate

import (
	"time"
)

// CurrentVersion is the persisted document version written by this build.
const CurrentVersion = 1

// Phase names one step of the import pipeline.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseHashing   Phase = "hashing"
	PhaseUploading Phase = "uploading"
	PhaseImporting Phase = "importing"
)

// Phases lists the persisted phases in execution order.
var Phases = []Phase{PhasePlanning, PhaseHashing, PhaseUploading, PhaseImporting}

// Index returns the position of p in the pipeline, or -1 for unknown phases.
func (p Phase) Index() int {
	for i, candidate := range Phases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// ItemStatus is the per-item, per-phase state.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"
)

// Terminal reports whether no further work is expected for this phase.
func (s ItemStatus) Terminal() bool {
	return s == ItemDone || s == ItemFailed || s == ItemSkipped
}

// PhaseStatus is the run-level state of a phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseAborted   PhaseStatus = "aborted"
)

// ErrorKind classifies a persisted item failure.
type ErrorKind string

const (
	KindPlanning   ErrorKind = "planning"
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindIO         ErrorKind = "io"
	KindFatal      ErrorKind = "fatal"
)

// ItemError is the last failure recorded against a work item.
type ItemError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Phase   Phase     `json:"phase"`
}

// WorkItem is one record file and its optional image.
type WorkItem struct {
	Key          string               `json:"key"`
	LogicalKey   string               `json:"logical_key,omitempty"`
	RecordPath   string               `json:"record_path"`
	ImagePath    string               `json:"image_path,omitempty"`
	Phases       map[Phase]ItemStatus `json:"phases"`
	ContentHash  string               `json:"content_hash,omitempty"`
	ImageSize    int64                `json:"image_size,omitempty"`
	LastError    *ItemError           `json:"last_error,omitempty"`
	Retries      int                  `json:"retries,omitempty"`
	SupersededBy string               `json:"superseded_by,omitempty"`
}

// NewWorkItem returns an item with every phase pending.
func NewWorkItem(key, recordPath string) WorkItem {
	item := WorkItem{Key: key, RecordPath: recordPath, Phases: make(map[Phase]ItemStatus, len(Phases))}
	for _, phase := range Phases {
		item.Phases[phase] = ItemPending
	}
	return item
}

// Status returns the item's status for phase, treating missing entries as pending.
func (w *WorkItem) Status(phase Phase) ItemStatus {
	if w.Phases == nil {
		return ItemPending
	}
	if status, ok := w.Phases[phase]; ok && status != "" {
		return status
	}
	return ItemPending
}

// HasImage reports whether the record references an image.
func (w *WorkItem) HasImage() bool {
	return w.ImagePath != ""
}

func (w *WorkItem) setStatus(phase Phase, status ItemStatus) {
	if w.Phases == nil {
		w.Phases = make(map[Phase]ItemStatus, len(Phases))
	}
	w.Phases[phase] = status
}

func (w WorkItem) clone() WorkItem {
	out := w
	out.Phases = make(map[Phase]ItemStatus, len(w.Phases))
	for phase, status := range w.Phases {
		out.Phases[phase] = status
	}
	if w.LastError != nil {
		errCopy := *w.LastError
		out.LastError = &errCopy
	}
	return out
}

// PhaseSummary is the persisted run-level view of one phase.
type PhaseSummary struct {
	Status     PhaseStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Error      string      `json:"error,omitempty"`
}

// Totals summarises the inventory found by planning and hashing.
type Totals struct {
	Files          int `json:"files"`
	Images         int `json:"images"`
	DistinctImages int `json:"distinct_images"`
}

// HashEntry memoises a computed content hash for an unchanged file.
type HashEntry struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Hash    string    `json:"hash"`
}

// Matches reports whether the entry still describes a file with this size and mtime.
func (e HashEntry) Matches(size int64, modTime time.Time) bool {
	return e.Hash != "" && e.Size == size && e.ModTime.Equal(modTime)
}

// Warning is a non-fatal planning observation surfaced to the operator.
type Warning struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Keys    []string `json:"keys,omitempty"`
}

// Attempt records one invocation against this state.
type Attempt struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
}

// FailedItem is one row of the operator-facing failure list.
type FailedItem struct {
	Key     string    `json:"key"`
	Phase   Phase     `json:"phase"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Retries int       `json:"retries,omitempty"`
}

// Identity selects a persisted state: the dataset tag plus the backends and
// source tree it was created against.
type Identity struct {
	Tag          string
	Backend      string
	AssetBackend string
	SourceRoot   string
}
