package workstate

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// State is the persisted progress ledger for one import run tag.
type State struct {
	Version      int                     `json:"version"`
	Tag          string                  `json:"tag"`
	Backend      string                  `json:"backend"`
	AssetBackend string                  `json:"asset_backend"`
	SourceRoot   string                  `json:"source_root"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Totals       Totals                  `json:"totals"`
	Phases       map[Phase]*PhaseSummary `json:"phases"`
	Items        []*WorkItem             `json:"items"`
	HashCache    map[string]HashEntry    `json:"hash_cache,omitempty"`
	Warnings     []Warning               `json:"warnings,omitempty"`
	Attempts     []Attempt               `json:"attempts,omitempty"`

	index map[string]int
}

// PhaseResult describes a phase transition passed to AdvancePhase.
type PhaseResult struct {
	Status PhaseStatus
	At     time.Time
	Err    error
}

// ItemResult is the outcome of one item in one phase, produced by workers and
// applied by the Recorder.
type ItemResult struct {
	Key          string
	Phase        Phase
	Status       ItemStatus
	Err          error
	Kind         ErrorKind
	ContentHash  string
	ImageSize    int64
	SupersededBy string
}

func newState(id Identity, now time.Time) *State {
	st := &State{
		Version:      CurrentVersion,
		Tag:          id.Tag,
		Backend:      id.Backend,
		AssetBackend: id.AssetBackend,
		SourceRoot:   id.SourceRoot,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	st.ensure()
	return st
}

// ensure fills maps a decoded document may lack and rebuilds the key index.
func (s *State) ensure() {
	if s.Phases == nil {
		s.Phases = make(map[Phase]*PhaseSummary, len(Phases))
	}
	for _, phase := range Phases {
		if s.Phases[phase] == nil {
			s.Phases[phase] = &PhaseSummary{Status: PhasePending}
		}
	}
	if s.HashCache == nil {
		s.HashCache = make(map[string]HashEntry)
	}
	s.reindex()
}

func (s *State) reindex() {
	s.index = make(map[string]int, len(s.Items))
	for i, item := range s.Items {
		s.index[item.Key] = i
	}
}

func (s *State) item(key string) *WorkItem {
	if s.index == nil {
		s.reindex()
	}
	if i, ok := s.index[key]; ok {
		return s.Items[i]
	}
	return nil
}

// Item returns a copy of the item stored under key.
func (s *State) Item(key string) (WorkItem, bool) {
	item := s.item(key)
	if item == nil {
		return WorkItem{}, false
	}
	return item.clone(), true
}

// Snapshot returns copies of every item in key order.
func (s *State) Snapshot() []WorkItem {
	out := make([]WorkItem, 0, len(s.Items))
	for _, item := range s.Items {
		out = append(out, item.clone())
	}
	return out
}

// Summary returns a copy of the phase summary.
func (s *State) Summary(phase Phase) PhaseSummary {
	if sum := s.Phases[phase]; sum != nil {
		return *sum
	}
	return PhaseSummary{Status: PhasePending}
}

// Completed reports whether phase finished in a previous or current run.
func (s *State) Completed(phase Phase) bool {
	return s.Summary(phase).Status == PhaseCompleted
}

// AdvancePhase records a phase transition. A phase may only start once the
// previous phase has completed; moving a phase back to pending also re-opens
// every later phase.
func (s *State) AdvancePhase(phase Phase, result PhaseResult) error {
	idx := phase.Index()
	if idx < 0 {
		return fmt.Errorf("advance phase: unknown phase %q", phase)
	}
	s.ensurePhases()
	at := result.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	sum := s.Phases[phase]

	switch result.Status {
	case PhaseRunning:
		if idx > 0 && !s.Completed(Phases[idx-1]) {
			return fmt.Errorf("advance phase: %s cannot start before %s completes", phase, Phases[idx-1])
		}
		started := at
		sum.Status = PhaseRunning
		sum.StartedAt = &started
		sum.FinishedAt = nil
		sum.Error = ""
	case PhaseCompleted, PhaseAborted:
		if sum.Status != PhaseRunning {
			return fmt.Errorf("advance phase: %s is %s, not running", phase, sum.Status)
		}
		finished := at
		sum.Status = result.Status
		sum.FinishedAt = &finished
		if result.Err != nil {
			sum.Error = result.Err.Error()
		}
		s.recount(phase)
		if phase == PhaseHashing {
			s.Totals.DistinctImages = s.distinctImages()
		}
	case PhasePending:
		for _, later := range Phases[idx:] {
			if ls := s.Phases[later]; ls.Status != PhasePending {
				ls.Status = PhasePending
				ls.FinishedAt = nil
			}
		}
	default:
		return fmt.Errorf("advance phase: unsupported status %q", result.Status)
	}
	return nil
}

func (s *State) ensurePhases() {
	if s.Phases == nil || len(s.Phases) < len(Phases) {
		s.ensure()
	}
}

func (s *State) recount(phase Phase) {
	sum := s.Phases[phase]
	sum.Succeeded, sum.Failed, sum.Skipped = 0, 0, 0
	for _, item := range s.Items {
		switch item.Status(phase) {
		case ItemDone:
			sum.Succeeded++
		case ItemFailed:
			sum.Failed++
		case ItemSkipped:
			sum.Skipped++
		}
	}
}

func (s *State) distinctImages() int {
	seen := make(map[string]struct{})
	for _, item := range s.Items {
		if item.ContentHash != "" {
			seen[item.ContentHash] = struct{}{}
		}
	}
	return len(seen)
}

// Eligible returns copies of the items that phase should dispatch. An item
// enters hashing and uploading only after the previous phase is done for it.
// Importing waits for planning and for the image phases to settle; a failed
// image does not block the record.
func (s *State) Eligible(phase Phase) []WorkItem {
	var out []WorkItem
	for _, item := range s.Items {
		if item.Status(phase) != ItemPending {
			continue
		}
		ok := false
		switch phase {
		case PhaseHashing:
			ok = item.Status(PhasePlanning) == ItemDone && item.HasImage()
		case PhaseUploading:
			ok = item.Status(PhaseHashing) == ItemDone && item.ContentHash != ""
		case PhaseImporting:
			ok = item.Status(PhasePlanning) == ItemDone && imageSettled(item)
		}
		if ok {
			out = append(out, item.clone())
		}
	}
	return out
}

func imageSettled(item *WorkItem) bool {
	switch item.Status(PhaseHashing) {
	case ItemSkipped, ItemFailed:
		return true
	case ItemDone:
		return item.Status(PhaseUploading).Terminal()
	default:
		return false
	}
}

// Apply records one item result. Callers running workers concurrently must go
// through a Recorder.
func (s *State) Apply(res ItemResult) error {
	item := s.item(res.Key)
	if item == nil {
		return fmt.Errorf("apply result: unknown item %q", res.Key)
	}
	if res.Phase.Index() < 0 {
		return fmt.Errorf("apply result: unknown phase %q", res.Phase)
	}
	item.setStatus(res.Phase, res.Status)

	switch res.Status {
	case ItemDone:
		if res.Phase == PhaseHashing {
			item.ContentHash = res.ContentHash
			item.ImageSize = res.ImageSize
		}
		if item.LastError != nil && item.LastError.Phase == res.Phase {
			item.LastError = nil
		}
	case ItemFailed:
		kind := res.Kind
		if kind == "" {
			kind = ErrorKindOf(res.Err)
		}
		msg := "unknown error"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		item.LastError = &ItemError{Kind: kind, Message: msg, Phase: res.Phase}
		if res.Phase == PhaseHashing {
			item.setStatus(PhaseUploading, ItemSkipped)
		}
	case ItemSkipped:
		item.SupersededBy = res.SupersededBy
	case ItemPending:
	default:
		return fmt.Errorf("apply result: unsupported status %q", res.Status)
	}
	return nil
}

// MergePlan reconciles freshly planned items into the state by key. Items
// already planned successfully keep their progress; items that failed or never
// finished planning are replaced; new keys are appended. Nothing is deleted.
func (s *State) MergePlan(planned []WorkItem) (added, replanned int) {
	for _, candidate := range planned {
		candidate := candidate.clone()
		existing := s.item(candidate.Key)
		switch {
		case existing == nil:
			s.Items = append(s.Items, &candidate)
			s.index[candidate.Key] = len(s.Items) - 1
			added++
		case existing.Status(PhasePlanning) != ItemDone:
			candidate.Retries = existing.Retries
			*existing = candidate
			replanned++
		}
	}
	sort.SliceStable(s.Items, func(i, j int) bool { return s.Items[i].Key < s.Items[j].Key })
	s.reindex()

	s.Totals.Files = len(s.Items)
	s.Totals.Images = 0
	for _, item := range s.Items {
		if item.HasImage() {
			s.Totals.Images++
		}
	}
	return added, replanned
}

// ResetFailed moves every failed item back to pending from its earliest failed
// phase onward, bumps its retry count, and re-opens that phase. It returns the
// reset keys.
func (s *State) ResetFailed() ([]string, error) {
	earliest := -1
	var keys []string
	for _, item := range s.Items {
		first := -1
		for i, phase := range Phases {
			if item.Status(phase) == ItemFailed {
				first = i
				break
			}
		}
		if first < 0 {
			continue
		}
		for _, phase := range Phases[first:] {
			if !item.HasImage() && (phase == PhaseHashing || phase == PhaseUploading) {
				continue
			}
			item.setStatus(phase, ItemPending)
		}
		// Re-import once the image is available so the row gains its hash.
		if first < PhaseImporting.Index() {
			item.setStatus(PhaseImporting, ItemPending)
		}
		item.SupersededBy = ""
		item.LastError = nil
		item.Retries++
		keys = append(keys, item.Key)
		if earliest < 0 || first < earliest {
			earliest = first
		}
	}
	if earliest < 0 {
		return nil, nil
	}
	if err := s.AdvancePhase(Phases[earliest], PhaseResult{Status: PhasePending}); err != nil {
		return nil, err
	}
	return keys, nil
}

// Failures lists items carrying a failure, in key order.
func (s *State) Failures() []FailedItem {
	var out []FailedItem
	for _, item := range s.Items {
		if item.LastError == nil {
			continue
		}
		out = append(out, FailedItem{
			Key:     item.Key,
			Phase:   item.LastError.Phase,
			Kind:    item.LastError.Kind,
			Message: item.LastError.Message,
			Retries: item.Retries,
		})
	}
	return out
}

// BeginAttempt appends a run attempt record.
func (s *State) BeginAttempt(runID string, at time.Time) {
	s.Attempts = append(s.Attempts, Attempt{RunID: runID, StartedAt: at})
}

// FinishAttempt closes the attempt started with runID.
func (s *State) FinishAttempt(runID, outcome string, at time.Time) {
	for i := len(s.Attempts) - 1; i >= 0; i-- {
		if s.Attempts[i].RunID == runID {
			finished := at
			s.Attempts[i].FinishedAt = &finished
			s.Attempts[i].Outcome = outcome
			return
		}
	}
}

// CheckIdentity rejects resuming a state created for another tag, different
// backends or a different source tree.
func (s *State) CheckIdentity(id Identity) error {
	var problems []error
	if s.Tag != id.Tag {
		problems = append(problems, fmt.Errorf("tag %q (requested %q)", s.Tag, id.Tag))
	}
	if s.Backend != "" && id.Backend != "" && s.Backend != id.Backend {
		problems = append(problems, fmt.Errorf("backend %q (requested %q)", s.Backend, id.Backend))
	}
	if s.AssetBackend != "" && id.AssetBackend != "" && s.AssetBackend != id.AssetBackend {
		problems = append(problems, fmt.Errorf("asset backend %q (requested %q)", s.AssetBackend, id.AssetBackend))
	}
	if s.SourceRoot != "" && id.SourceRoot != "" && s.SourceRoot != id.SourceRoot {
		problems = append(problems, fmt.Errorf("source root %q (requested %q)", s.SourceRoot, id.SourceRoot))
	}
	return errors.Join(problems...)
}
