package workflow_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/stage"
	"pharmimport/internal/testsupport"
	"pharmimport/internal/workflow"
	"pharmimport/internal/workstate"
)

// stubStage marks every eligible item done unless its key is listed in fail.
// The planning stub seeds keys into the state first.
type stubStage struct {
	phase      workstate.Phase
	keys       []string
	fail       map[string]bool
	unhealthy  string
	prepareErr error
	executeErr error

	mu   sync.Mutex
	runs int
}

func (s *stubStage) Phase() workstate.Phase { return s.phase }

func (s *stubStage) Prepare(context.Context, *workstate.Recorder) error { return s.prepareErr }

func (s *stubStage) HealthCheck(context.Context) stage.Health {
	if s.unhealthy != "" {
		return stage.Unhealthy(string(s.phase), s.unhealthy)
	}
	return stage.Healthy(string(s.phase))
}

func (s *stubStage) Execute(ctx context.Context, rec *workstate.Recorder) error {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.executeErr != nil {
		return s.executeErr
	}

	var items []workstate.WorkItem
	if s.phase == workstate.PhasePlanning {
		planned := make([]workstate.WorkItem, 0, len(s.keys))
		for _, key := range s.keys {
			item := workstate.NewWorkItem(key, "/src/"+key)
			item.ImagePath = "/src/" + key + ".png"
			planned = append(planned, item)
		}
		rec.With(func(st *workstate.State) {
			st.MergePlan(planned)
			for _, item := range st.Snapshot() {
				if item.Status(workstate.PhasePlanning) == workstate.ItemPending {
					items = append(items, item)
				}
			}
		})
	} else {
		items = stage.Eligible(rec, s.phase)
	}

	for _, item := range items {
		res := workstate.ItemResult{Key: item.Key, Phase: s.phase, Status: workstate.ItemDone}
		if s.fail[item.Key] {
			res.Status = workstate.ItemFailed
			res.Err = services.Wrap(services.ErrValidation, string(s.phase), "stub", item.Key, nil)
		}
		if s.phase == workstate.PhaseHashing {
			res.ContentHash = "hash-" + item.Key
			res.ImageSize = 10
		}
		if err := rec.Record(res); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubStage) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type stubSet struct {
	planner, hasher, uploader, importer *stubStage
}

func newStubSet(keys ...string) *stubSet {
	return &stubSet{
		planner:  &stubStage{phase: workstate.PhasePlanning, keys: keys},
		hasher:   &stubStage{phase: workstate.PhaseHashing},
		uploader: &stubStage{phase: workstate.PhaseUploading},
		importer: &stubStage{phase: workstate.PhaseImporting},
	}
}

func (s *stubSet) stages() workflow.StageSet {
	return workflow.StageSet{Planner: s.planner, Hasher: s.hasher, Uploader: s.uploader, Importer: s.importer}
}

// countingProgress records progress callbacks.
type countingProgress struct {
	mu         sync.Mutex
	starts     []workstate.Phase
	increments map[workstate.Phase]int
}

func (p *countingProgress) Start(phase workstate.Phase, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, phase)
}

func (p *countingProgress) Increment(res workstate.ItemResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.increments == nil {
		p.increments = make(map[workstate.Phase]int)
	}
	p.increments[res.Phase]++
}

func (p *countingProgress) Finish(workstate.Phase) {}

func newStubManager(t *testing.T, set *stubSet, opts ...workflow.ManagerOption) (*workflow.Manager, *workstate.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	states := workstate.NewStore(cfg.Paths.StateDir, logging.NewNop())
	return workflow.NewManagerWithStages(cfg, states, set.stages(), logging.NewNop(), opts...), states
}

func TestRunExecutesPhasesInOrder(t *testing.T) {
	set := newStubSet("a", "b", "c")
	progress := &countingProgress{}
	mgr, states := newStubManager(t, set, workflow.WithProgress(progress))

	report, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success() {
		t.Fatalf("expected success, all-failed phases %v", report.AllFailedPhases())
	}
	if report.RunID == "" || report.Resumed {
		t.Fatalf("unexpected run identity: %+v", report)
	}
	if len(report.Phases) != len(workstate.Phases) {
		t.Fatalf("expected %d phase reports, got %d", len(workstate.Phases), len(report.Phases))
	}
	for i, phase := range workstate.Phases {
		pr := report.Phases[i]
		if pr.Phase != phase || pr.Status != workstate.PhaseCompleted {
			t.Fatalf("phase %d = %s/%s, want %s/completed", i, pr.Phase, pr.Status, phase)
		}
		if pr.Processed != 3 || pr.Succeeded != 3 {
			t.Fatalf("phase %s processed %d succeeded %d, want 3/3", phase, pr.Processed, pr.Succeeded)
		}
	}
	if got := progress.increments[workstate.PhaseImporting]; got != 3 {
		t.Fatalf("importing progress increments = %d, want 3", got)
	}
	if len(progress.starts) != 4 {
		t.Fatalf("expected 4 progress starts, got %v", progress.starts)
	}

	st, err := states.Load("test-run")
	if err != nil {
		t.Fatalf("load persisted state: %v", err)
	}
	if !st.Completed(workstate.PhaseImporting) {
		t.Fatalf("importing not completed in persisted state: %+v", st.Summary(workstate.PhaseImporting))
	}
	if n := len(st.Attempts); n != 1 || st.Attempts[0].Outcome != "completed" {
		t.Fatalf("unexpected attempts %+v", st.Attempts)
	}
	if st.Totals.DistinctImages != 3 {
		t.Fatalf("distinct images = %d, want 3", st.Totals.DistinctImages)
	}
}

func TestRunResumesAfterPhaseFailure(t *testing.T) {
	set := newStubSet("a", "b")
	set.uploader.executeErr = stage.Fatal(workstate.PhaseUploading, "upload", "asset store unreachable", errors.New("dial tcp: refused"))
	mgr, states := newStubManager(t, set)

	report, err := mgr.Run(context.Background())
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if got := report.Phases[len(report.Phases)-1]; got.Phase != workstate.PhaseUploading || got.Status != workstate.PhaseAborted {
		t.Fatalf("expected aborted uploading phase, got %+v", got)
	}
	st, err := states.Load("test-run")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if !st.Completed(workstate.PhaseHashing) || st.Summary(workstate.PhaseUploading).Status != workstate.PhaseAborted {
		t.Fatalf("unexpected persisted phases: %+v", st.Phases)
	}

	set.uploader.executeErr = nil
	report, err = mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	if !report.Resumed {
		t.Fatal("expected resumed report")
	}
	if !report.Phases[0].Resumed || !report.Phases[1].Resumed || report.Phases[2].Resumed {
		t.Fatalf("unexpected resume flags: %+v", report.Phases)
	}
	if set.planner.Runs() != 1 || set.hasher.Runs() != 1 {
		t.Fatalf("completed phases re-ran: planner %d hasher %d", set.planner.Runs(), set.hasher.Runs())
	}
	if set.uploader.Runs() != 2 || set.importer.Runs() != 1 {
		t.Fatalf("unexpected runs: uploader %d importer %d", set.uploader.Runs(), set.importer.Runs())
	}
}

func TestRunSkipsEverythingWhenComplete(t *testing.T) {
	set := newStubSet("a")
	mgr, _ := newStubManager(t, set)
	if _, err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	report, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	for _, pr := range report.Phases {
		if !pr.Resumed || pr.Processed != 0 {
			t.Fatalf("phase %s should be skipped, got %+v", pr.Phase, pr)
		}
	}
	if set.importer.Runs() != 1 {
		t.Fatalf("importer ran %d times, want 1", set.importer.Runs())
	}
}

func TestRunFlagsPhaseWhereEveryItemFailed(t *testing.T) {
	set := newStubSet("a", "b", "c")
	set.importer.fail = map[string]bool{"a": true, "b": true, "c": true}
	mgr, _ := newStubManager(t, set)

	report, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Success() {
		t.Fatal("expected failure signal when every import fails")
	}
	phases := report.AllFailedPhases()
	if len(phases) != 1 || phases[0] != workstate.PhaseImporting {
		t.Fatalf("all-failed phases = %v", phases)
	}
	if len(report.Failures) != 3 {
		t.Fatalf("expected 3 failures, got %d", len(report.Failures))
	}
	for _, f := range report.Failures {
		if f.Kind != workstate.KindValidation || f.Phase != workstate.PhaseImporting {
			t.Fatalf("unexpected failure %+v", f)
		}
	}
}

func TestRunPartialFailureStillSucceeds(t *testing.T) {
	set := newStubSet("a", "b", "c")
	set.hasher.fail = map[string]bool{"b": true}
	mgr, _ := newStubManager(t, set)

	report, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success() {
		t.Fatalf("partial failure must not flip the exit signal: %v", report.AllFailedPhases())
	}
	uploading := report.Phases[2]
	if uploading.Succeeded != 2 || uploading.Skipped != 1 {
		t.Fatalf("uploading summary %+v, want 2 done 1 skipped", uploading)
	}
	importing := report.Phases[3]
	if importing.Succeeded != 3 {
		t.Fatalf("a failed image must not block its record: %+v", importing)
	}
}

func TestRunRetryFailedResetsItems(t *testing.T) {
	set := newStubSet("a", "b")
	set.importer.fail = map[string]bool{"b": true}
	cfg := testsupport.NewConfig(t)
	states := workstate.NewStore(cfg.Paths.StateDir, logging.NewNop())
	mgr := workflow.NewManagerWithStages(cfg, states, set.stages(), logging.NewNop())
	if _, err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	set.importer.fail = nil
	cfg.Run.RetryFailed = true
	report, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if report.Reset != 1 {
		t.Fatalf("reset = %d, want 1", report.Reset)
	}
	importing := report.Phases[3]
	if importing.Resumed || importing.Processed != 1 || importing.Succeeded != 2 {
		t.Fatalf("unexpected importing report %+v", importing)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("failures should clear after retry: %+v", report.Failures)
	}
}

func TestRunRejectsConcurrentRunForSameTag(t *testing.T) {
	mgr, states := newStubManager(t, newStubSet("a"))
	lock, err := states.Lock("test-run")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer func() { _ = lock.Release() }()

	if _, err := mgr.Run(context.Background()); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRunStopsOnUnhealthyStage(t *testing.T) {
	set := newStubSet("a")
	set.uploader.unhealthy = "bucket unreachable"
	mgr, states := newStubManager(t, set)

	_, err := mgr.Run(context.Background())
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if set.uploader.Runs() != 0 {
		t.Fatal("unhealthy stage must not execute")
	}
	st, err := states.Load("test-run")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got := st.Summary(workstate.PhaseUploading).Status; got != workstate.PhasePending {
		t.Fatalf("uploading status = %s, want pending", got)
	}
	if n := len(st.Attempts); n != 1 || st.Attempts[0].Outcome != "failed" {
		t.Fatalf("unexpected attempts %+v", st.Attempts)
	}
}

func TestRunRejectsPrepareFailure(t *testing.T) {
	set := newStubSet("a")
	set.uploader.prepareErr = stage.Fatal(workstate.PhaseUploading, "prepare", "asset directory full", nil)
	mgr, _ := newStubManager(t, set)

	report, err := mgr.Run(context.Background())
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if set.uploader.Runs() != 0 {
		t.Fatal("stage must not execute after a failed prepare")
	}
	last := report.Phases[len(report.Phases)-1]
	if last.Status != workstate.PhaseAborted || last.Error == "" {
		t.Fatalf("unexpected phase report %+v", last)
	}
}

func TestRunFailsPreflightWithoutSourceRoot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := os.RemoveAll(cfg.Source.Root); err != nil {
		t.Fatalf("remove source root: %v", err)
	}
	states := workstate.NewStore(cfg.Paths.StateDir, logging.NewNop())
	set := newStubSet("a")
	mgr := workflow.NewManagerWithStages(cfg, states, set.stages(), logging.NewNop())

	if _, err := mgr.Run(context.Background()); !errors.Is(err, services.ErrFatal) {
		t.Fatalf("expected fatal preflight error, got %v", err)
	}
	if set.planner.Runs() != 0 {
		t.Fatal("planning must not start after a failed preflight")
	}
	if _, err := states.Load(cfg.Run.Tag); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("no state should be written, got %v", err)
	}
}

func TestRunRequiresTag(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTag(""))
	states := workstate.NewStore(cfg.Paths.StateDir, logging.NewNop())
	mgr := workflow.NewManagerWithStages(cfg, states, newStubSet().stages(), logging.NewNop())
	if _, err := mgr.Run(context.Background()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	set := newStubSet("a")
	set.hasher.executeErr = context.Canceled
	mgr, states := newStubManager(t, set)

	_, err := mgr.Run(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	st, loadErr := states.Load("test-run")
	if loadErr != nil {
		t.Fatalf("load state: %v", loadErr)
	}
	if !st.Completed(workstate.PhasePlanning) {
		t.Fatal("planning progress must survive the interruption")
	}
	if got := st.Attempts[len(st.Attempts)-1].Outcome; got != "interrupted" {
		t.Fatalf("attempt outcome = %q, want interrupted", got)
	}
}

func TestHealthCheckReportsEveryStage(t *testing.T) {
	set := newStubSet()
	set.importer.unhealthy = "database locked"
	mgr, _ := newStubManager(t, set)

	health := mgr.HealthCheck(context.Background())
	if len(health) != 4 {
		t.Fatalf("expected 4 health entries, got %d", len(health))
	}
	if h := health[string(workstate.PhaseImporting)]; h.Ready || h.Detail != "database locked" {
		t.Fatalf("unexpected importing health %+v", h)
	}
	if mgr.Healthy(context.Background()) {
		t.Fatal("manager should report unhealthy")
	}
	if !health[string(workstate.PhasePlanning)].Ready {
		t.Fatal("planning should be ready")
	}
}
