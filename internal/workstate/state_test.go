package workstate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmimport/internal/services"
)

func plannedItem(key string, image bool) WorkItem {
	item := NewWorkItem(key, "/src/"+key)
	item.setStatus(PhasePlanning, ItemDone)
	if image {
		item.ImagePath = "/src/" + key + ".png"
	} else {
		item.setStatus(PhaseHashing, ItemSkipped)
		item.setStatus(PhaseUploading, ItemSkipped)
	}
	return item
}

func testState(t *testing.T, items ...WorkItem) *State {
	t.Helper()
	st := newState(Identity{Tag: "t", Backend: "sqlite", AssetBackend: "local", SourceRoot: "/src"}, time.Now())
	st.MergePlan(items)
	return st
}

func TestAdvancePhaseEnforcesOrder(t *testing.T) {
	st := testState(t)
	err := st.AdvancePhase(PhaseHashing, PhaseResult{Status: PhaseRunning})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start before planning")

	require.NoError(t, st.AdvancePhase(PhasePlanning, PhaseResult{Status: PhaseRunning}))
	require.NoError(t, st.AdvancePhase(PhasePlanning, PhaseResult{Status: PhaseCompleted}))
	require.NoError(t, st.AdvancePhase(PhaseHashing, PhaseResult{Status: PhaseRunning}))
	assert.Equal(t, PhaseRunning, st.Summary(PhaseHashing).Status)
	assert.NotNil(t, st.Summary(PhaseHashing).StartedAt)
}

func TestAdvancePhaseCompletionRequiresRunning(t *testing.T) {
	st := testState(t)
	require.Error(t, st.AdvancePhase(PhasePlanning, PhaseResult{Status: PhaseCompleted}))
	require.Error(t, st.AdvancePhase(Phase("bogus"), PhaseResult{Status: PhaseRunning}))
}

func TestAdvancePhaseCountsItems(t *testing.T) {
	st := testState(t, plannedItem("a", true), plannedItem("b", true), plannedItem("c", false))
	require.NoError(t, st.AdvancePhase(PhasePlanning, PhaseResult{Status: PhaseRunning}))
	require.NoError(t, st.AdvancePhase(PhasePlanning, PhaseResult{Status: PhaseCompleted}))
	require.NoError(t, st.AdvancePhase(PhaseHashing, PhaseResult{Status: PhaseRunning}))

	require.NoError(t, st.Apply(ItemResult{Key: "a", Phase: PhaseHashing, Status: ItemDone, ContentHash: "h1", ImageSize: 3}))
	require.NoError(t, st.Apply(ItemResult{Key: "b", Phase: PhaseHashing, Status: ItemFailed, Err: errors.New("read failed")}))
	require.NoError(t, st.AdvancePhase(PhaseHashing, PhaseResult{Status: PhaseCompleted}))

	sum := st.Summary(PhaseHashing)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, st.Totals.DistinctImages)
	assert.Equal(t, 3, st.Totals.Files)
	assert.Equal(t, 2, st.Totals.Images)

	b, ok := st.Item("b")
	require.True(t, ok)
	assert.Equal(t, ItemSkipped, b.Status(PhaseUploading), "upload cannot run without a hash")
	require.NotNil(t, b.LastError)
	assert.Equal(t, KindIO, b.LastError.Kind)
	assert.Equal(t, PhaseHashing, b.LastError.Phase)
}

func TestEligibleRules(t *testing.T) {
	failedPlan := NewWorkItem("x", "/src/x")
	failedPlan.setStatus(PhasePlanning, ItemFailed)
	st := testState(t, plannedItem("a", true), plannedItem("b", false), failedPlan)

	keys := func(items []WorkItem) []string {
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, item.Key)
		}
		return out
	}

	assert.Equal(t, []string{"a"}, keys(st.Eligible(PhaseHashing)))
	assert.Empty(t, st.Eligible(PhaseUploading))
	assert.Equal(t, []string{"b"}, keys(st.Eligible(PhaseImporting)), "image phases of a must settle first")

	require.NoError(t, st.Apply(ItemResult{Key: "a", Phase: PhaseHashing, Status: ItemDone, ContentHash: "h"}))
	assert.Equal(t, []string{"a"}, keys(st.Eligible(PhaseUploading)))
	require.NoError(t, st.Apply(ItemResult{Key: "a", Phase: PhaseUploading, Status: ItemFailed, Err: services.ErrTransient}))
	assert.Equal(t, []string{"a", "b"}, keys(st.Eligible(PhaseImporting)), "failed upload still imports")
}

func TestEligibleReturnsCopies(t *testing.T) {
	st := testState(t, plannedItem("a", true))
	items := st.Eligible(PhaseHashing)
	require.Len(t, items, 1)
	items[0].Phases[PhaseHashing] = ItemDone
	live, _ := st.Item("a")
	assert.Equal(t, ItemPending, live.Status(PhaseHashing))
}

func TestMergePlanKeepsProgress(t *testing.T) {
	st := testState(t, plannedItem("a", true))
	require.NoError(t, st.Apply(ItemResult{Key: "a", Phase: PhaseHashing, Status: ItemDone, ContentHash: "h"}))

	broken := NewWorkItem("b", "/src/b")
	broken.setStatus(PhasePlanning, ItemFailed)
	st.MergePlan([]WorkItem{broken})
	st.Items[st.index["b"]].Retries = 2

	fixed := plannedItem("b", false)
	again := plannedItem("a", true)
	added, replanned := st.MergePlan([]WorkItem{again, fixed, plannedItem("c", false)})
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, replanned)

	a, _ := st.Item("a")
	assert.Equal(t, ItemDone, a.Status(PhaseHashing), "existing progress must survive re-planning")
	b, _ := st.Item("b")
	assert.Equal(t, ItemDone, b.Status(PhasePlanning))
	assert.Equal(t, 2, b.Retries)
	assert.Equal(t, []string{"a", "b", "c"}, []string{st.Items[0].Key, st.Items[1].Key, st.Items[2].Key})
}

func TestResetFailedReopensFromEarliestPhase(t *testing.T) {
	st := testState(t, plannedItem("a", true), plannedItem("b", false))
	for _, phase := range Phases {
		require.NoError(t, st.AdvancePhase(phase, PhaseResult{Status: PhaseRunning}))
		switch phase {
		case PhaseHashing:
			require.NoError(t, st.Apply(ItemResult{Key: "a", Phase: phase, Status: ItemFailed, Err: errors.New("eio")}))
		case PhaseImporting:
			require.NoError(t, st.Apply(ItemResult{Key: "a", Phase: phase, Status: ItemDone}))
			require.NoError(t, st.Apply(ItemResult{Key: "b", Phase: phase, Status: ItemDone}))
		}
		require.NoError(t, st.AdvancePhase(phase, PhaseResult{Status: PhaseCompleted}))
	}
	require.Len(t, st.Failures(), 1)

	keys, err := st.ResetFailed()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	a, _ := st.Item("a")
	assert.Equal(t, ItemPending, a.Status(PhaseHashing))
	assert.Equal(t, ItemPending, a.Status(PhaseUploading))
	assert.Equal(t, ItemPending, a.Status(PhaseImporting), "row is rewritten once the image lands")
	assert.Equal(t, 1, a.Retries)
	assert.Nil(t, a.LastError)

	assert.True(t, st.Completed(PhasePlanning))
	assert.False(t, st.Completed(PhaseHashing))
	assert.False(t, st.Completed(PhaseImporting))
	assert.Empty(t, st.Failures())

	b, _ := st.Item("b")
	assert.Equal(t, ItemDone, b.Status(PhaseImporting))
}

func TestApplyRejectsUnknownItem(t *testing.T) {
	st := testState(t)
	require.Error(t, st.Apply(ItemResult{Key: "missing", Phase: PhaseHashing, Status: ItemDone}))
}

func TestApplySupersededSkip(t *testing.T) {
	st := testState(t, plannedItem("a", false), plannedItem("b", false))
	require.NoError(t, st.Apply(ItemResult{Key: "a", Phase: PhaseImporting, Status: ItemSkipped, SupersededBy: "b"}))
	a, _ := st.Item("a")
	assert.Equal(t, "b", a.SupersededBy)
	assert.Equal(t, ItemSkipped, a.Status(PhaseImporting))
}

func TestCheckIdentity(t *testing.T) {
	st := testState(t)
	assert.NoError(t, st.CheckIdentity(Identity{Tag: "t", Backend: "sqlite", AssetBackend: "local", SourceRoot: "/src"}))
	err := st.CheckIdentity(Identity{Tag: "t", Backend: "postgres", AssetBackend: "s3", SourceRoot: "/src"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
	assert.Contains(t, err.Error(), "s3")

	err = st.CheckIdentity(Identity{Tag: "T", Backend: "sqlite", AssetBackend: "local", SourceRoot: "/src"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tag")
}

func TestErrorKindOf(t *testing.T) {
	cases := map[ErrorKind]error{
		KindValidation: services.Wrap(services.ErrValidation, "importing", "row", "", nil),
		KindTransient:  services.Wrap(services.ErrTimeout, "uploading", "put", "", nil),
		KindConflict:   services.Wrap(services.ErrConflict, "", "", "", nil),
		KindFatal:      services.Wrap(services.ErrFatal, "", "", "", nil),
		KindPlanning:   services.Wrap(services.ErrNotFound, "planning", "image", "", nil),
		KindIO:         errors.New("disk on fire"),
	}
	for want, err := range cases {
		assert.Equal(t, want, ErrorKindOf(err), err.Error())
	}
	assert.Equal(t, ErrorKind(""), ErrorKindOf(nil))
}
