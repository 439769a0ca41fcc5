package workstate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/workstate"
)

func identity() workstate.Identity {
	return workstate.Identity{Tag: "TX March", Backend: "sqlite", AssetBackend: "local", SourceRoot: "/data/tx"}
}

func TestLoadOrCreateThenResume(t *testing.T) {
	store := workstate.NewStore(t.TempDir(), logging.NewNop())
	ctx := context.Background()

	st, resumed, err := store.LoadOrCreate(ctx, identity())
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, workstate.CurrentVersion, st.Version)

	item := workstate.NewWorkItem("a.json", "/data/tx/a.json")
	item.Phases[workstate.PhasePlanning] = workstate.ItemDone
	st.MergePlan([]workstate.WorkItem{item})
	require.NoError(t, st.AdvancePhase(workstate.PhasePlanning, workstate.PhaseResult{Status: workstate.PhaseRunning}))
	require.NoError(t, st.AdvancePhase(workstate.PhasePlanning, workstate.PhaseResult{Status: workstate.PhaseCompleted}))
	require.NoError(t, store.Persist(st))

	name := filepath.Base(store.Path("TX March"))
	assert.True(t, strings.HasPrefix(name, "tx_march-"), name)
	assert.True(t, strings.HasSuffix(name, ".state.json"), name)

	again, resumed, err := store.LoadOrCreate(ctx, identity())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.True(t, again.Completed(workstate.PhasePlanning))
	got, ok := again.Item("a.json")
	require.True(t, ok)
	assert.Equal(t, workstate.ItemDone, got.Status(workstate.PhasePlanning))
}

func TestLoadOrCreateRejectsIdentityMismatch(t *testing.T) {
	store := workstate.NewStore(t.TempDir(), nil)
	st, _, err := store.LoadOrCreate(context.Background(), identity())
	require.NoError(t, err)
	require.NoError(t, store.Persist(st))

	other := identity()
	other.Backend = "postgres"
	_, _, err = store.LoadOrCreate(context.Background(), other)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrConfiguration)
}

func TestTagsSharingASanitizedTokenKeepSeparateState(t *testing.T) {
	store := workstate.NewStore(t.TempDir(), nil)
	ctx := context.Background()
	assert.NotEqual(t, store.Path("March/2024"), store.Path("march_2024"))
	assert.NotEqual(t, store.LockPath("Prod"), store.LockPath("prod"))

	first := identity()
	first.Tag = "March/2024"
	st, _, err := store.LoadOrCreate(ctx, first)
	require.NoError(t, err)
	require.NoError(t, store.Persist(st))

	second := identity()
	second.Tag = "march_2024"
	fresh, resumed, err := store.LoadOrCreate(ctx, second)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, "march_2024", fresh.Tag)
}

func TestLoadOrCreateMovesCorruptDocumentAside(t *testing.T) {
	dir := t.TempDir()
	store := workstate.NewStore(dir, nil)
	require.NoError(t, os.WriteFile(store.Path("TX March"), []byte(`{"version": 1, "items": [`), 0o644))

	st, resumed, err := store.LoadOrCreate(context.Background(), identity())
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Empty(t, st.Items)

	matches, err := filepath.Glob(filepath.Join(dir, "*.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	store := workstate.NewStore(t.TempDir(), nil)
	_, err := store.Load("nothing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestPersistIgnoresLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := workstate.NewStore(dir, nil)
	st, _, err := store.LoadOrCreate(context.Background(), identity())
	require.NoError(t, err)
	require.NoError(t, store.Persist(st))

	// A crash between temp write and rename leaves a stray temp file behind.
	stray := filepath.Join(dir, "."+filepath.Base(store.Path("TX March"))+".tmp-123")
	require.NoError(t, os.WriteFile(stray, []byte("{garbage"), 0o644))

	loaded, err := store.Load("TX March")
	require.NoError(t, err)
	assert.Equal(t, "TX March", loaded.Tag)
}

func TestRunLockIsExclusive(t *testing.T) {
	store := workstate.NewStore(t.TempDir(), nil)
	first, err := store.Lock("tag")
	require.NoError(t, err)

	_, err = store.Lock("tag")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrConflict)
	assert.True(t, strings.Contains(err.Error(), "in progress"))

	require.NoError(t, first.Release())
	second, err := store.Lock("tag")
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

type countingPersister struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (p *countingPersister) Persist(*workstate.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestRecorderConcurrentResultsAndCheckpoints(t *testing.T) {
	store := workstate.NewStore(t.TempDir(), nil)
	st, _, err := store.LoadOrCreate(context.Background(), identity())
	require.NoError(t, err)

	var items []workstate.WorkItem
	for i := 0; i < 100; i++ {
		item := workstate.NewWorkItem(string(rune('a'+i%26))+strings.Repeat("x", i/26), "/r")
		item.Phases[workstate.PhasePlanning] = workstate.ItemDone
		items = append(items, item)
	}
	st.MergePlan(items)

	persister := &countingPersister{}
	rec := workstate.NewRecorder(st, persister, 10, nil)
	observed := 0
	rec.Observe(func(workstate.ItemResult) { observed++ })

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			assert.NoError(t, rec.Record(workstate.ItemResult{Key: key, Phase: workstate.PhaseImporting, Status: workstate.ItemDone}))
		}(item.Key)
	}
	wg.Wait()
	require.NoError(t, rec.Flush())

	assert.Equal(t, 100, observed)
	assert.Equal(t, 11, persister.calls)
	for _, item := range st.Snapshot() {
		assert.Equal(t, workstate.ItemDone, item.Status(workstate.PhaseImporting))
	}
}

func TestRecorderSurfacesCheckpointFailure(t *testing.T) {
	st, _, err := workstate.NewStore(t.TempDir(), nil).LoadOrCreate(context.Background(), identity())
	require.NoError(t, err)
	item := workstate.NewWorkItem("a", "/r")
	st.MergePlan([]workstate.WorkItem{item})

	rec := workstate.NewRecorder(st, &countingPersister{fail: true}, 1, nil)
	require.NoError(t, rec.Record(workstate.ItemResult{Key: "a", Phase: workstate.PhaseImporting, Status: workstate.ItemDone}))
	err = rec.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
