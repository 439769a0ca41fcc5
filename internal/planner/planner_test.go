package planner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmimport/internal/logging"
	"pharmimport/internal/planner"
	"pharmimport/internal/services"
	"pharmimport/internal/testsupport"
	"pharmimport/internal/workstate"
)

func TestPlanPairsRecordsWithImages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Source.Root
	testsupport.WriteImage(t, root, "shots/a.png", "a")
	testsupport.WriteImage(t, root, "tx/b.png", "b")
	testsupport.WriteRecord(t, root, "tx/a.json", testsupport.Record{
		Name: "Acme", State: "TX", Timestamp: "2024-03-01T10:00:00Z", License: "L1", Image: "shots/a.png",
	})
	// Relative to the record's own directory.
	testsupport.WriteRecord(t, root, "tx/b.json", testsupport.Record{
		Name: "Bravo", State: "TX", Timestamp: "2024-03-01T10:00:00Z", License: "L2", Image: "b.png",
	})
	testsupport.WriteRecord(t, root, "tx/c.json", testsupport.Record{
		Name: "Charlie", State: "TX", Timestamp: "2024-03-01T10:00:00Z", Status: "not_found",
	})

	p := planner.NewPlanner(cfg, logging.NewNop())
	items, warnings, err := p.Plan(context.Background(), root)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, items, 3)

	byKey := map[string]workstate.WorkItem{}
	for _, item := range items {
		byKey[item.Key] = item
	}
	a := byKey["tx/a.json"]
	assert.Equal(t, workstate.ItemDone, a.Status(workstate.PhasePlanning))
	assert.Equal(t, filepath.Join(root, "shots", "a.png"), a.ImagePath)
	assert.Equal(t, "TX/acme@2024-03-01T10:00:00.000000Z", a.LogicalKey)

	b := byKey["tx/b.json"]
	assert.Equal(t, filepath.Join(root, "tx", "b.png"), b.ImagePath)

	c := byKey["tx/c.json"]
	assert.False(t, c.HasImage())
	assert.Equal(t, workstate.ItemSkipped, c.Status(workstate.PhaseHashing))
	assert.Equal(t, workstate.ItemSkipped, c.Status(workstate.PhaseUploading))
	assert.Equal(t, workstate.ItemPending, c.Status(workstate.PhaseImporting))
}

func TestPlanMarksMissingImageFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Source.Root
	testsupport.WriteImage(t, root, "ok.png", "ok")
	testsupport.WriteRecord(t, root, "ok.json", testsupport.Record{
		Name: "Acme", State: "TX", Timestamp: "2024-03-01T10:00:00Z", License: "L1", Image: "ok.png",
	})
	testsupport.WriteRecord(t, root, "missing.json", testsupport.Record{
		Name: "Bravo", State: "TX", Timestamp: "2024-03-01T10:00:00Z", License: "L2", Image: "gone.png",
	})

	items, _, err := planner.NewPlanner(cfg, logging.NewNop()).Plan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, items, 2)

	missing := items[0]
	require.Equal(t, "missing.json", missing.Key)
	assert.Equal(t, workstate.ItemFailed, missing.Status(workstate.PhasePlanning))
	require.NotNil(t, missing.LastError)
	assert.Equal(t, workstate.KindPlanning, missing.LastError.Kind)
	assert.Contains(t, missing.LastError.Message, "gone.png")

	assert.Equal(t, workstate.ItemDone, items[1].Status(workstate.PhasePlanning))
}

func TestPlanWarnsOnDuplicateLogicalKeys(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Source.Root
	// Same search with different or missing licence numbers.
	testsupport.WriteRecord(t, root, "a/one.json", testsupport.Record{
		Name: "Acme", State: "tx", Timestamp: "2024-03-01T10:00:00Z", License: "L1",
	})
	testsupport.WriteRecord(t, root, "b/two.json", testsupport.Record{
		Name: "ACME", State: "TX", Timestamp: "2024-03-01T10:00:00Z", License: "L9",
	})
	testsupport.WriteRecord(t, root, "b/three.json", testsupport.Record{
		Name: "Acme", State: "TX", Timestamp: "2024-03-01T10:00:00Z", Status: "not_found",
	})
	// Same licence at a later search is a natural-key conflict, not a duplicate search.
	testsupport.WriteRecord(t, root, "d/later.json", testsupport.Record{
		Name: "Acme", State: "TX", Timestamp: "2024-04-01T10:00:00Z", License: "L1",
	})
	testsupport.WriteRecord(t, root, "c/bad.json", testsupport.Record{Name: "No State"})

	items, warnings, err := planner.NewPlanner(cfg, logging.NewNop()).Plan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.Len(t, warnings, 2)

	assert.Equal(t, planner.WarningDuplicateKey, warnings[0].Kind)
	assert.Equal(t, []string{"a/one.json", "b/three.json", "b/two.json"}, warnings[0].Keys)
	assert.Equal(t, planner.WarningInvalidRecord, warnings[1].Kind)
	assert.Equal(t, []string{"c/bad.json"}, warnings[1].Keys)
}

func TestPlanRejectsMissingRoot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, _, err := planner.NewPlanner(cfg, logging.NewNop()).Plan(context.Background(), filepath.Join(cfg.Source.Root, "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrFatal)
}

func TestExecuteReconcilesIntoState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Source.Root
	testsupport.WriteRecord(t, root, "a.json", testsupport.Record{
		Name: "Acme", State: "TX", Timestamp: "2024-03-01T10:00:00Z", License: "L1", Image: "a.png",
	})
	_, st, rec := testsupport.NewState(t, cfg)
	p := planner.NewPlanner(cfg, logging.NewNop())

	require.NoError(t, p.Execute(context.Background(), rec))
	item, ok := st.Item("a.json")
	require.True(t, ok)
	assert.Equal(t, workstate.ItemFailed, item.Status(workstate.PhasePlanning))
	assert.Equal(t, int64(1), p.Counters()["added"])

	// The image shows up and a new record is added; re-planning fixes the
	// failed item and appends the new one.
	testsupport.WriteImage(t, root, "a.png", "a")
	testsupport.WriteRecord(t, root, "b.json", testsupport.Record{
		Name: "Bravo", State: "TX", Timestamp: "2024-03-01T10:00:00Z", Status: "not_found",
	})
	require.NoError(t, p.Prepare(context.Background(), rec))
	require.NoError(t, p.Execute(context.Background(), rec))

	item, _ = st.Item("a.json")
	assert.Equal(t, workstate.ItemDone, item.Status(workstate.PhasePlanning))
	assert.Nil(t, item.LastError)
	assert.Equal(t, 2, st.Totals.Files)
	assert.Equal(t, 1, st.Totals.Images)
	assert.Equal(t, int64(1), p.Counters()["added"])
	assert.Equal(t, int64(1), p.Counters()["replanned"])
}

func TestHealthCheck(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p := planner.NewPlanner(cfg, logging.NewNop())
	assert.True(t, p.HealthCheck(context.Background()).Ready)

	require.NoError(t, os.RemoveAll(cfg.Source.Root))
	assert.False(t, p.HealthCheck(context.Background()).Ready)
}
