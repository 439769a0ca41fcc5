package testsupport

import (
	"context"
	"testing"

	"pharmimport/internal/blobstore"
	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/store"
	"pharmimport/internal/workstate"
)

// MustOpenStore opens the SQLite store configured in cfg and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.SQLite {
	t.Helper()

	s, err := store.OpenSQLite(context.Background(), cfg.Database.SQLitePath, logging.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// NewBlobStore returns the local blob store rooted at cfg.Assets.Dir.
func NewBlobStore(cfg *config.Config) *blobstore.Local {
	return blobstore.NewLocal(cfg.Assets.Dir, logging.NewNop())
}

// NewState creates a fresh work state for cfg and a recorder around it that
// checkpoints into the configured state directory.
func NewState(t testing.TB, cfg *config.Config) (*workstate.Store, *workstate.State, *workstate.Recorder) {
	t.Helper()

	ws := workstate.NewStore(cfg.Paths.StateDir, logging.NewNop())
	st, _, err := ws.LoadOrCreate(context.Background(), workstate.Identity{
		Tag:          cfg.Run.Tag,
		Backend:      cfg.Run.Backend,
		AssetBackend: cfg.Assets.Backend,
		SourceRoot:   cfg.Source.Root,
	})
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return ws, st, workstate.NewRecorder(st, ws, cfg.Run.CheckpointEvery, logging.NewNop())
}
