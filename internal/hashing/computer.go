package hashing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"pharmimport/internal/config"
	"pharmimport/internal/fileutil"
	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/stage"
	"pharmimport/internal/workstate"
)

// HashFunc digests the file at path and returns the hex hash and byte count.
type HashFunc func(path string) (string, int64, error)

// Computer is the hashing stage handler.
type Computer struct {
	cfg    *config.Config
	logger *slog.Logger
	hash   HashFunc
	flight singleflight.Group

	hashed    atomic.Int64
	cacheHits atomic.Int64
	failed    atomic.Int64
}

// NewComputer constructs the hashing stage handler.
func NewComputer(cfg *config.Config, logger *slog.Logger) *Computer {
	return NewComputerWithDependencies(cfg, logger, fileutil.HashFile)
}

// NewComputerWithDependencies allows injecting the hash function (used in tests).
func NewComputerWithDependencies(cfg *config.Config, logger *slog.Logger, hash HashFunc) *Computer {
	c := &Computer{cfg: cfg, hash: hash}
	c.SetLogger(logger)
	return c
}

// SetLogger implements stage.LoggerAware.
func (c *Computer) SetLogger(logger *slog.Logger) {
	c.logger = logging.NewComponentLogger(logger, "hashing")
}

// Phase implements stage.Handler.
func (c *Computer) Phase() workstate.Phase { return workstate.PhaseHashing }

// Prepare implements stage.Handler.
func (c *Computer) Prepare(context.Context, *workstate.Recorder) error {
	c.hashed.Store(0)
	c.cacheHits.Store(0)
	c.failed.Store(0)
	return nil
}

// HealthCheck implements stage.Handler. Hashing only reads local files.
func (c *Computer) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("hashing")
}

// Counters implements stage.CounterReporter.
func (c *Computer) Counters() map[string]int64 {
	return map[string]int64{
		"hashed":     c.hashed.Load(),
		"cache_hits": c.cacheHits.Load(),
		"failed":     c.failed.Load(),
	}
}

// Execute implements stage.Handler.
func (c *Computer) Execute(ctx context.Context, rec *workstate.Recorder) error {
	return c.Compute(ctx, rec)
}

// Compute hashes the images of every item eligible for hashing and records
// each outcome. Unreadable files fail only the items that reference them.
func (c *Computer) Compute(ctx context.Context, rec *workstate.Recorder) error {
	logger := logging.WithContext(ctx, c.logger)
	items := stage.Eligible(rec, workstate.PhaseHashing)
	logger.Info("hashing images",
		logging.String(logging.FieldEventType, "hashing_start"),
		logging.Int("items", len(items)),
		logging.Int("workers", c.cfg.Workers.Hash),
	)

	err := stage.ForEach(ctx, items, c.cfg.Workers.Hash, func(ctx context.Context, item workstate.WorkItem) error {
		hash, size, err := c.hashImage(rec, item.ImagePath)
		if err != nil {
			c.failed.Add(1)
			logger.Debug("image hash failed",
				logging.String(logging.FieldItemKey, item.Key),
				logging.Error(err),
			)
			return rec.Record(workstate.ItemResult{
				Key:    item.Key,
				Phase:  workstate.PhaseHashing,
				Status: workstate.ItemFailed,
				Err:    err,
				Kind:   workstate.KindIO,
			})
		}
		return rec.Record(workstate.ItemResult{
			Key:         item.Key,
			Phase:       workstate.PhaseHashing,
			Status:      workstate.ItemDone,
			ContentHash: hash,
			ImageSize:   size,
		})
	})
	if err != nil {
		return err
	}

	logger.Info("hashing complete",
		logging.String(logging.FieldEventType, "hashing_complete"),
		logging.Int64("hashed", c.hashed.Load()),
		logging.Int64("cache_hits", c.cacheHits.Load()),
		logging.Int64("failed", c.failed.Load()),
	)
	return nil
}

type digest struct {
	hash string
	size int64
}

// hashImage returns the content hash for path, reading it only when the
// cache has no entry for the file's current size and mtime. Concurrent
// requests for one path share a single read.
func (c *Computer) hashImage(rec *workstate.Recorder, path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, services.Wrap(services.ErrNotFound, string(workstate.PhaseHashing), "stat image", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", 0, services.Wrap(services.ErrValidation, string(workstate.PhaseHashing), "stat image", fmt.Sprintf("%s is not a regular file", path), nil)
	}
	if d, ok := c.cached(rec, path, info); ok {
		c.cacheHits.Add(1)
		return d.hash, d.size, nil
	}

	flightKey := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	v, err, _ := c.flight.Do(flightKey, func() (any, error) {
		if d, ok := c.cached(rec, path, info); ok {
			return d, nil
		}
		hash, size, err := c.hash(path)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", path, err)
		}
		c.hashed.Add(1)
		rec.CacheHash(path, workstate.HashEntry{Size: info.Size(), ModTime: info.ModTime().UTC(), Hash: hash})
		return digest{hash: hash, size: size}, nil
	})
	if err != nil {
		return "", 0, err
	}
	d := v.(digest)
	return d.hash, d.size, nil
}

func (c *Computer) cached(rec *workstate.Recorder, path string, info os.FileInfo) (digest, bool) {
	var (
		entry workstate.HashEntry
		ok    bool
	)
	rec.With(func(st *workstate.State) {
		entry, ok = st.HashCache[path]
	})
	if !ok || !entry.Matches(info.Size(), info.ModTime()) {
		return digest{}, false
	}
	return digest{hash: entry.Hash, size: entry.Size}, true
}
