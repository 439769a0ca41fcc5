package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"pharmimport/internal/blobstore"
	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/preflight"
	"pharmimport/internal/retry"
	"pharmimport/internal/stage"
	"pharmimport/internal/store"
	"pharmimport/internal/workstate"
)

// Registry records image assets in the relational store.
type Registry interface {
	RegisterAsset(ctx context.Context, asset store.Asset) (store.Asset, error)
	Ping(ctx context.Context) error
}

// Uploader is the uploading stage handler.
type Uploader struct {
	cfg      *config.Config
	blobs    blobstore.Store
	registry Registry
	policy   retry.Policy
	logger   *slog.Logger
	now      func() time.Time

	uploaded      atomic.Int64
	reused        atomic.Int64
	failed        atomic.Int64
	bytesUploaded atomic.Int64
}

// NewUploader constructs the uploading stage handler.
func NewUploader(cfg *config.Config, blobs blobstore.Store, registry Registry, logger *slog.Logger) *Uploader {
	u := &Uploader{
		cfg:      cfg,
		blobs:    blobs,
		registry: registry,
		policy:   retry.FromConfig(cfg.Retry),
		now:      time.Now,
	}
	u.SetLogger(logger)
	return u
}

// SetLogger implements stage.LoggerAware.
func (u *Uploader) SetLogger(logger *slog.Logger) {
	u.logger = logging.NewComponentLogger(logger, "uploader")
}

// Phase implements stage.Handler.
func (u *Uploader) Phase() workstate.Phase { return workstate.PhaseUploading }

// HealthCheck implements stage.Handler.
func (u *Uploader) HealthCheck(ctx context.Context) stage.Health {
	if result := preflight.CheckService(ctx, "asset store", u.blobs); !result.Passed {
		return stage.Unhealthy("uploader", "asset store "+result.Detail)
	}
	if result := preflight.CheckService(ctx, "database", u.registry); !result.Passed {
		return stage.Unhealthy("uploader", "database "+result.Detail)
	}
	return stage.Healthy("uploader")
}

// Counters implements stage.CounterReporter.
func (u *Uploader) Counters() map[string]int64 {
	return map[string]int64{
		"uploaded":       u.uploaded.Load(),
		"reused":         u.reused.Load(),
		"failed":         u.failed.Load(),
		"bytes_uploaded": u.bytesUploaded.Load(),
	}
}

// Prepare resets counters and, for the local backend, checks the asset
// directory is writable and has room for the content not yet stored.
func (u *Uploader) Prepare(ctx context.Context, rec *workstate.Recorder) error {
	u.uploaded.Store(0)
	u.reused.Store(0)
	u.failed.Store(0)
	u.bytesUploaded.Store(0)

	if u.cfg.Assets.Backend != config.AssetBackendLocal {
		return nil
	}
	dir := u.cfg.Assets.Dir
	if result := preflight.CheckDirectoryAccess("asset directory", dir); !result.Passed {
		return stage.Fatal(workstate.PhaseUploading, "preflight", result.Detail, nil)
	}

	var need uint64
	for _, g := range groupByHash(stage.Eligible(rec, workstate.PhaseUploading)) {
		_, found, err := u.blobs.Stat(ctx, g.hash)
		if err != nil {
			return stage.Fatal(workstate.PhaseUploading, "preflight", "stat asset", err)
		}
		if !found && g.size > 0 {
			need += uint64(g.size)
		}
	}
	if result := preflight.CheckFreeSpace("asset directory", dir, need); !result.Passed {
		return stage.Fatal(workstate.PhaseUploading, "preflight", result.Detail, nil)
	}
	return nil
}

// Execute implements stage.Handler.
func (u *Uploader) Execute(ctx context.Context, rec *workstate.Recorder) error {
	return u.Upload(ctx, rec)
}

type hashGroup struct {
	hash  string
	path  string
	size  int64
	items []string
}

func groupByHash(items []workstate.WorkItem) []hashGroup {
	index := make(map[string]int)
	var groups []hashGroup
	for _, item := range items {
		i, ok := index[item.ContentHash]
		if !ok {
			i = len(groups)
			index[item.ContentHash] = i
			groups = append(groups, hashGroup{hash: item.ContentHash, path: item.ImagePath, size: item.ImageSize})
		}
		groups[i].items = append(groups[i].items, item.Key)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].hash < groups[b].hash })
	return groups
}

// Upload stores every novel content hash referenced by items eligible for
// uploading and records each item's outcome. Items sharing a hash are
// handled by a single worker.
func (u *Uploader) Upload(ctx context.Context, rec *workstate.Recorder) error {
	logger := logging.WithContext(ctx, u.logger)
	groups := groupByHash(stage.Eligible(rec, workstate.PhaseUploading))
	logger.Info("uploading images",
		logging.String(logging.FieldEventType, "uploading_start"),
		logging.Int("distinct_hashes", len(groups)),
		logging.Int("workers", u.cfg.Workers.Upload),
	)

	err := stage.ForEach(ctx, groups, u.cfg.Workers.Upload, func(ctx context.Context, g hashGroup) error {
		err := u.store(ctx, logger, g)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		status := workstate.ItemDone
		if err != nil {
			status = workstate.ItemFailed
			u.failed.Add(int64(len(g.items)))
			logging.WarnWithContext(logger, "image upload failed", "upload_failed",
				logging.String(logging.FieldContentHash, g.hash),
				logging.Int("items", len(g.items)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "rerun with --retry-failed once the asset store is healthy"),
				logging.String(logging.FieldImpact, "records are imported without an image reference"),
			)
		}
		for _, key := range g.items {
			if rerr := rec.Record(workstate.ItemResult{Key: key, Phase: workstate.PhaseUploading, Status: status, Err: err}); rerr != nil {
				return rerr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("uploading complete",
		logging.String(logging.FieldEventType, "uploading_complete"),
		logging.Int64("uploaded", u.uploaded.Load()),
		logging.Int64("reused", u.reused.Load()),
		logging.Int64("failed_items", u.failed.Load()),
		logging.Int64("bytes_uploaded", u.bytesUploaded.Load()),
	)
	return nil
}

// store makes sure the content for g exists in the blob store and registers
// it with a reference per item.
func (u *Uploader) store(ctx context.Context, logger *slog.Logger, g hashGroup) error {
	policy := u.policy.WithNotify(func(attempt int, err error, wait time.Duration) {
		logger.Warn("asset operation retry",
			logging.String(logging.FieldEventType, "upload_retry"),
			logging.String(logging.FieldContentHash, g.hash),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Error(err),
		)
	})

	var (
		obj   blobstore.Object
		found bool
	)
	if _, err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		obj, found, err = u.blobs.Stat(ctx, g.hash)
		return err
	}); err != nil {
		return fmt.Errorf("check asset %s: %w", g.hash, err)
	}

	if found {
		u.reused.Add(1)
	} else {
		if _, err := policy.WithTimeout(u.cfg.UploadTimeout()).Do(ctx, func(ctx context.Context) error {
			var err error
			obj, err = u.blobs.Put(ctx, g.hash, g.path)
			return err
		}); err != nil {
			return fmt.Errorf("upload asset %s: %w", g.hash, err)
		}
		u.uploaded.Add(1)
		u.bytesUploaded.Add(obj.Size)
		logger.Debug("asset uploaded",
			logging.String(logging.FieldContentHash, g.hash),
			logging.String("location", obj.Location),
			logging.Int64("size", obj.Size),
		)
	}

	refs := make([]string, len(g.items))
	for i, key := range g.items {
		refs[i] = u.cfg.Run.Tag + "/" + key
	}
	now := u.now().UTC()
	asset := store.Asset{
		ContentHash:    g.hash,
		Location:       obj.Location,
		SizeBytes:      obj.Size,
		ContentType:    obj.ContentType,
		FirstSeenAt:    now,
		LastAccessedAt: now,
		Refs:           refs,
	}
	if asset.SizeBytes == 0 {
		asset.SizeBytes = g.size
	}
	if _, err := policy.Do(ctx, func(ctx context.Context) error {
		_, err := u.registry.RegisterAsset(ctx, asset)
		return err
	}); err != nil {
		return fmt.Errorf("register asset %s: %w", g.hash, err)
	}
	return nil
}
