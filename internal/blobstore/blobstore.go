package blobstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"

	"pharmimport/internal/config"
	"pharmimport/internal/services"
)

// Object describes stored content.
type Object struct {
	Hash        string
	Location    string
	Size        int64
	ContentType string
}

// Store is a content-addressed blob store.
type Store interface {
	// Stat returns the stored object for hash. ok is false when the content
	// is not stored.
	Stat(ctx context.Context, hash string) (obj Object, ok bool, err error)
	// Put stores the file at path under hash. Implementations must not
	// store bytes that do not hash to the given value.
	Put(ctx context.Context, hash, path string) (Object, error)
	// Ping checks the backend is reachable and writable.
	Ping(ctx context.Context) error
	Backend() string
}

// Open returns the backend selected in cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Assets.Backend {
	case config.AssetBackendLocal:
		return NewLocal(cfg.Assets.Dir, logger), nil
	case config.AssetBackendS3:
		return NewS3(ctx, S3Options{
			Bucket:    cfg.Assets.S3Bucket,
			Prefix:    cfg.Assets.S3Prefix,
			Region:    cfg.Assets.S3Region,
			Endpoint:  cfg.Assets.S3Endpoint,
			PathStyle: cfg.Assets.S3PathStyle,
		}, logger)
	default:
		return nil, fmt.Errorf("blobstore: unsupported backend %q", cfg.Assets.Backend)
	}
}

// DetectContentType sniffs the media type of the file at path. Unknown
// content reports application/octet-stream.
func DetectContentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil || mtype == nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

func checkHash(hash string) error {
	if len(hash) < 4 {
		return services.Wrap(services.ErrValidation, "uploading", "check hash", fmt.Sprintf("content hash %q too short", hash), nil)
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return services.Wrap(services.ErrValidation, "uploading", "check hash", fmt.Sprintf("content hash %q is not lower-case hex", hash), nil)
		}
	}
	return nil
}
