package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"pharmimport/internal/config"
	"pharmimport/internal/fileutil"
	"pharmimport/internal/logging"
	"pharmimport/internal/services"
)

// Local stores blobs on the filesystem.
type Local struct {
	dir    string
	logger *slog.Logger
}

// NewLocal returns a store rooted at dir.
func NewLocal(dir string, logger *slog.Logger) *Local {
	return &Local{dir: dir, logger: logging.NewComponentLogger(logger, "blobstore")}
}

// Dir returns the root directory.
func (l *Local) Dir() string { return l.dir }

// Backend implements Store.
func (l *Local) Backend() string { return config.AssetBackendLocal }

// PathFor returns where content with hash is stored.
func (l *Local) PathFor(hash string) string {
	return filepath.Join(l.dir, hash[0:2], hash[2:4], hash)
}

// Stat implements Store.
func (l *Local) Stat(ctx context.Context, hash string) (Object, bool, error) {
	if err := checkHash(hash); err != nil {
		return Object{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, false, err
	}
	path := l.PathFor(hash)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, false, nil
	}
	if err != nil {
		return Object{}, false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return Object{Hash: hash, Location: path, Size: info.Size(), ContentType: DetectContentType(path)}, true, nil
}

// Put implements Store.
func (l *Local) Put(ctx context.Context, hash, path string) (Object, error) {
	if err := checkHash(hash); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	dst := l.PathFor(hash)
	size, err := fileutil.CopyFileVerified(path, dst, hash)
	if err != nil {
		if errors.Is(err, fileutil.ErrHashMismatch) {
			return Object{}, services.Wrap(services.ErrValidation, "uploading", "store blob",
				"source changed since hashing; retry the hashing phase", err)
		}
		return Object{}, fmt.Errorf("store blob %s: %w", hash, err)
	}
	l.logger.Debug("blob stored",
		logging.String(logging.FieldContentHash, hash),
		logging.String("location", dst),
		logging.Int64("size", size),
	)
	return Object{Hash: hash, Location: dst, Size: size, ContentType: DetectContentType(dst)}, nil
}

// Ping implements Store.
func (l *Local) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return services.Wrap(services.ErrFatal, "uploading", "check asset dir", l.dir, err)
	}
	probe, err := os.CreateTemp(l.dir, ".probe-*")
	if err != nil {
		return services.Wrap(services.ErrFatal, "uploading", "check asset dir", fmt.Sprintf("%s is not writable", l.dir), err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
