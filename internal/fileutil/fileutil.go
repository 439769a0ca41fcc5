package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrHashMismatch reports copied bytes that do not hash to the expected value.
var ErrHashMismatch = errors.New("copy hash mismatch")

// HashFile streams path through SHA-256 and returns the lowercase hex digest
// together with the number of bytes read.
func HashFile(path string) (string, int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, in)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// WriteFileAtomic writes data to a temporary file next to path, syncs it, and
// renames it over path so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := finalize(tmp, tmpPath, path, mode); err != nil {
		cleanup()
		return err
	}
	return nil
}

// CopyFileVerified streams src into dst through a temporary file, checking the
// SHA-256 of the copied bytes against wantHash (when non-empty) before the
// final rename. dst is left untouched on mismatch.
func CopyFileVerified(src, dst, wantHash string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), in)
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return written, err
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); wantHash != "" && got != wantHash {
		_ = tmp.Close()
		cleanup()
		return written, fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, wantHash, got)
	}
	if err := finalize(tmp, tmpPath, dst, 0o644); err != nil {
		cleanup()
		return written, err
	}
	return written, nil
}

func finalize(tmp *os.File, tmpPath, path string, mode os.FileMode) error {
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// syncDir flushes the directory entry after a rename; failures are ignored
// because not every filesystem supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
