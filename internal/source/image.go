package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"pharmimport/internal/services"
)

// ResolveImage returns the absolute path of the image a record references.
// Absolute references are used as-is. Relative references resolve against
// the source root first and then against the record's own directory. An
// empty reference returns "" with no error.
func ResolveImage(root, recordPath, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	ref = filepath.FromSlash(ref)

	var candidates []string
	if filepath.IsAbs(ref) {
		candidates = []string{filepath.Clean(ref)}
	} else {
		candidates = []string{filepath.Join(root, ref)}
		if dir := filepath.Dir(recordPath); dir != filepath.Clean(root) {
			candidates = append(candidates, filepath.Join(dir, ref))
		}
	}

	var lastErr error
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if !info.Mode().IsRegular() {
			lastErr = fmt.Errorf("%s is not a regular file", candidate)
			continue
		}
		f, err := os.Open(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		_ = f.Close()
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return "", services.Wrap(services.ErrNotFound, "planning", "resolve image", candidate, err)
		}
		return abs, nil
	}
	msg := fmt.Sprintf("referenced image %q not found (tried %s)", ref, strings.Join(candidates, ", "))
	if lastErr != nil && !errors.Is(lastErr, fs.ErrNotExist) {
		msg = fmt.Sprintf("referenced image %q unreadable", ref)
	}
	return "", services.Wrap(services.ErrNotFound, "planning", "resolve image", msg, lastErr)
}
