package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pharmimport/internal/services"
)

// Inventory is the result of scanning a source tree.
type Inventory struct {
	Root string
	// Files holds slash-separated paths relative to Root, sorted.
	Files []string
	// Unreadable maps directories below Root that could not be listed to the
	// error encountered.
	Unreadable map[string]error
}

// Scan walks root and collects every file accepted by match. An unreadable
// root is fatal; unreadable subdirectories are reported in the inventory and
// skipped. Hidden files and directories are ignored.
func Scan(ctx context.Context, root string, match func(name string) bool) (Inventory, error) {
	inv := Inventory{Root: root, Unreadable: make(map[string]error)}
	info, err := os.Stat(root)
	if err != nil {
		return inv, services.Wrap(services.ErrFatal, "planning", "scan source", fmt.Sprintf("source root %s is unreadable", root), err)
	}
	if !info.IsDir() {
		return inv, services.Wrap(services.ErrFatal, "planning", "scan source", fmt.Sprintf("source root %s is not a directory", root), nil)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			inv.Unreadable[relative(root, path)] = walkErr
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if path != root && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if match == nil || match(name) {
			inv.Files = append(inv.Files, relative(root, path))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return inv, err
		}
		return inv, services.Wrap(services.ErrFatal, "planning", "scan source", fmt.Sprintf("walk %s", root), err)
	}
	sort.Strings(inv.Files)
	return inv, nil
}

func relative(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
