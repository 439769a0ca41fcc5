package preflight

import (
	"context"
	"errors"
	"fmt"

	"pharmimport/internal/config"
)

// MinFreeBytes is the headroom required on the state directory's filesystem.
const MinFreeBytes = 64 << 20

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the filesystem checks that apply to the given config.
// Backend reachability is checked by each phase's health check instead.
func RunAll(_ context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckReadableDirectory("Source root", cfg.Source.Root))
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	results = append(results, CheckFreeSpace("State free space", cfg.Paths.StateDir, MinFreeBytes))

	if cfg.Paths.LogDir != "" && cfg.Paths.LogDir != cfg.Paths.StateDir {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}

	if cfg.Assets.Backend == config.AssetBackendLocal {
		results = append(results, CheckDirectoryAccess("Asset directory", cfg.Assets.Dir))
	}

	return results
}

// Failed joins the failing results into one error, or returns nil.
func Failed(results []Result) error {
	var errs []error
	for _, r := range results {
		if !r.Passed {
			errs = append(errs, fmt.Errorf("%s: %s", r.Name, r.Detail))
		}
	}
	return errors.Join(errs...)
}
