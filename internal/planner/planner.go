package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/preflight"
	"pharmimport/internal/records"
	"pharmimport/internal/services"
	"pharmimport/internal/source"
	"pharmimport/internal/stage"
	"pharmimport/internal/textutil"
	"pharmimport/internal/workstate"
)

// Warning kinds produced by planning.
const (
	WarningDuplicateKey  = "duplicate_key"
	WarningUnreadableDir = "unreadable_directory"
	WarningInvalidRecord = "invalid_record"
)

// Planner builds the work item inventory for a source tree.
type Planner struct {
	cfg    *config.Config
	logger *slog.Logger

	added     int
	replanned int
}

// NewPlanner constructs the planning stage handler.
func NewPlanner(cfg *config.Config, logger *slog.Logger) *Planner {
	p := &Planner{cfg: cfg}
	p.SetLogger(logger)
	return p
}

// SetLogger implements stage.LoggerAware.
func (p *Planner) SetLogger(logger *slog.Logger) {
	p.logger = logging.NewComponentLogger(logger, "planner")
}

// Phase implements stage.Handler.
func (p *Planner) Phase() workstate.Phase { return workstate.PhasePlanning }

// Prepare implements stage.Handler.
func (p *Planner) Prepare(context.Context, *workstate.Recorder) error {
	p.added, p.replanned = 0, 0
	return nil
}

// HealthCheck implements stage.Handler.
func (p *Planner) HealthCheck(context.Context) stage.Health {
	result := preflight.CheckReadableDirectory("source root", p.cfg.Source.Root)
	if !result.Passed {
		return stage.Unhealthy("planner", result.Detail)
	}
	return stage.Healthy("planner")
}

// Counters implements stage.CounterReporter.
func (p *Planner) Counters() map[string]int64 {
	return map[string]int64{"added": int64(p.added), "replanned": int64(p.replanned)}
}

// Execute plans the configured source root and merges the result into the
// state. Items already planned successfully keep their progress.
func (p *Planner) Execute(ctx context.Context, rec *workstate.Recorder) error {
	logger := logging.WithContext(ctx, p.logger)
	root := p.cfg.Source.Root

	items, warnings, err := p.Plan(ctx, root)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, services.ErrFatal) {
			return err
		}
		return stage.Fatal(workstate.PhasePlanning, "plan", root, err)
	}

	rec.With(func(st *workstate.State) {
		p.added, p.replanned = st.MergePlan(items)
		st.Warnings = warnings
	})

	failed := 0
	for _, item := range items {
		if item.Status(workstate.PhasePlanning) == workstate.ItemFailed {
			failed++
		}
	}
	for _, w := range warnings {
		logging.WarnWithContext(logger, "planning warning", "planning_warning",
			logging.String("warning_kind", w.Kind),
			logging.String("detail", w.Message),
			logging.Int("keys", len(w.Keys)),
			logging.String(logging.FieldErrorHint, warningHint(w.Kind)),
			logging.String(logging.FieldImpact, "items are still imported"),
		)
	}
	logger.Info("planning complete",
		logging.String(logging.FieldEventType, "planning_complete"),
		logging.Int("files", len(items)),
		logging.Int("added", p.added),
		logging.Int("replanned", p.replanned),
		logging.Int("failed", failed),
		logging.Int("warnings", len(warnings)),
	)
	return nil
}

func warningHint(kind string) string {
	switch kind {
	case WarningDuplicateKey:
		return "both files are imported; rows sharing a natural key keep the latest search"
	case WarningUnreadableDir:
		return "check directory permissions under the source root"
	default:
		return "inspect the listed record files"
	}
}

// Plan walks root and returns one work item per record file, in key order,
// plus non-fatal warnings. Only an unreadable root is an error.
func (p *Planner) Plan(ctx context.Context, root string) ([]workstate.WorkItem, []workstate.Warning, error) {
	inv, err := source.Scan(ctx, root, p.cfg.IsRecordFile)
	if err != nil {
		return nil, nil, err
	}

	items := make([]workstate.WorkItem, 0, len(inv.Files))
	logical := make(map[string][]string)
	var invalid []string
	for _, rel := range inv.Files {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		item, row, err := p.planFile(root, rel)
		if err != nil {
			p.logger.Debug("record planning failed",
				logging.String(logging.FieldItemKey, rel),
				logging.Error(err),
			)
		}
		if row != nil {
			item.LogicalKey = logicalKey(*row)
			logical[item.LogicalKey] = append(logical[item.LogicalKey], rel)
		} else if item.Status(workstate.PhasePlanning) == workstate.ItemDone {
			invalid = append(invalid, rel)
		}
		items = append(items, item)
	}

	return items, collectWarnings(logical, invalid, inv.Unreadable), nil
}

// planFile builds the work item for one record file. The returned row is nil
// when the record does not yet validate; that is settled by the importer.
func (p *Planner) planFile(root, rel string) (workstate.WorkItem, *records.Record, error) {
	recordPath := filepath.Join(root, filepath.FromSlash(rel))
	item := workstate.NewWorkItem(rel, recordPath)

	parsed, err := source.ParseFile(recordPath)
	if err != nil {
		fail(&item, err)
		return item, nil, err
	}

	ref := parsed.Metadata.SourceImageFile.String()
	imagePath, err := source.ResolveImage(root, recordPath, ref)
	if err != nil {
		fail(&item, err)
		return item, nil, err
	}
	item.ImagePath = imagePath
	item.Phases[workstate.PhasePlanning] = workstate.ItemDone
	if imagePath == "" {
		item.Phases[workstate.PhaseHashing] = workstate.ItemSkipped
		item.Phases[workstate.PhaseUploading] = workstate.ItemSkipped
	}

	row, err := records.FromSource(p.cfg.Run.Tag, parsed, rel)
	if err != nil {
		return item, nil, nil
	}
	return item, &row, nil
}

func fail(item *workstate.WorkItem, err error) {
	item.Phases[workstate.PhasePlanning] = workstate.ItemFailed
	item.LastError = &workstate.ItemError{
		Kind:    workstate.ErrorKindOf(err),
		Message: err.Error(),
		Phase:   workstate.PhasePlanning,
	}
}

// logicalKey identifies one search: pharmacy, jurisdiction and timestamp.
// Licence numbers are ignored so files for the same search still collide.
func logicalKey(row records.Record) string {
	return row.Jurisdiction + "/" + textutil.FoldKey(row.SearchName) + "@" + records.FormatTimestamp(row.SearchTimestamp)
}

func collectWarnings(logical map[string][]string, invalid []string, unreadable map[string]error) []workstate.Warning {
	var warnings []workstate.Warning

	keys := make([]string, 0, len(logical))
	for key, files := range logical {
		if len(files) > 1 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		files := logical[key]
		warnings = append(warnings, workstate.Warning{
			Kind:    WarningDuplicateKey,
			Message: fmt.Sprintf("%s appears in %d files: %s", key, len(files), strings.Join(files, ", ")),
			Keys:    files,
		})
	}

	if len(invalid) > 0 {
		warnings = append(warnings, workstate.Warning{
			Kind:    WarningInvalidRecord,
			Message: fmt.Sprintf("%d record(s) are missing required fields and will fail import", len(invalid)),
			Keys:    invalid,
		})
	}

	dirs := make([]string, 0, len(unreadable))
	for dir := range unreadable {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		warnings = append(warnings, workstate.Warning{
			Kind:    WarningUnreadableDir,
			Message: fmt.Sprintf("%s skipped: %v", dir, unreadable[dir]),
			Keys:    []string{dir},
		})
	}
	return warnings
}
