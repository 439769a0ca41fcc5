package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/preflight"
	"pharmimport/internal/records"
	"pharmimport/internal/retry"
	"pharmimport/internal/source"
	"pharmimport/internal/stage"
	"pharmimport/internal/workstate"
)

// Writer is the subset of the relational store the importer needs.
type Writer interface {
	UpsertBatch(ctx context.Context, rows []records.Record) error
	Upsert(ctx context.Context, row records.Record) error
	Ping(ctx context.Context) error
}

// Importer is the importing stage handler.
type Importer struct {
	cfg    *config.Config
	writer Writer
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time

	written    atomic.Int64
	failed     atomic.Int64
	superseded atomic.Int64
	batches    atomic.Int64
	fallbacks  atomic.Int64
}

// NewImporter constructs the importing stage handler.
func NewImporter(cfg *config.Config, writer Writer, logger *slog.Logger) *Importer {
	imp := &Importer{
		cfg:    cfg,
		writer: writer,
		policy: retry.FromConfig(cfg.Retry).WithTimeout(cfg.BatchWriteTimeout()),
		now:    time.Now,
	}
	imp.SetLogger(logger)
	return imp
}

// SetLogger implements stage.LoggerAware.
func (imp *Importer) SetLogger(logger *slog.Logger) {
	imp.logger = logging.NewComponentLogger(logger, "importer")
}

// Phase implements stage.Handler.
func (imp *Importer) Phase() workstate.Phase { return workstate.PhaseImporting }

// Prepare implements stage.Handler.
func (imp *Importer) Prepare(context.Context, *workstate.Recorder) error {
	imp.written.Store(0)
	imp.failed.Store(0)
	imp.superseded.Store(0)
	imp.batches.Store(0)
	imp.fallbacks.Store(0)
	return nil
}

// HealthCheck implements stage.Handler.
func (imp *Importer) HealthCheck(ctx context.Context) stage.Health {
	if result := preflight.CheckService(ctx, "database", imp.writer); !result.Passed {
		return stage.Unhealthy("importer", "database "+result.Detail)
	}
	return stage.Healthy("importer")
}

// Counters implements stage.CounterReporter.
func (imp *Importer) Counters() map[string]int64 {
	return map[string]int64{
		"written":          imp.written.Load(),
		"failed":           imp.failed.Load(),
		"superseded":       imp.superseded.Load(),
		"batches":          imp.batches.Load(),
		"fallback_batches": imp.fallbacks.Load(),
	}
}

// Execute implements stage.Handler.
func (imp *Importer) Execute(ctx context.Context, rec *workstate.Recorder) error {
	return imp.Import(ctx, rec)
}

type pendingRow struct {
	key string
	row records.Record
	// superseded holds the keys of rows this one won over.
	superseded []string
}

// Import builds, reduces and writes the rows for every item eligible for
// importing, recording each outcome.
func (imp *Importer) Import(ctx context.Context, rec *workstate.Recorder) error {
	logger := logging.WithContext(ctx, imp.logger)
	items := stage.Eligible(rec, workstate.PhaseImporting)
	importedAt := imp.now().UTC()

	var rows []pendingRow
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := imp.buildRow(item)
		if err != nil {
			imp.failed.Add(1)
			logger.Debug("record rejected",
				logging.String(logging.FieldItemKey, item.Key),
				logging.Error(err),
			)
			if rerr := rec.Record(workstate.ItemResult{Key: item.Key, Phase: workstate.PhaseImporting, Status: workstate.ItemFailed, Err: err}); rerr != nil {
				return rerr
			}
			continue
		}
		row.ImportedAt = importedAt
		rows = append(rows, pendingRow{key: item.Key, row: row})
	}

	winners, losers := reduce(rows)
	batches := chunk(winners, imp.cfg.Workers.BatchSize)
	logger.Info("importing records",
		logging.String(logging.FieldEventType, "importing_start"),
		logging.Int("rows", len(winners)),
		logging.Int("batches", len(batches)),
		logging.Int("superseded", losers),
		logging.Int("writers", imp.cfg.Workers.Import),
	)

	err := stage.ForEach(ctx, batches, imp.cfg.Workers.Import, func(ctx context.Context, batch []pendingRow) error {
		return imp.writeBatch(ctx, logger, rec, batch)
	})
	if err != nil {
		return err
	}

	logger.Info("importing complete",
		logging.String(logging.FieldEventType, "importing_complete"),
		logging.Int64("written", imp.written.Load()),
		logging.Int64("failed", imp.failed.Load()),
		logging.Int64("superseded", imp.superseded.Load()),
		logging.Int64("fallback_batches", imp.fallbacks.Load()),
	)
	return nil
}

// buildRow parses the record file and normalises it. The image reference is
// set only when the item's content reached the asset store.
func (imp *Importer) buildRow(item workstate.WorkItem) (records.Record, error) {
	parsed, err := source.ParseFile(item.RecordPath)
	if err != nil {
		return records.Record{}, err
	}
	row, err := records.FromSource(imp.cfg.Run.Tag, parsed, item.Key)
	if err != nil {
		return records.Record{}, err
	}
	if item.ContentHash != "" && item.Status(workstate.PhaseUploading) == workstate.ItemDone {
		hash := item.ContentHash
		row.ImageHash = &hash
	}
	return row, nil
}

// reduce keeps the latest row per natural key and attaches the keys of the
// other rows to it. Winners are returned in key order so batches are
// deterministic.
func reduce(rows []pendingRow) ([]pendingRow, int) {
	best := make(map[records.Key]pendingRow, len(rows))
	for _, candidate := range rows {
		k := candidate.row.Key()
		if current, ok := best[k]; !ok || records.Latest(candidate.row, current.row) {
			best[k] = candidate
		}
	}

	losers := 0
	for _, r := range rows {
		k := r.row.Key()
		if w := best[k]; w.key != r.key {
			w.superseded = append(w.superseded, r.key)
			best[k] = w
			losers++
		}
	}

	kept := make([]pendingRow, 0, len(best))
	for _, w := range best {
		kept = append(kept, w)
	}
	sort.Slice(kept, func(a, b int) bool { return kept[a].row.Key().String() < kept[b].row.Key().String() })
	return kept, losers
}

// settle records the outcome of p and of the rows it superseded. Superseded
// rows share a failed write so a retry reconsiders all of them.
func (imp *Importer) settle(rec *workstate.Recorder, p pendingRow, writeErr error) error {
	res := workstate.ItemResult{Key: p.key, Phase: workstate.PhaseImporting, Status: workstate.ItemDone}
	if writeErr != nil {
		imp.failed.Add(1)
		res.Status = workstate.ItemFailed
		res.Err = writeErr
	} else {
		imp.written.Add(1)
	}
	if err := rec.Record(res); err != nil {
		return err
	}

	for _, key := range p.superseded {
		res := workstate.ItemResult{Key: key, Phase: workstate.PhaseImporting, Status: workstate.ItemSkipped, SupersededBy: p.key}
		if writeErr != nil {
			imp.failed.Add(1)
			res.Status = workstate.ItemFailed
			res.SupersededBy = ""
			res.Err = fmt.Errorf("superseding record %s not written: %w", p.key, writeErr)
		} else {
			imp.superseded.Add(1)
		}
		if err := rec.Record(res); err != nil {
			return err
		}
	}
	return nil
}

func chunk(rows []pendingRow, size int) [][]pendingRow {
	if size <= 0 {
		size = 1
	}
	var out [][]pendingRow
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}

// writeBatch writes batch in one transaction, falling back to one row at a
// time when the batch as a whole fails.
func (imp *Importer) writeBatch(ctx context.Context, logger *slog.Logger, rec *workstate.Recorder, batch []pendingRow) error {
	imp.batches.Add(1)
	rows := make([]records.Record, len(batch))
	for i, p := range batch {
		rows[i] = p.row
	}

	_, err := imp.policy.WithNotify(imp.notify(logger, "batch")).Do(ctx, func(ctx context.Context) error {
		return imp.writer.UpsertBatch(ctx, rows)
	})
	if err == nil {
		for _, p := range batch {
			if rerr := imp.settle(rec, p, nil); rerr != nil {
				return rerr
			}
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	imp.fallbacks.Add(1)
	logging.WarnWithContext(logger, "batch write failed; writing rows individually", "batch_fallback",
		logging.Int("rows", len(batch)),
		logging.String("first_key", batch[0].key),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "failing rows are listed in the run report"),
		logging.String(logging.FieldImpact, "only rows that fail on their own are marked failed"),
	)
	for _, p := range batch {
		_, rowErr := imp.policy.WithNotify(imp.notify(logger, p.key)).Do(ctx, func(ctx context.Context) error {
			return imp.writer.Upsert(ctx, p.row)
		})
		if rowErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if rowErr != nil {
			rowErr = fmt.Errorf("write row %s: %w", p.row.Key(), rowErr)
		}
		if rerr := imp.settle(rec, p, rowErr); rerr != nil {
			return rerr
		}
	}
	return nil
}

func (imp *Importer) notify(logger *slog.Logger, target string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		logger.Warn("database write retry",
			logging.String(logging.FieldEventType, "write_retry"),
			logging.String("target", target),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Error(err),
		)
	}
}
