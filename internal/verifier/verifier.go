package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/records"
	"pharmimport/internal/services"
	"pharmimport/internal/source"
	"pharmimport/internal/stage"
	"pharmimport/internal/store"
	"pharmimport/internal/workstate"
)

// Reader is the subset of the relational store the verifier needs.
type Reader interface {
	GetRecord(ctx context.Context, key records.Key) (records.Record, error)
	Asset(ctx context.Context, hash string) (store.Asset, error)
}

// ItemReport is the verification outcome for one work item.
type ItemReport struct {
	Key        string   `json:"key"`
	Passed     bool     `json:"passed"`
	Mismatches []string `json:"mismatches,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

// Report summarises a verification pass.
type Report struct {
	Candidates int          `json:"candidates"`
	Checked    int          `json:"checked"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	Items      []ItemReport `json:"items"`
}

// Failures returns the failing item reports.
func (r Report) Failures() []ItemReport {
	var out []ItemReport
	for _, item := range r.Items {
		if !item.Passed {
			out = append(out, item)
		}
	}
	return out
}

// Verifier compares stored rows against their source records.
type Verifier struct {
	cfg    *config.Config
	reader Reader
	logger *slog.Logger
}

// NewVerifier constructs a verifier reading from reader.
func NewVerifier(cfg *config.Config, reader Reader, logger *slog.Logger) *Verifier {
	return &Verifier{cfg: cfg, reader: reader, logger: logging.NewComponentLogger(logger, "verifier")}
}

// Verify checks the items imported in st. With a positive sample size only
// that many items, spread evenly across the key order, are checked.
func (v *Verifier) Verify(ctx context.Context, st *workstate.State) (Report, error) {
	logger := logging.WithContext(ctx, v.logger)
	var candidates []workstate.WorkItem
	for _, item := range st.Snapshot() {
		if item.Status(workstate.PhaseImporting) == workstate.ItemDone {
			candidates = append(candidates, item)
		}
	}
	selected := Sample(candidates, v.cfg.Verify.Sample)

	results := make([]ItemReport, len(selected))
	indexes := make([]int, len(selected))
	for i := range indexes {
		indexes[i] = i
	}
	err := stage.ForEach(ctx, indexes, v.cfg.Workers.Import, func(ctx context.Context, i int) error {
		results[i] = v.check(ctx, st.Tag, selected[i])
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(candidates), Checked: len(results), Items: results}
	for _, r := range results {
		if r.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	logger.Info("verification complete",
		logging.String(logging.FieldEventType, "verification_complete"),
		logging.Int("candidates", report.Candidates),
		logging.Int("checked", report.Checked),
		logging.Int("failed", report.Failed),
	)
	return report, nil
}

// Sample picks n items evenly spaced across items. n <= 0 or n >= len(items)
// returns items unchanged.
func Sample(items []workstate.WorkItem, n int) []workstate.WorkItem {
	if n <= 0 || n >= len(items) {
		return items
	}
	out := make([]workstate.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, items[i*len(items)/n])
	}
	return out
}

func (v *Verifier) check(ctx context.Context, dataset string, item workstate.WorkItem) ItemReport {
	report := ItemReport{Key: item.Key}
	parsed, err := source.ParseFile(item.RecordPath)
	if err != nil {
		report.Detail = fmt.Sprintf("read source: %v", err)
		return report
	}
	want, err := records.FromSource(dataset, parsed, item.Key)
	if err != nil {
		report.Detail = fmt.Sprintf("source no longer validates: %v", err)
		return report
	}

	got, err := v.reader.GetRecord(ctx, want.Key())
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			report.Detail = "record missing from store"
		} else {
			report.Detail = fmt.Sprintf("read store: %v", err)
		}
		return report
	}
	if got.SourceFile != want.SourceFile && records.Latest(got, want) {
		report.Passed = true
		report.Detail = "superseded by " + got.SourceFile
		return report
	}

	report.Mismatches = records.Diff(want, got)
	if item.ContentHash != "" && item.Status(workstate.PhaseUploading) == workstate.ItemDone {
		switch {
		case got.ImageHash == nil || *got.ImageHash != item.ContentHash:
			report.Mismatches = append(report.Mismatches, "image_hash")
		default:
			if _, err := v.reader.Asset(ctx, item.ContentHash); err != nil {
				report.Mismatches = append(report.Mismatches, "image_asset")
			}
		}
	}
	if len(report.Mismatches) > 0 {
		report.Detail = "mismatched: " + strings.Join(report.Mismatches, ", ")
		return report
	}
	report.Passed = true
	return report
}
