package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pharmimport/internal/verifier"
	"pharmimport/internal/workflow"
	"pharmimport/internal/workstate"
)

const maxFailureRows = 25

func renderRunReport(w io.Writer, report workflow.Report) {
	fmt.Fprintf(w, "Run %s (tag %s)\n", report.RunID, report.Tag)
	fmt.Fprintf(w, "  Resumed: %s   Reset: %s   Duration: %s\n",
		yesNo(report.Resumed), count(report.Reset), report.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Files: %s   Images: %s   Distinct images: %s\n\n",
		count(report.Totals.Files), count(report.Totals.Images), count(report.Totals.DistinctImages))

	rows := make([][]string, 0, len(report.Phases))
	for _, p := range report.Phases {
		status := string(p.Status)
		if p.Resumed {
			status += " (earlier run)"
		}
		if p.AllFailed {
			status += " ALL FAILED"
		}
		rows = append(rows, []string{
			string(p.Phase),
			status,
			count(p.Succeeded),
			count(p.Failed),
			count(p.Skipped),
			count(p.Processed),
			p.Duration.Round(time.Millisecond).String(),
			formatCounters(p.Counters),
		})
	}
	fmt.Fprintln(w, renderTable("Phases",
		[]string{"Phase", "Status", "Done", "Failed", "Skipped", "This run", "Duration", "Details"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))

	renderWarnings(w, report.Warnings)
	renderFailures(w, report.Failures)
	if report.Verification != nil {
		renderVerification(w, *report.Verification)
	}
}

func formatCounters(counters map[string]int64) string {
	if len(counters) == 0 {
		return ""
	}
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		value := counters[name]
		if value == 0 {
			continue
		}
		if strings.HasPrefix(name, "bytes_") {
			parts = append(parts, fmt.Sprintf("%s=%s", name, humanize.IBytes(uint64(value))))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", name, count64(value)))
	}
	return strings.Join(parts, " ")
}

func renderWarnings(w io.Writer, warnings []workstate.Warning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "\nWarnings (%d):\n", len(warnings))
	for _, warn := range warnings {
		fmt.Fprintf(w, "  [%s] %s\n", warn.Kind, warn.Message)
	}
}

func renderFailures(w io.Writer, failures []workstate.FailedItem) {
	if len(failures) == 0 {
		return
	}
	shown := failures
	if len(shown) > maxFailureRows {
		shown = shown[:maxFailureRows]
	}
	rows := make([][]string, 0, len(shown))
	for _, f := range shown {
		rows = append(rows, []string{f.Key, string(f.Phase), string(f.Kind), count(f.Retries), truncate(f.Message, 80)})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderTable(fmt.Sprintf("Failures (%s)", count(len(failures))),
		[]string{"Item", "Phase", "Kind", "Retries", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	if hidden := len(failures) - len(shown); hidden > 0 {
		fmt.Fprintf(w, "  ... and %s more (use --json for the full list)\n", count(hidden))
	}
	fmt.Fprintln(w, "Rerun with --retry-failed after fixing the causes above.")
}

func renderVerification(w io.Writer, report verifier.Report) {
	fmt.Fprintf(w, "\nVerification: checked %s of %s imported rows, %s passed, %s failed\n",
		count(report.Checked), count(report.Candidates), count(report.Passed), count(report.Failed))
	failures := report.Failures()
	if len(failures) == 0 {
		return
	}
	rows := make([][]string, 0, len(failures))
	for _, item := range failures {
		rows = append(rows, []string{item.Key, strings.Join(item.Mismatches, ", "), truncate(item.Detail, 60)})
	}
	fmt.Fprintln(w, renderTable("", []string{"Item", "Mismatched fields", "Detail"}, rows, nil))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
