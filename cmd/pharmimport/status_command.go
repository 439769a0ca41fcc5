package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/workstate"
)

type statusView struct {
	Tag       string                                     `json:"tag"`
	Backend   string                                     `json:"backend"`
	Assets    string                                     `json:"asset_backend"`
	Source    string                                     `json:"source_root"`
	UpdatedAt time.Time                                  `json:"updated_at"`
	Totals    workstate.Totals                           `json:"totals"`
	Phases    map[workstate.Phase]workstate.PhaseSummary `json:"phases"`
	Failures  []workstate.FailedItem                     `json:"failures,omitempty"`
	Warnings  []workstate.Warning                        `json:"warnings,omitempty"`
	Attempts  []workstate.Attempt                        `json:"attempts,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var tag string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted progress for a run tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("tag") {
				cfg.Run.Tag = tag
			}
			if err := cfg.ValidateTag(); err != nil {
				return err
			}

			st, err := workstate.NewStore(cfg.Paths.StateDir, logging.NewNop()).Load(cfg.Run.Tag)
			if err != nil {
				if errors.Is(err, services.ErrNotFound) {
					return fmt.Errorf("no run state for tag %q in %s", cfg.Run.Tag, cfg.Paths.StateDir)
				}
				return err
			}
			view := newStatusView(st)
			if jsonOutput {
				return writeJSON(cmd, view)
			}
			renderStatus(cmd.OutOrStdout(), view)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Dataset tag to inspect")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print status as JSON")
	return cmd
}

func newStatusView(st *workstate.State) statusView {
	view := statusView{
		Tag:       st.Tag,
		Backend:   st.Backend,
		Assets:    st.AssetBackend,
		Source:    st.SourceRoot,
		UpdatedAt: st.UpdatedAt,
		Totals:    st.Totals,
		Phases:    make(map[workstate.Phase]workstate.PhaseSummary, len(workstate.Phases)),
		Failures:  st.Failures(),
		Warnings:  st.Warnings,
		Attempts:  st.Attempts,
	}
	for _, phase := range workstate.Phases {
		view.Phases[phase] = st.Summary(phase)
	}
	return view
}

func renderStatus(w io.Writer, view statusView) {
	fmt.Fprintf(w, "Tag %s (%s, %s assets)\n", view.Tag, view.Backend, view.Assets)
	fmt.Fprintf(w, "  Source: %s\n", view.Source)
	fmt.Fprintf(w, "  Updated: %s\n", humanize.Time(view.UpdatedAt))
	fmt.Fprintf(w, "  Files: %s   Images: %s   Distinct images: %s\n",
		count(view.Totals.Files), count(view.Totals.Images), count(view.Totals.DistinctImages))
	if n := len(view.Attempts); n > 0 {
		last := view.Attempts[n-1]
		outcome := last.Outcome
		if outcome == "" {
			outcome = "in progress or crashed"
		}
		fmt.Fprintf(w, "  Runs: %d (last %s, %s)\n", n, humanize.Time(last.StartedAt), outcome)
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(workstate.Phases))
	for _, phase := range workstate.Phases {
		sum := view.Phases[phase]
		finished := ""
		if sum.FinishedAt != nil {
			finished = humanize.Time(*sum.FinishedAt)
		}
		rows = append(rows, []string{
			string(phase), string(sum.Status), count(sum.Succeeded), count(sum.Failed), count(sum.Skipped), finished,
		})
	}
	fmt.Fprintln(w, renderTable("Phases",
		[]string{"Phase", "Status", "Done", "Failed", "Skipped", "Finished"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
	renderWarnings(w, view.Warnings)
	renderFailures(w, view.Failures)
}
