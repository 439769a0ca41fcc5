package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pharmimport/internal/logging"
	"pharmimport/internal/services"
	"pharmimport/internal/store"
	"pharmimport/internal/verifier"
	"pharmimport/internal/workstate"
)

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	var tag string
	var sample int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare stored rows against their source records",
		Long: `Verify re-reads the source record of every imported item (or an evenly
spread sample) and compares it with the stored row and image asset. The
persisted run state is read but never modified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("tag") {
				cfg.Run.Tag = tag
			}
			if cmd.Flags().Changed("sample") {
				cfg.Verify.Sample = sample
			}
			if err := cfg.ValidateTag(); err != nil {
				return err
			}

			logger, closeLog, err := ctx.runLogger("verify", cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			st, err := workstate.NewStore(cfg.Paths.StateDir, logger).Load(cfg.Run.Tag)
			if err != nil {
				if errors.Is(err, services.ErrNotFound) {
					return fmt.Errorf("no run state for tag %q in %s", cfg.Run.Tag, cfg.Paths.StateDir)
				}
				return err
			}
			if st.SourceRoot != "" {
				cfg.Source.Root = st.SourceRoot
			}

			runCtx := services.WithRunTag(cmd.Context(), cfg.Run.Tag)
			db, err := store.Open(runCtx, cfg, logger)
			if err != nil {
				return fmt.Errorf("open %s store: %w", cfg.Run.Backend, err)
			}
			defer func() {
				if err := db.Close(); err != nil {
					logger.Warn("close store", logging.Error(err))
				}
			}()

			report, err := verifier.NewVerifier(cfg, db, logger).Verify(services.WithPhase(runCtx, "verification"), st)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				renderVerification(cmd.OutOrStdout(), report)
			}
			if report.Failed > 0 {
				return withExitCode(exitVerifyFail, "verification failed for %d of %d rows", report.Failed, report.Checked)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Dataset tag to verify")
	cmd.Flags().IntVar(&sample, "sample", 0, "Number of rows to check (0 = all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the verification report as JSON")
	return cmd
}
