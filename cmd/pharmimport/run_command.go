package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pharmimport/internal/blobstore"
	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/store"
	"pharmimport/internal/workflow"
	"pharmimport/internal/workstate"
)

type runOptions struct {
	source        string
	tag           string
	backend       string
	batchSize     int
	hashWorkers   int
	uploadWorkers int
	importWorkers int
	verify        bool
	verifySample  int
	retryFailed   bool
	replan        bool
	jsonOutput    bool
	noProgress    bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan, hash, upload, and import a source tree",
		Long: `Run imports every record file under the source root into the relational
store and uploads referenced images to the asset store.

Progress is persisted per --tag. Rerunning with the same tag skips completed
phases and items; --retry-failed re-opens failed items and --replan picks up
new files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			return runImport(cmd, ctx, cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.source, "source", "", "Source root holding the record files")
	flags.StringVar(&opts.tag, "tag", "", "Dataset tag naming the persisted run state")
	flags.StringVar(&opts.backend, "backend", "", "Relational backend (sqlite or postgres)")
	flags.IntVar(&opts.batchSize, "batch-size", 0, "Rows per database transaction")
	flags.IntVar(&opts.hashWorkers, "hash-workers", 0, "Concurrent image hash workers")
	flags.IntVar(&opts.uploadWorkers, "upload-workers", 0, "Concurrent image upload workers")
	flags.IntVar(&opts.importWorkers, "import-workers", 0, "Concurrent database batch writers")
	flags.BoolVar(&opts.verify, "verify", false, "Verify stored rows against the source after importing")
	flags.IntVar(&opts.verifySample, "verify-sample", 0, "Number of rows to verify (0 = all)")
	flags.BoolVar(&opts.retryFailed, "retry-failed", false, "Reset failed items and retry them")
	flags.BoolVar(&opts.replan, "replan", false, "Re-scan the source root for new or repaired files")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print the run report as JSON")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "Disable progress bars")
	return cmd
}

// apply overrides cfg with the flags the user set and re-validates it.
func (o runOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Source.Root = o.source
	}
	if flags.Changed("tag") {
		cfg.Run.Tag = o.tag
	}
	if flags.Changed("backend") {
		cfg.Run.Backend = o.backend
	}
	if flags.Changed("batch-size") {
		cfg.Workers.BatchSize = o.batchSize
	}
	if flags.Changed("hash-workers") {
		cfg.Workers.Hash = o.hashWorkers
	}
	if flags.Changed("upload-workers") {
		cfg.Workers.Upload = o.uploadWorkers
	}
	if flags.Changed("import-workers") {
		cfg.Workers.Import = o.importWorkers
	}
	if flags.Changed("verify") {
		cfg.Verify.Enabled = o.verify
	}
	if flags.Changed("verify-sample") {
		cfg.Verify.Sample = o.verifySample
		cfg.Verify.Enabled = true
	}
	if flags.Changed("retry-failed") {
		cfg.Run.RetryFailed = o.retryFailed
	}
	cfg.Run.Replan = o.replan

	if err := cfg.Normalize(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateRun(); err != nil {
		return err
	}
	return cfg.EnsureDirectories()
}

func runImport(cmd *cobra.Command, ctx *commandContext, cfg *config.Config, opts runOptions) error {
	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := ctx.runLogger("run", cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	db, err := store.Open(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Run.Backend, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close store", logging.Error(err))
		}
	}()
	blobs, err := blobstore.Open(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s asset store: %w", cfg.Assets.Backend, err)
	}

	var managerOpts []workflow.ManagerOption
	if !opts.noProgress && !opts.jsonOutput && isTerminal(cmd.ErrOrStderr()) {
		managerOpts = append(managerOpts, workflow.WithProgress(newBarProgress(cmd.ErrOrStderr())))
	}
	states := workstate.NewStore(cfg.Paths.StateDir, logger)
	mgr := workflow.NewManager(cfg, states, db, blobs, logger, managerOpts...)

	report, runErr := mgr.Run(runCtx)
	if report.RunID != "" {
		if opts.jsonOutput {
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
		} else {
			renderRunReport(cmd.OutOrStdout(), report)
		}
	}
	if runErr != nil {
		if runCtx.Err() != nil && cmd.Context().Err() == nil {
			return fmt.Errorf("interrupted; rerun with --tag %s to resume", cfg.Run.Tag)
		}
		return runErr
	}
	if !report.Success() {
		phases := make([]string, 0, len(report.AllFailedPhases()))
		for _, phase := range report.AllFailedPhases() {
			phases = append(phases, string(phase))
		}
		return withExitCode(exitAllFailed, "every item failed in phase(s): %s", strings.Join(phases, ", "))
	}
	return nil
}
