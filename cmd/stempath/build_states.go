package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/stempath/internal/enrich"
	"github.com/antigravity-dev/stempath/internal/events"
	"github.com/antigravity-dev/stempath/internal/lms"
	"github.com/antigravity-dev/stempath/internal/pipeline"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/store"
)

var (
	buildStatesInput string
	buildStatesOut   string
)

var buildStatesCmd = &cobra.Command{
	Use:   "build-states",
	Short: "Enrich raw events and build learner states",
	Long: `Read a JSON array of raw LMS events, expand and normalize them, and
aggregate per-(learner, module) states into the store.

Prints {built, unchanged, skipped, failed, no_state} counts on stdout.
Exits 0 on clean success, 2 when isolated errors occurred, 1 on fatal errors.`,
	Run: runBuildStates,
}

func init() {
	buildStatesCmd.Flags().StringVar(&buildStatesInput, "input", "", "path to raw events JSON (required)")
	buildStatesCmd.Flags().StringVar(&buildStatesOut, "out", "", "state store path (defaults to general.state_db)")
	buildStatesCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(buildStatesCmd)
}

func runBuildStates(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	registries, err := loadRegistries(cfg)
	if err != nil {
		fatal(err)
	}

	f, err := os.Open(buildStatesInput)
	if err != nil {
		fatal(fmt.Errorf("open input: %w", err))
	}
	raws, err := events.ReadRawBatch(f)
	f.Close()
	if err != nil {
		fatal(err)
	}

	dbPath := buildStatesOut
	if dbPath == "" {
		dbPath = cfg.General.StateDB
	}
	st, err := store.Open(dbPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	var client lms.Client
	if cfg.LMS.BaseURL != "" {
		client, err = lms.NewHTTPClient(cfg.LMS.BaseURL, cfg.LMS.Token,
			lms.WithTimeout(cfg.LMS.Timeout.Duration),
			lms.WithRetries(cfg.LMS.MaxRetries, cfg.LMS.Backoff.Duration, cfg.LMS.MaxDelay.Duration),
		)
		if err != nil {
			fatal(err)
		}
	}

	builder := state.NewBuilder(registries, cfg.Thresholds(), cfg.Registry.DefaultCluster).
		WithExcludedClusters(cfg.Registry.ExcludeClusters)
	runner := pipeline.NewRunner(
		enrich.New(registries, client, slog.Default()),
		builder, st, registries,
		cfg.Pipeline.RecentWindow, cfg.Pipeline.Workers, slog.Default(),
	)

	res, err := runner.BuildStates(cmd.Context(), raws)
	if err != nil {
		fatal(err)
	}
	if err := printJSON(res); err != nil {
		fatal(err)
	}

	slog.Info("build-states complete",
		"built", res.Built, "unchanged", res.Unchanged,
		"skipped", res.Skipped, "failed", res.Failed, "no_state", res.NoState)
	if res.Partial() {
		os.Exit(exitPartial)
	}
}
