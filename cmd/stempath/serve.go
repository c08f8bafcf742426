package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/stempath/internal/api"
	"github.com/antigravity-dev/stempath/internal/explain"
	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/recommend"
	"github.com/antigravity-dev/stempath/internal/store"
)

var servePolicy string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve recommendations over HTTP",
	Long: `Expose the read-only serving surface: current-state recommendations,
policy metadata, health, and Prometheus metrics.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePolicy, "policy", "policy.json", "policy artifact path")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	registries, err := loadRegistries(cfg)
	if err != nil {
		fatal(err)
	}

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	var snap *qlearn.Snapshot
	if artifact, err := qlearn.LoadArtifact(servePolicy); err == nil {
		snap, err = artifact.Snapshot()
		if err != nil {
			fatal(err)
		}
		slog.Info("policy loaded", "version", snap.Version())
	} else {
		slog.Warn("serving without a policy artifact", "path", servePolicy, "error", err)
	}

	recommender := recommend.New(snap, registries, recommend.Config{
		TopK:            cfg.Recommender.TopK,
		FallbackPenalty: cfg.Recommender.FallbackPenalty,
		LOThreshold:     cfg.Recommender.LOThreshold,
	})

	var explainer *explain.Explainer
	if snap != nil {
		observed, err := st.ObservedStates(cfg.Explainer.BackgroundSize)
		if err != nil {
			fatal(err)
		}
		if len(observed) == 0 {
			observed = snap.States()
		}
		if len(observed) > 0 {
			explainer, err = explain.New(snap, observed, explain.Config{
				BackgroundSize: cfg.Explainer.BackgroundSize,
				SampleBudget:   cfg.Explainer.SampleBudget,
				Seed:           cfg.Explainer.Seed,
			})
			if err != nil {
				fatal(err)
			}
		}
	}

	server := api.New(st, recommender, snap, explainer, slog.Default())

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		slog.Info("shutting down")
		if err := server.Shutdown(); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	if err := server.Listen(cfg.Serve.Bind); err != nil {
		fatal(err)
	}
}
