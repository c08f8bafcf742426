package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/antigravity-dev/stempath/internal/sim"
	"github.com/antigravity-dev/stempath/internal/store"
)

var (
	simulateEpisodes int
	simulateOut      string
	simulateStore    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Generate synthetic trajectories for offline evaluation",
	Long: `Run the learner simulator without training and write the trajectories
with the per-cluster aggregate report, for validating cluster calibration.`,
	Run: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simulateEpisodes, "episodes", 0, "episode count (defaults to simulator.episodes)")
	simulateCmd.Flags().StringVar(&simulateOut, "out", "trajectories.json", "output path")
	simulateCmd.Flags().StringVar(&simulateStore, "store", "", "also append trajectories to this state store")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	registries, err := loadRegistries(cfg)
	if err != nil {
		fatal(err)
	}

	simulator, err := sim.New(registries.Snapshot().CPR, sim.Config{
		Modules:     cfg.Simulator.Modules,
		MaxSteps:    cfg.Simulator.MaxSteps,
		NoProgressK: cfg.Simulator.NoProgressK,
		Thresholds:  cfg.Thresholds(),
		Rewards:     cfg.Reward,
	}, cfg.Simulator.Seed)
	if err != nil {
		fatal(err)
	}

	episodes := simulateEpisodes
	if episodes <= 0 {
		episodes = cfg.Simulator.Episodes
	}

	trajectories, report, err := simulator.Run(cmd.Context(), episodes, nil, nil)
	if err != nil {
		fatal(err)
	}

	if simulateStore != "" {
		st, err := store.Open(simulateStore)
		if err != nil {
			fatal(err)
		}
		runID := uuid.NewString()
		for _, tr := range trajectories {
			rows := make([]store.TrajectoryRow, len(tr.Steps))
			for i, step := range tr.Steps {
				rows[i] = store.TrajectoryRow{
					RunID:        runID,
					Episode:      tr.Episode,
					Step:         i,
					StateKey:     step.State.Key(),
					Action:       string(step.Action),
					Reward:       step.Reward,
					NextStateKey: step.NextState.Key(),
					Terminal:     step.Terminal,
				}
			}
			if err := st.AppendTrajectory(rows); err != nil {
				st.Close()
				fatal(err)
			}
		}
		st.Close()
		slog.Info("trajectories persisted", "run_id", runID, "store", simulateStore)
	}

	payload := map[string]any{"report": report, "trajectories": trajectories}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fatal(err)
	}
	if err := os.WriteFile(simulateOut, raw, 0o644); err != nil {
		fatal(fmt.Errorf("write trajectories: %w", err))
	}

	slog.Info("simulation complete", "episodes", episodes, "out", simulateOut)
	if err := printJSON(report); err != nil {
		fatal(err)
	}
}
