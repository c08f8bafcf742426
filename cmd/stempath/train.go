package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/sim"
	"github.com/antigravity-dev/stempath/internal/store"
)

var (
	trainOut       string
	trainReplayRun string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the Q-policy on simulated trajectories",
	Long: `Run the episode loop over the cluster-calibrated simulator and commit
the resulting policy artifact atomically. With --replay-run, recorded
trajectories from the store warm-start the table before the episode loop.
A failed run leaves any previously published artifact untouched. Exits 0 only
on a committed artifact.`,
	Run: runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&trainOut, "out", "policy.json", "path for the committed policy artifact")
	trainCmd.Flags().StringVar(&trainReplayRun, "replay-run", "", "run id of recorded trajectories to replay before training")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	registries, err := loadRegistries(cfg)
	if err != nil {
		fatal(err)
	}
	snap := registries.Snapshot()

	simulator, err := sim.New(snap.CPR, sim.Config{
		Modules:     cfg.Simulator.Modules,
		MaxSteps:    cfg.Simulator.MaxSteps,
		NoProgressK: cfg.Simulator.NoProgressK,
		Thresholds:  cfg.Thresholds(),
		Rewards:     cfg.Reward,
	}, cfg.Simulator.Seed)
	if err != nil {
		fatal(err)
	}

	trainer := qlearn.NewTrainer(qlearn.TrainerConfig{
		Alpha:             cfg.Training.Alpha,
		Gamma:             cfg.Training.Gamma,
		Eps:               cfg.EpsSchedule(),
		MaxEpisodes:       cfg.Training.MaxEpisodes,
		CheckpointEvery:   cfg.Training.CheckpointEvery,
		CheckpointDir:     cfg.Training.CheckpointDir,
		ConvergenceWindow: cfg.Training.ConvergenceWindow,
		ConvergenceDelta:  cfg.Training.ConvergenceDelta,
		CSRHash:           snap.CSR.Hash(),
		CPRHash:           snap.CPR.Hash(),
		RewardHash:        cfg.Reward.Hash(),
	}, simulator, slog.Default())

	if trainReplayRun != "" {
		st, err := store.Open(cfg.General.StateDB)
		if err != nil {
			fatal(err)
		}
		rows, err := st.TrajectoryFor(trainReplayRun)
		st.Close()
		if err != nil {
			fatal(err)
		}
		transitions := make([]qlearn.Transition, len(rows))
		for i, row := range rows {
			transitions[i] = qlearn.Transition{
				StateKey:     row.StateKey,
				Action:       row.Action,
				Reward:       row.Reward,
				NextStateKey: row.NextStateKey,
			}
		}
		if err := trainer.Replay(cmd.Context(), transitions); err != nil {
			fatal(err)
		}
		slog.Info("replayed recorded trajectories", "run_id", trainReplayRun, "transitions", len(transitions))
	}

	artifact, stats, err := trainer.Train(cmd.Context())
	if err != nil {
		fatal(err)
	}
	if err := artifact.Save(trainOut); err != nil {
		fatal(err)
	}

	slog.Info("policy artifact committed",
		"path", trainOut,
		"version", artifact.Metadata.Version,
		"episodes", stats.Episodes,
		"converged", stats.Converged,
		"states", len(artifact.Q))

	if err := printJSON(map[string]any{
		"version":   artifact.Metadata.Version,
		"hash":      artifact.Hash(),
		"episodes":  stats.Episodes,
		"converged": stats.Converged,
		"states":    len(artifact.Q),
	}); err != nil {
		fatal(err)
	}
}
