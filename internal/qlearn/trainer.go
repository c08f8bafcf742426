package qlearn

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/stempath/internal/metrics"
	"github.com/antigravity-dev/stempath/internal/sim"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// TrainerConfig bounds one training run.
type TrainerConfig struct {
	Alpha             float64
	Gamma             float64
	Eps               EpsSchedule
	MaxEpisodes       int
	CheckpointEvery   int
	CheckpointDir     string
	ConvergenceWindow int
	ConvergenceDelta  float64

	CSRHash    string
	CPRHash    string
	RewardHash string
}

func (c TrainerConfig) withDefaults() TrainerConfig {
	if c.Alpha <= 0 {
		c.Alpha = 0.1
	}
	if c.Gamma <= 0 {
		c.Gamma = 0.95
	}
	if c.Eps.Kind == "" {
		c.Eps = DefaultSchedule()
	}
	if c.MaxEpisodes <= 0 {
		c.MaxEpisodes = 1000
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 100
	}
	if c.ConvergenceWindow <= 0 {
		c.ConvergenceWindow = 50
	}
	if c.ConvergenceDelta <= 0 {
		c.ConvergenceDelta = 0.05
	}
	return c
}

// EpisodeStats is the per-episode training record.
type EpisodeStats struct {
	Episode        int     `json:"episode"`
	Reward         float64 `json:"reward"`
	Length         int     `json:"length"`
	DistinctStates int     `json:"distinct_states"`
	Eps            float64 `json:"eps"`
}

// RunStats summarizes a finished training run.
type RunStats struct {
	Episodes  int            `json:"episodes"`
	Converged bool           `json:"converged"`
	History   []EpisodeStats `json:"history"`
}

// Trainer owns the Q-table for the duration of one training run. Publishing
// is an atomic commit; a failed run never touches the previously published
// artifact.
type Trainer struct {
	cfg    TrainerConfig
	sim    *sim.Simulator
	q      *QTable
	logger *slog.Logger
}

// NewTrainer builds a trainer over a seeded simulator.
func NewTrainer(cfg TrainerConfig, simulator *sim.Simulator, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{cfg: cfg.withDefaults(), sim: simulator, q: NewQTable(), logger: logger}
}

// qPolicy adapts the live table to the simulator's policy interface.
type qPolicy struct {
	q *QTable
}

func (p qPolicy) Q(s state.State) (map[vocab.Action]float64, bool) {
	return p.q.Row(s)
}

// Train runs the episode loop until convergence or the episode budget, then
// returns the unpublished artifact. Cancellation is honored between episodes;
// a numerical error aborts without producing an artifact.
func (t *Trainer) Train(ctx context.Context) (*Artifact, RunStats, error) {
	params := t.sim.Params()
	stats := RunStats{}
	var rewards []float64

	for episode := 0; episode < t.cfg.MaxEpisodes; episode++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, fmt.Errorf("qlearn: training cancelled at episode %d: %w", episode, err)
		}

		eps := t.cfg.Eps.Eps(episode)
		p := params[episode%len(params)]
		tr, err := t.sim.Episode(ctx, p, episode, qPolicy{t.q}, eps)
		if err != nil {
			return nil, stats, fmt.Errorf("qlearn: episode %d: %w", episode, err)
		}

		for _, step := range tr.Steps {
			if _, err := t.q.Update(step.State, step.Action, step.Reward, step.NextState, t.cfg.Alpha, t.cfg.Gamma); err != nil {
				return nil, stats, fmt.Errorf("qlearn: training aborted: %w", err)
			}
		}

		ep := EpisodeStats{
			Episode:        episode,
			Reward:         tr.TotalReward(),
			Length:         len(tr.Steps),
			DistinctStates: t.q.Len(),
			Eps:            eps,
		}
		stats.History = append(stats.History, ep)
		stats.Episodes = episode + 1
		rewards = append(rewards, ep.Reward)

		metrics.TrainingEpisodes.Inc()
		metrics.TrainingEpisodeReward.Observe(ep.Reward)

		if t.cfg.CheckpointDir != "" && (episode+1)%t.cfg.CheckpointEvery == 0 {
			if err := t.checkpoint(episode + 1); err != nil {
				t.logger.Warn("checkpoint failed", "episode", episode+1, "error", err)
			}
		}

		if t.converged(rewards) {
			stats.Converged = true
			t.logger.Info("training converged",
				"episode", episode+1, "distinct_states", t.q.Len())
			break
		}
	}

	meta := Metadata{
		Version:             uuid.NewString(),
		Episodes:            stats.Episodes,
		Alpha:               t.cfg.Alpha,
		Gamma:               t.cfg.Gamma,
		EpsSchedule:         t.cfg.Eps,
		Seed:                t.sim.Seed(),
		SimulatorParamsHash: t.sim.ParamsHash(),
		CSRHash:             t.cfg.CSRHash,
		CPRHash:             t.cfg.CPRHash,
		RewardHash:          t.cfg.RewardHash,
		CreatedAt:           time.Now().UTC(),
	}
	return BuildArtifact(t.q, meta), stats, nil
}

// Transition is one recorded step consumed by replay training.
type Transition struct {
	StateKey     string
	Action       string
	Reward       float64
	NextStateKey string
}

// Replay applies Bellman updates over recorded transitions, so real learner
// trajectories train the same table as simulated ones. Malformed rows abort:
// recorded trajectories are trusted input.
func (t *Trainer) Replay(ctx context.Context, transitions []Transition) error {
	for i, tr := range transitions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("qlearn: replay cancelled at transition %d: %w", i, err)
		}
		s, err := state.ParseKey(tr.StateKey)
		if err != nil {
			return fmt.Errorf("qlearn: replay transition %d: %w", i, err)
		}
		next, err := state.ParseKey(tr.NextStateKey)
		if err != nil {
			return fmt.Errorf("qlearn: replay transition %d: %w", i, err)
		}
		action := vocab.Action(tr.Action)
		if !vocab.Valid(action) {
			return fmt.Errorf("qlearn: replay transition %d: action %q outside vocabulary", i, tr.Action)
		}
		if _, err := t.q.Update(s, action, tr.Reward, next, t.cfg.Alpha, t.cfg.Gamma); err != nil {
			return fmt.Errorf("qlearn: replay aborted: %w", err)
		}
	}
	return nil
}

// converged checks whether the moving-average reward over the last window
// moved less than delta against the window before it.
func (t *Trainer) converged(rewards []float64) bool {
	w := t.cfg.ConvergenceWindow
	if len(rewards) < 2*w {
		return false
	}
	recent := mean(rewards[len(rewards)-w:])
	previous := mean(rewards[len(rewards)-2*w : len(rewards)-w])
	return math.Abs(recent-previous) < t.cfg.ConvergenceDelta
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// checkpoint writes an immutable intermediate artifact.
func (t *Trainer) checkpoint(episode int) error {
	if err := os.MkdirAll(t.cfg.CheckpointDir, 0o755); err != nil {
		return fmt.Errorf("qlearn: create checkpoint dir: %w", err)
	}
	meta := Metadata{
		Version:   fmt.Sprintf("checkpoint-%06d", episode),
		Episodes:  episode,
		Alpha:     t.cfg.Alpha,
		Gamma:     t.cfg.Gamma,
		Seed:      t.sim.Seed(),
		CreatedAt: time.Now().UTC(),
	}
	art := BuildArtifact(t.q, meta)
	return art.Save(filepath.Join(t.cfg.CheckpointDir, meta.Version+".json"))
}
