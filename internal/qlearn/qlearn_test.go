package qlearn

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/reward"
	"github.com/antigravity-dev/stempath/internal/sim"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

func st(moduleIdx int) state.State {
	return state.State{
		Cluster: 0, ModuleIdx: moduleIdx, ProgressBin: 0.5, ScoreBin: 0.5,
		Phase: state.PhaseActive, Engagement: state.EngagementMedium,
	}
}

// The spec's worked example: alpha 0.1, gamma 0.95, Q(s,a)=2.0, r=3.0,
// maxQ(s',.)=5.0 must land on 2.575.
func TestBellmanUpdateWorkedExample(t *testing.T) {
	q := NewQTable()
	s, next := st(0), st(1)

	_, err := q.Update(s, vocab.AttemptQuiz, 20, s, 0.1, 0.95) // Q(s,a) = 2.0
	require.NoError(t, err)
	require.InDelta(t, 2.0, q.Get(s, vocab.AttemptQuiz), 1e-12)

	_, err = q.Update(next, vocab.ReviewQuiz, 50, next, 0.1, 0.95) // maxQ(s') = 5.0
	require.NoError(t, err)
	require.InDelta(t, 5.0, q.MaxValue(next), 1e-12)

	delta, err := q.Update(s, vocab.AttemptQuiz, 3.0, next, 0.1, 0.95)
	require.NoError(t, err)
	require.InDelta(t, 0.575, delta, 1e-12)
	require.InDelta(t, 2.575, q.Get(s, vocab.AttemptQuiz), 1e-12)
}

func TestUpdateDeltaBound(t *testing.T) {
	q := NewQTable()
	s, next := st(0), st(1)
	alpha, gamma := 0.1, 0.95

	for i, r := range []float64{5, -2, 10, 0.5} {
		before := q.Get(s, vocab.DoQuiz)
		bound := alpha * math.Abs(r+gamma*q.MaxValue(next)-before)
		delta, err := q.Update(s, vocab.DoQuiz, r, next, alpha, gamma)
		require.NoError(t, err, "update %d", i)
		require.LessOrEqual(t, math.Abs(delta), bound+1e-12)
	}
}

func TestUpdateRejectsNonFinite(t *testing.T) {
	q := NewQTable()
	_, err := q.Update(st(0), vocab.DoQuiz, math.NaN(), st(1), 0.1, 0.95)
	require.ErrorIs(t, err, ErrNumerical)
	_, err = q.Update(st(0), vocab.DoQuiz, math.Inf(1), st(1), 0.1, 0.95)
	require.ErrorIs(t, err, ErrNumerical)
	require.Zero(t, q.Get(st(0), vocab.DoQuiz))
}

func TestScheduleFamilies(t *testing.T) {
	lin := EpsSchedule{Kind: ScheduleLinear, Start: 0.3, End: 0.05, Decay: 100}
	require.NoError(t, lin.Validate())
	require.InDelta(t, 0.3, lin.Eps(0), 1e-12)
	require.InDelta(t, 0.05, lin.Eps(100), 1e-12)
	require.InDelta(t, 0.05, lin.Eps(1000), 1e-12)
	require.Greater(t, lin.Eps(10), lin.Eps(50))

	exp := EpsSchedule{Kind: ScheduleExponential, Start: 0.3, End: 0.05, Decay: 0.99}
	require.NoError(t, exp.Validate())
	require.InDelta(t, 0.3, exp.Eps(0), 1e-12)
	require.GreaterOrEqual(t, exp.Eps(10000), 0.05)

	bad := EpsSchedule{Kind: "sigmoid", Start: 0.3, End: 0.05, Decay: 1}
	require.Error(t, bad.Validate())
}

func trainCPR(t *testing.T) *registry.CPR {
	t.Helper()
	cpr, err := registry.NewCPR(registry.CPRArtifact{
		Clusters: []registry.Cluster{
			{ID: 0, Label: "medium", Strength: registry.StrengthMedium, ScoreMean: 0.6, ScoreMin: 0.3, ScoreMax: 0.9,
				StuckProb: 0.05, Curve: registry.CurveLogistic, CurveParams: registry.CurveParams{K: 1.5, X0: 2}},
		},
	})
	require.NoError(t, err)
	return cpr
}

func newTrainer(t *testing.T, seed int64, episodes int, dir string) *Trainer {
	t.Helper()
	simulator, err := sim.New(trainCPR(t), sim.Config{Modules: 2, MaxSteps: 20, Rewards: reward.Defaults()}, seed)
	require.NoError(t, err)
	return NewTrainer(TrainerConfig{
		MaxEpisodes:     episodes,
		CheckpointEvery: 10,
		CheckpointDir:   dir,
		// Keep the convergence check out of short deterministic runs.
		ConvergenceWindow: episodes,
	}, simulator, nil)
}

func TestTrainProducesArtifact(t *testing.T) {
	tr := newTrainer(t, 42, 30, "")
	art, stats, err := tr.Train(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30, stats.Episodes)
	require.Len(t, stats.History, 30)
	require.NotEmpty(t, art.Q)
	require.NotEmpty(t, art.Metadata.Version)
	require.InDelta(t, 0.1, art.Metadata.Alpha, 1e-12)
	require.InDelta(t, 0.95, art.Metadata.Gamma, 1e-12)
	require.Equal(t, int64(42), art.Metadata.Seed)
	require.NotEmpty(t, art.Metadata.SimulatorParamsHash)
	for _, ep := range stats.History {
		require.Greater(t, ep.DistinctStates, 0)
	}
}

func TestTrainReproducibleHash(t *testing.T) {
	a, _, err := newTrainer(t, 42, 20, "").Train(context.Background())
	require.NoError(t, err)
	b, _, err := newTrainer(t, 42, 20, "").Train(context.Background())
	require.NoError(t, err)
	require.Equal(t, a.Hash(), b.Hash(), "same seed and config must reproduce the artifact hash")
	require.NotEqual(t, a.Metadata.Version, b.Metadata.Version)

	c, _, err := newTrainer(t, 43, 20, "").Train(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, a.Hash(), c.Hash())
}

func TestTrainCancellationBetweenEpisodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := newTrainer(t, 42, 100, "").Train(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointsWritten(t *testing.T) {
	dir := t.TempDir()
	_, _, err := newTrainer(t, 42, 25, dir).Train(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2) // episodes 10 and 20
}

func TestArtifactSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")

	art, _, err := newTrainer(t, 42, 10, "").Train(context.Background())
	require.NoError(t, err)
	require.NoError(t, art.Save(path))

	loaded, err := LoadArtifact(path)
	require.NoError(t, err)
	require.Equal(t, art.Hash(), loaded.Hash())

	snap, err := loaded.Snapshot()
	require.NoError(t, err)
	require.Equal(t, art.Metadata.Version, snap.Version())
	require.NotEmpty(t, snap.States())
}

func TestReplayUpdatesTable(t *testing.T) {
	tr := newTrainer(t, 42, 1, "")
	s, next := st(0), st(1)

	err := tr.Replay(context.Background(), []Transition{
		{StateKey: s.Key(), Action: "attempt_quiz", Reward: 5, NextStateKey: next.Key()},
		{StateKey: s.Key(), Action: "attempt_quiz", Reward: 5, NextStateKey: next.Key()},
	})
	require.NoError(t, err)
	require.Greater(t, tr.q.Get(s, vocab.AttemptQuiz), 0.0)

	err = tr.Replay(context.Background(), []Transition{
		{StateKey: "not-a-key", Action: "attempt_quiz", Reward: 1, NextStateKey: next.Key()},
	})
	require.Error(t, err)

	err = tr.Replay(context.Background(), []Transition{
		{StateKey: s.Key(), Action: "badge_awarded", Reward: 1, NextStateKey: next.Key()},
	})
	require.Error(t, err)
}

func TestLoadMissingArtifact(t *testing.T) {
	_, err := LoadArtifact(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, ErrPolicyMissing)
}
