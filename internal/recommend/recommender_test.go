package recommend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/store"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

func snapshotFor(t *testing.T, q map[string]map[string]float64) *qlearn.Snapshot {
	t.Helper()
	art := &qlearn.Artifact{Metadata: qlearn.Metadata{Version: "v-test"}, Q: q}
	snap, err := art.Snapshot()
	require.NoError(t, err)
	return snap
}

func recommenderRegistries(t *testing.T) *registry.Context {
	t.Helper()
	csr, err := registry.NewCSR(registry.CSRArtifact{Modules: []registry.Module{
		{ID: 46, Index: 0, CourseID: 1, ActivityType: "quiz", LOs: []string{"LO1.2"}, Visible: true},
		{ID: 47, Index: 0, CourseID: 1, ActivityType: "quiz", LOs: []string{"LO1.1"}, Visible: true},
		{ID: 48, Index: 1, CourseID: 1, ActivityType: "quiz", LOs: []string{"LO2.1"}, Visible: true},
	}})
	require.NoError(t, err)
	cpr, err := registry.NewCPR(registry.CPRArtifact{Clusters: []registry.Cluster{
		{ID: 0, Label: "weak", Strength: registry.StrengthWeak, Curve: registry.CurveExponential, CurveParams: registry.CurveParams{A: 1, B: 0.2}},
	}})
	require.NoError(t, err)
	return registry.NewStaticContext(csr, cpr)
}

func seenState() state.State {
	return state.State{Cluster: 0, ModuleIdx: 0, ProgressBin: 0.5, ScoreBin: 0.25, Phase: state.PhaseActive, Engagement: state.EngagementLow}
}

// The seed scenario: top action attempt_quiz; LO1.2 at 0.2 beats LO1.1 at 0.4
// on the threshold gap, so q46 wins.
func TestRecommendationWithLOResolution(t *testing.T) {
	s := seenState()
	snap := snapshotFor(t, map[string]map[string]float64{
		s.Key(): {"attempt_quiz": 2.5, "watch_video": 1.0, "review_quiz": 0.5},
	})
	r := New(snap, recommenderRegistries(t), Config{TopK: 3, FallbackPenalty: 0.5})

	rec := r.Recommend(1, s, store.Mastery{"LO1.2": 0.2, "LO1.1": 0.4})
	require.False(t, rec.NoRecommendation)
	require.False(t, rec.Fallback)
	require.Equal(t, "v-test", rec.PolicyVersion)
	require.Equal(t, vocab.AttemptQuiz, rec.Ranked[0].Action)
	require.InDelta(t, 2.5, rec.Ranked[0].QValue, 1e-12)
	require.Equal(t, 46, rec.ChosenActivityID)
}

func TestRankingIsDescending(t *testing.T) {
	s := seenState()
	snap := snapshotFor(t, map[string]map[string]float64{
		s.Key(): {"attempt_quiz": 1, "watch_video": 3, "review_quiz": 2, "read_resource": 0.5},
	})
	r := New(snap, recommenderRegistries(t), Config{TopK: 3})

	rec := r.Recommend(1, s, nil)
	require.Len(t, rec.Ranked, 3)
	require.Equal(t, vocab.WatchVideo, rec.Ranked[0].Action)
	require.Equal(t, vocab.ReviewQuiz, rec.Ranked[1].Action)
	require.Equal(t, vocab.AttemptQuiz, rec.Ranked[2].Action)
}

func TestFallbackSubtractsExactPenalty(t *testing.T) {
	known := seenState()
	snap := snapshotFor(t, map[string]map[string]float64{
		known.Key(): {"attempt_quiz": 2.0},
	})
	r := New(snap, recommenderRegistries(t), Config{TopK: 3, FallbackPenalty: 0.75})

	unseen := known
	unseen.Engagement = state.EngagementHigh
	rec := r.Recommend(1, unseen, nil)
	require.True(t, rec.Fallback)
	require.Equal(t, known.Key(), rec.FallbackState)
	require.InDelta(t, 2.0-0.75, rec.Ranked[0].QValue, 1e-12)
}

func TestFallbackTieBreaks(t *testing.T) {
	// Two candidates at equal distance from the probe; the lower module
	// index must win, then the higher cluster.
	a := state.State{Cluster: 0, ModuleIdx: 1, ProgressBin: 0.5, ScoreBin: 0.5, Phase: state.PhaseActive, Engagement: state.EngagementLow}
	b := state.State{Cluster: 0, ModuleIdx: 2, ProgressBin: 0.5, ScoreBin: 0.5, Phase: state.PhaseActive, Engagement: state.EngagementLow}
	snap := snapshotFor(t, map[string]map[string]float64{
		a.Key(): {"attempt_quiz": 1.0},
		b.Key(): {"attempt_quiz": 5.0},
	})
	r := New(snap, recommenderRegistries(t), Config{})

	probe := state.State{Cluster: 0, ModuleIdx: 0, ProgressBin: 0.5, ScoreBin: 0.5, Phase: state.PhaseActive, Engagement: state.EngagementLow}
	rec := r.Recommend(1, probe, nil)
	require.True(t, rec.Fallback)
	require.Equal(t, a.Key(), rec.FallbackState)
}

func TestDeterministicAcrossCalls(t *testing.T) {
	s := seenState()
	snap := snapshotFor(t, map[string]map[string]float64{
		s.Key(): {"attempt_quiz": 2.5, "watch_video": 2.5},
	})
	r := New(snap, recommenderRegistries(t), Config{})

	first := r.Recommend(1, s, store.Mastery{"LO1.2": 0.1})
	for i := 0; i < 5; i++ {
		require.Equal(t, first, r.Recommend(1, s, store.Mastery{"LO1.2": 0.1}))
	}
}

func TestNoPolicyYieldsWellFormedResult(t *testing.T) {
	r := New(nil, recommenderRegistries(t), Config{})
	rec := r.Recommend(1, seenState(), nil)
	require.True(t, rec.NoRecommendation)
	require.Empty(t, rec.Ranked)
}

func TestEmptySnapshotYieldsNoRecommendation(t *testing.T) {
	snap := snapshotFor(t, map[string]map[string]float64{})
	r := New(snap, recommenderRegistries(t), Config{})
	rec := r.Recommend(1, seenState(), nil)
	require.True(t, rec.NoRecommendation)
}
