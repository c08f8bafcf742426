package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/stempath/internal/events"
	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

func testRegistries(t *testing.T) *registry.Context {
	t.Helper()
	mods := make([]registry.Module, 6)
	for i := range mods {
		mods[i] = registry.Module{ID: 201 + i, Index: i, CourseID: 5, ActivityType: "quiz", Visible: true}
	}
	csr, err := registry.NewCSR(registry.CSRArtifact{Modules: mods})
	require.NoError(t, err)
	cpr, err := registry.NewCPR(registry.CPRArtifact{
		Clusters: []registry.Cluster{
			{ID: 0, Label: "weak", Strength: registry.StrengthWeak, StuckProb: 0.15,
				Curve: registry.CurveExponential, CurveParams: registry.CurveParams{A: 1, B: 0.3}},
			{ID: 9, Label: "staff", Excluded: true},
		},
		Learners: map[string]int{"5": 0, "99": 9},
	})
	require.NoError(t, err)
	return registry.NewStaticContext(csr, cpr)
}

func mkEvent(learner, module int, a vocab.Action, ts int64, progress, score *float64) events.LogEvent {
	m := module
	return events.LogEvent{
		LearnerID: learner, ModuleID: &m, CourseID: 5,
		Action: a, Timestamp: ts, Progress: progress, Score: score,
	}
}

func fp(v float64) *float64 { return &v }

func TestQuantizeQuarterDomain(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0.0, 0.25}, {0.1, 0.25}, {0.25, 0.25},
		{0.33, 0.5}, {0.5, 0.5},
		{0.6, 0.75}, {0.75, 0.75},
		{0.76, 1.0}, {1.0, 1.0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, QuantizeQuarter(tt.in), "QuantizeQuarter(%v)", tt.in)
	}
}

func TestBuildDeterministic(t *testing.T) {
	b := NewBuilder(testRegistries(t), DefaultThresholds(), nil)
	evts := []events.LogEvent{
		mkEvent(5, 201, vocab.AttemptQuiz, 1700000000, fp(0.6), fp(0.7)),
		mkEvent(5, 201, vocab.ReviewQuiz, 1700000100, nil, nil),
	}
	s1, ok1 := b.Build(BuildSummary(evts, 10))
	s2, ok2 := b.Build(BuildSummary(evts, 10))
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, s1, s2)
	require.Equal(t, s1.Key(), s2.Key())
}

func TestExcludedClusterProducesNoState(t *testing.T) {
	b := NewBuilder(testRegistries(t), DefaultThresholds(), nil)
	evts := []events.LogEvent{mkEvent(99, 201, vocab.AttemptQuiz, 1700000000, fp(0.5), fp(0.5))}
	_, ok := b.Build(BuildSummary(evts, 10))
	require.False(t, ok)
}

func TestUnknownLearnerTreatedAsExcluded(t *testing.T) {
	b := NewBuilder(testRegistries(t), DefaultThresholds(), nil)
	evts := []events.LogEvent{mkEvent(7, 201, vocab.AttemptQuiz, 1700000000, fp(0.5), fp(0.5))}
	_, ok := b.Build(BuildSummary(evts, 10))
	require.False(t, ok)
}

// Course-level fan-out quantization from the seed scenario: six synthetic
// events with progress {0.6, 0.4, 0.2, 0.0, 0.5, 0.8}; the zero-progress
// module yields no state.
func TestCourseLevelQuantizationScenario(t *testing.T) {
	b := NewBuilder(testRegistries(t), DefaultThresholds(), nil)
	progress := []float64{0.6, 0.4, 0.2, 0.0, 0.5, 0.8}
	wantBins := []float64{0.75, 0.5, 0.25, 0, 0.5, 1.0}

	for i, p := range progress {
		ev := mkEvent(5, 201+i, vocab.ProgressUpdated, 1700000000, fp(p), fp(0.75))
		st, ok := b.Build(BuildSummary([]events.LogEvent{ev}, 10))
		if p == 0 {
			require.False(t, ok, "module %d: zero progress must yield no state", i)
			continue
		}
		require.True(t, ok, "module %d", i)
		require.Equal(t, i, st.ModuleIdx)
		require.Equal(t, wantBins[i], st.ProgressBin)
		require.Equal(t, 0.75, st.ScoreBin)
	}
}

// Engagement bucketization from the seed scenario: watch_video x2 +
// attempt_quiz x3 + review_quiz x2 weighs 14; a 0.5 active-days ratio adds 2;
// 16 lands in High.
func TestEngagementBucketizationScenario(t *testing.T) {
	const day = int64(86400)
	base := int64(1700000000)
	// 7 actions over a 4-day span with activity on 2 distinct days: ratio 0.5.
	var evts []events.LogEvent
	times := []int64{base, base + 60, base + 120, base + 180, base + 3*day, base + 3*day + 60, base + 3*day + 120}
	actions := []vocab.Action{
		vocab.WatchVideo, vocab.WatchVideo,
		vocab.AttemptQuiz, vocab.AttemptQuiz, vocab.AttemptQuiz,
		vocab.ReviewQuiz, vocab.ReviewQuiz,
	}
	for i, a := range actions {
		evts = append(evts, mkEvent(5, 201, a, times[i], fp(0.5), fp(0.6)))
	}
	sum := BuildSummary(evts, 10)
	require.InDelta(t, 16, sum.EngagementScore(), 1e-9)

	b := NewBuilder(testRegistries(t), DefaultThresholds(), nil)
	st, ok := b.Build(sum)
	require.True(t, ok)
	require.Equal(t, EngagementHigh, st.Engagement)
}

// Phase tie-break from the seed scenario: Pre 4, Active 4, Reflective 3
// resolves to Pre.
func TestPhaseTieBreakScenario(t *testing.T) {
	var evts []events.LogEvent
	ts := int64(1700000000)
	add := func(a vocab.Action, n int) {
		for i := 0; i < n; i++ {
			evts = append(evts, mkEvent(5, 201, a, ts, fp(0.5), nil))
			ts++
		}
	}
	add(vocab.WatchVideo, 2)   // Pre 4
	add(vocab.AttemptQuiz, 2)  // Active 4
	add(vocab.ViewReport, 3)   // Reflective 3

	sum := BuildSummary(evts, 10)
	require.Equal(t, PhasePre, sum.PhaseOf())
}

func TestProgressMonotonicAcrossReplays(t *testing.T) {
	evts := []events.LogEvent{
		mkEvent(5, 201, vocab.AttemptQuiz, 1700000000, fp(0.4), fp(0.5)),
		mkEvent(5, 201, vocab.AttemptQuiz, 1700000100, fp(0.7), fp(0.6)),
		mkEvent(5, 201, vocab.ViewContent, 1700000200, fp(0.2), nil), // stale progress report
	}
	sum := BuildSummary(evts, 10)
	require.InDelta(t, 0.7, sum.Progress, 1e-9)

	// Idempotent recomputation over the same set.
	again := BuildSummary(evts, 10)
	require.Equal(t, sum, again)
}

func TestRecentWindowBounded(t *testing.T) {
	var evts []events.LogEvent
	for i := 0; i < 25; i++ {
		evts = append(evts, mkEvent(5, 201, vocab.ViewContent, 1700000000+int64(i), fp(0.5), nil))
	}
	sum := BuildSummary(evts, 10)
	require.Len(t, sum.RecentActions, 10)
	require.Equal(t, int64(1700000024), sum.RecentActions[9].Timestamp)
	require.Equal(t, 25, sum.Counts[vocab.ViewContent])
}

func TestConfiguredExclusionSet(t *testing.T) {
	b := NewBuilder(testRegistries(t), DefaultThresholds(), nil).WithExcludedClusters([]int{0})
	evts := []events.LogEvent{mkEvent(5, 201, vocab.AttemptQuiz, 1700000000, fp(0.5), fp(0.5))}
	_, ok := b.Build(BuildSummary(evts, 10))
	require.False(t, ok, "configured exclusions drop states for otherwise valid clusters")
}

func TestStateKeyRoundTrip(t *testing.T) {
	s := State{Cluster: 2, ModuleIdx: 4, ProgressBin: 0.75, ScoreBin: 0.5, Phase: PhaseReflective, Engagement: EngagementMedium}
	got, err := ParseKey(s.Key())
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestHamming(t *testing.T) {
	a := State{Cluster: 0, ModuleIdx: 0, ProgressBin: 0.5, ScoreBin: 0.25, Phase: PhaseActive, Engagement: EngagementLow}
	b := a
	require.Equal(t, 0, a.Hamming(b))
	b.ScoreBin = 0.5
	b.Engagement = EngagementHigh
	require.Equal(t, 2, a.Hamming(b))
}
