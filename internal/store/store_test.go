package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/stempath/internal/events"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testState(progressBin float64) state.State {
	return state.State{
		Cluster: 0, ModuleIdx: 1, ProgressBin: progressBin, ScoreBin: 0.5,
		Phase: state.PhaseActive, Engagement: state.EngagementMedium,
	}
}

func TestUpsertCurrentReplacesAndAppendsHistory(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertCurrent(StateRow{LearnerID: 5, ModuleID: 201, State: testState(0.25)}))
	require.NoError(t, s.UpsertCurrent(StateRow{LearnerID: 5, ModuleID: 201, State: testState(0.5)}))

	cur, err := s.GetCurrent(5, 201)
	require.NoError(t, err)
	require.NotNil(t, cur)
	require.Equal(t, 0.5, cur.State.ProgressBin)

	n, err := s.HistoryCount(5, 201)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestHistoryMonotonicTimestamps(t *testing.T) {
	s := openTestStore(t)

	// Deliberately write with identical timestamps; history must still advance.
	ts := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertCurrent(StateRow{LearnerID: 5, ModuleID: 201, State: testState(0.25), WriteTS: ts}))
	}

	hist, err := s.History(5, 201, time.Unix(0, 0), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i := 1; i < len(hist); i++ {
		require.True(t, hist[i].WriteTS.After(hist[i-1].WriteTS),
			"history write timestamps must be strictly increasing per pair")
	}

	// Reads return the highest write timestamp.
	cur, err := s.GetCurrent(5, 201)
	require.NoError(t, err)
	require.Equal(t, hist[2].WriteTS, cur.WriteTS)
}

func TestBatchUpsertAllOrNone(t *testing.T) {
	s := openTestStore(t)

	rows := []StateRow{
		{LearnerID: 5, ModuleID: 201, State: testState(0.5)},
		{LearnerID: 5, ModuleID: 202, State: testState(0.75)},
		{LearnerID: 6, ModuleID: 201, State: testState(1.0)},
	}
	require.NoError(t, s.BatchUpsert(rows))

	list, err := s.ListByLearner(5)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestConcurrentWritersDifferentPairs(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for learner := 1; learner <= 4; learner++ {
		for rev := 0; rev < 5; rev++ {
			wg.Add(1)
			go func(learner, rev int) {
				defer wg.Done()
				_ = s.UpsertCurrent(StateRow{LearnerID: learner, ModuleID: 201, State: testState(0.25)})
			}(learner, rev)
		}
	}
	wg.Wait()

	for learner := 1; learner <= 4; learner++ {
		n, err := s.HistoryCount(learner, 201)
		require.NoError(t, err)
		require.Equal(t, 5, n)

		hist, err := s.History(learner, 201, time.Unix(0, 0), time.Now().Add(time.Hour))
		require.NoError(t, err)
		for i := 1; i < len(hist); i++ {
			require.True(t, hist[i].WriteTS.After(hist[i-1].WriteTS))
		}
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertCurrent(StateRow{
		LearnerID: 5, ModuleID: 201, State: testState(0.5),
		Metadata: map[string]any{"source": "batch-17"},
	}))
	cur, err := s.GetCurrent(5, 201)
	require.NoError(t, err)
	require.Equal(t, "batch-17", cur.Metadata["source"])
}

func TestMasteryMonotonicMerge(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyMastery(5, Mastery{"LO1.2": 0.4}))
	require.NoError(t, s.ApplyMastery(5, Mastery{"LO1.2": 0.7, "LO1.1": 0.3}))
	require.NoError(t, s.ApplyMastery(5, Mastery{"LO1.2": 0.2})) // lower, must not regress

	m, err := s.GetMastery(5)
	require.NoError(t, err)
	require.InDelta(t, 0.7, m["LO1.2"], 1e-9)
	require.InDelta(t, 0.3, m["LO1.1"], 1e-9)

	require.NoError(t, s.ResetMastery(5))
	m, err = s.GetMastery(5)
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestPOProgressDerivation(t *testing.T) {
	m := Mastery{"LO1.1": 0.2, "LO1.2": 0.6, "LO2.1": 1.0}
	po := m.POProgress()
	require.InDelta(t, 0.4, po["LO1"], 1e-9)
	require.InDelta(t, 1.0, po["LO2"], 1e-9)
}

func TestEventLogRoundTrip(t *testing.T) {
	s := openTestStore(t)

	mod := 201
	score := 0.8
	progress := 0.5
	ev := events.LogEvent{
		LearnerID: 5, ModuleID: &mod, CourseID: 5, Action: vocab.AttemptQuiz,
		Timestamp: 1700000000, Score: &score, Progress: &progress, TimeSpent: 42,
	}
	require.NoError(t, s.AppendEvents([]events.LogEvent{ev}))

	got, err := s.EventsFor(5, 201)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, vocab.AttemptQuiz, got[0].Action)
	require.InDelta(t, 0.8, *got[0].Score, 1e-9)
	require.Equal(t, int64(42), got[0].TimeSpent)
}

func TestEventLogDeduplicatesReplays(t *testing.T) {
	s := openTestStore(t)

	mod := 201
	prog := 0.5
	ev := events.LogEvent{
		LearnerID: 5, ModuleID: &mod, CourseID: 5, Action: vocab.AttemptQuiz,
		Timestamp: 1700000000, Progress: &prog,
	}
	require.NoError(t, s.AppendEvents([]events.LogEvent{ev}))
	require.NoError(t, s.AppendEvents([]events.LogEvent{ev}))

	got, err := s.EventsFor(5, 201)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestTrajectoryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rows := []TrajectoryRow{
		{RunID: "run-1", Episode: 0, Step: 0, StateKey: "a", Action: "attempt_quiz", Reward: 1.5, NextStateKey: "b"},
		{RunID: "run-1", Episode: 0, Step: 1, StateKey: "b", Action: "review_quiz", Reward: 0.5, NextStateKey: "c", Terminal: true},
	}
	require.NoError(t, s.AppendTrajectory(rows))

	got, err := s.TrajectoryFor("run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[1].Terminal)
}

func TestObservedStates(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertCurrent(StateRow{LearnerID: 5, ModuleID: 201, State: testState(0.5)}))
	require.NoError(t, s.UpsertCurrent(StateRow{LearnerID: 6, ModuleID: 202, State: testState(0.75)}))

	states, err := s.ObservedStates(10)
	require.NoError(t, err)
	require.Len(t, states, 2)
}
