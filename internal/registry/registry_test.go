package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/stempath/internal/vocab"
)

func testCSR(t *testing.T) *CSR {
	t.Helper()
	csr, err := NewCSR(CSRArtifact{
		Modules: []Module{
			{ID: 101, Index: 0, CourseID: 5, SectionID: 1, ActivityType: "quiz", LOs: []string{"LO1.1", "LO1.2"}, Visible: true},
			{ID: 102, Index: 1, CourseID: 5, SectionID: 1, ActivityType: "page", LOs: []string{"LO1.2"}, Visible: true},
			{ID: 103, Index: 2, CourseID: 5, SectionID: 2, ActivityType: "quiz", LOs: []string{"LO2.1"}, Visible: true},
			{ID: 104, Index: 3, CourseID: 5, SectionID: 2, ActivityType: "forum", LOs: nil, Visible: false},
		},
		Sections: map[string]int{"intro": 1, "kinematics": 2},
	})
	require.NoError(t, err)
	return csr
}

func testCPR(t *testing.T) *CPR {
	t.Helper()
	cpr, err := NewCPR(CPRArtifact{
		Clusters: []Cluster{
			{ID: 0, Label: "weak", Strength: StrengthWeak, ScoreMean: 0.45, ScoreMin: 0.2, ScoreMax: 0.7, StuckProb: 0.15,
				PreferredActions: []vocab.Action{vocab.WatchVideo, vocab.ReadResource}, Curve: CurveExponential, CurveParams: CurveParams{A: 1.0, B: 0.25}},
			{ID: 1, Label: "strong", Strength: StrengthStrong, ScoreMean: 0.85, ScoreMin: 0.6, ScoreMax: 1.0, StuckProb: 0.02,
				PreferredActions: []vocab.Action{vocab.AttemptQuiz, vocab.SubmitAssignment}, Curve: CurveLogistic, CurveParams: CurveParams{K: 1.2, X0: 2}},
			{ID: 9, Label: "staff", Excluded: true},
		},
		Learners: map[string]int{"5": 0, "6": 1, "7": 9},
	})
	require.NoError(t, err)
	return cpr
}

func TestCSRLookups(t *testing.T) {
	csr := testCSR(t)

	idx, err := csr.ModuleIndex(103)
	require.NoError(t, err)
	require.Equal(t, 2, idx)

	_, err = csr.ModuleIndex(999)
	require.ErrorIs(t, err, ErrRegistryMiss)

	vis := csr.VisibleModules(5)
	require.Len(t, vis, 3)
	require.Equal(t, []int{101, 102, 103}, []int{vis[0].ID, vis[1].ID, vis[2].ID})
}

func TestCSRActivityResolution(t *testing.T) {
	csr := testCSR(t)
	quizzes := csr.ActivitiesFor(5, vocab.AttemptQuiz)
	require.Len(t, quizzes, 2)
	require.Equal(t, 101, quizzes[0].ID)

	forums := csr.ActivitiesFor(5, vocab.ParticipateForum)
	require.Empty(t, forums) // the only forum is hidden
}

func TestCPRExclusionAndDefault(t *testing.T) {
	cpr := testCPR(t)

	cl, ok := cpr.ClusterFor(5, nil)
	require.True(t, ok)
	require.Equal(t, 0, cl.ID)

	// Assigned to an excluded cluster.
	_, ok = cpr.ClusterFor(7, nil)
	require.False(t, ok)

	// Missing learner: excluded unless a default is configured.
	_, ok = cpr.ClusterFor(42, nil)
	require.False(t, ok)

	def := 1
	cl, ok = cpr.ClusterFor(42, &def)
	require.True(t, ok)
	require.Equal(t, 1, cl.ID)
}

func TestCPRFailsClosedWithoutCurve(t *testing.T) {
	_, err := NewCPR(CPRArtifact{Clusters: []Cluster{{ID: 3, Label: "medium"}}})
	require.Error(t, err)
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	csrArt := CSRArtifact{Modules: []Module{{ID: 1, Index: 0, CourseID: 1, ActivityType: "quiz", Visible: true}}}
	raw, err := json.Marshal(csrArt)
	require.NoError(t, err)
	csrPath := filepath.Join(dir, "csr.json")
	require.NoError(t, os.WriteFile(csrPath, raw, 0o644))

	cprArt := CPRArtifact{Clusters: []Cluster{{ID: 0, Label: "medium", Strength: StrengthMedium, Curve: CurveLogistic, CurveParams: CurveParams{K: 1, X0: 1}}}}
	raw, err = json.Marshal(cprArt)
	require.NoError(t, err)
	cprPath := filepath.Join(dir, "cpr.json")
	require.NoError(t, os.WriteFile(cprPath, raw, 0o644))

	rc, err := NewContext(csrPath, cprPath)
	require.NoError(t, err)

	snap := rc.Snapshot()
	require.NotEmpty(t, snap.CSR.Hash())
	require.NotEmpty(t, snap.CPR.Hash())

	require.NoError(t, rc.Reload())
	require.Equal(t, snap.CSR.Hash(), rc.Snapshot().CSR.Hash())
}
