package reward

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

func TestBaseNonNegativeAndMonotone(t *testing.T) {
	c := Defaults()

	require.Zero(t, Base(-0.5, -0.5, c))
	require.Zero(t, Base(0, 0, c))

	lo := Base(0.1, 0.1, c)
	hi := Base(0.2, 0.1, c)
	require.Greater(t, hi, lo)
	hi2 := Base(0.2, 0.3, c)
	require.Greater(t, hi2, hi)
}

func TestLOTermGatedOnSuccess(t *testing.T) {
	c := Defaults()
	base := Transition{Action: vocab.AttemptQuiz, ProgressBin: 0.5, ScoreBin: 0.5, ClusterStrength: registry.StrengthMedium}

	withLO := base
	withLO.TargetsWeakLO = true
	withLO.Success = true
	require.InDelta(t, c.LOBonus, Compute(withLO, c)-Compute(base, c), 1e-9)

	failed := base
	failed.TargetsWeakLO = true
	failed.Success = false
	require.InDelta(t, 0, Compute(failed, c)-Compute(base, c), 1e-9)
}

func TestStructuralPenalty(t *testing.T) {
	c := Defaults()
	tr := Transition{Action: vocab.ReviewQuiz, ProgressBin: 0.5, ScoreBin: 0.75, ClusterStrength: registry.StrengthStrong}
	require.InDelta(t, -c.InvalidPenalty, Compute(tr, c), 1e-9)

	tr.ProgressBin = 0.75
	require.InDelta(t, 0, Compute(tr, c), 1e-9)
}

func TestClusterMismatchPenalty(t *testing.T) {
	c := Defaults()
	tr := Transition{Action: vocab.SubmitAssignment, ProgressBin: 0.5, ScoreBin: 0.25, ClusterStrength: registry.StrengthWeak}
	require.InDelta(t, -c.MismatchPenalty, Compute(tr, c), 1e-9)

	tr.ClusterStrength = registry.StrengthStrong
	require.InDelta(t, 0, Compute(tr, c), 1e-9)

	tr.ClusterStrength = registry.StrengthWeak
	tr.ScoreBin = 0.5
	require.InDelta(t, 0, Compute(tr, c), 1e-9)
}

func TestTerminalTerms(t *testing.T) {
	c := Defaults()

	done := Transition{Action: vocab.SubmitAssignment, ProgressBin: 1, ScoreBin: 1, ClusterStrength: registry.StrengthMedium, Terminal: TerminalCompleted}
	require.InDelta(t, c.TerminalBonus, Compute(done, c), 1e-9)

	// A stuck termination with no progress carries exactly the penalty.
	stuck := Transition{Action: vocab.AttemptQuiz, ProgressBin: 0.25, ScoreBin: 0.25, ClusterStrength: registry.StrengthMedium, Terminal: TerminalStuck}
	require.InDelta(t, -c.StuckPenalty, Compute(stuck, c), 1e-9)
}

func TestHashChangesWithCoefficients(t *testing.T) {
	a := Defaults()
	b := Defaults()
	require.Equal(t, a.Hash(), b.Hash())

	b.LOBonus = 4
	require.NotEqual(t, a.Hash(), b.Hash())
}
