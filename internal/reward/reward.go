// Package reward computes the shaped reward for one transition. All
// coefficients live in a single table; changing any of them is a policy
// change, and the table hash recorded in the artifact metadata changes with
// it.
package reward

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// Coefficients is the reward configuration table.
type Coefficients struct {
	ScoreGain        float64 `toml:"score_gain" json:"score_gain"`
	ProgressGain     float64 `toml:"progress_gain" json:"progress_gain"`
	LOBonus          float64 `toml:"lo_bonus" json:"lo_bonus"`
	LOThreshold      float64 `toml:"lo_threshold" json:"lo_threshold"`
	EngagementBonus  float64 `toml:"engagement_bonus" json:"engagement_bonus"`
	CompletionBonus  float64 `toml:"completion_bonus" json:"completion_bonus"`
	TerminalBonus    float64 `toml:"terminal_bonus" json:"terminal_bonus"`
	StuckPenalty     float64 `toml:"stuck_penalty" json:"stuck_penalty"`
	InvalidPenalty   float64 `toml:"invalid_penalty" json:"invalid_penalty"`
	MismatchPenalty  float64 `toml:"mismatch_penalty" json:"mismatch_penalty"`
}

// Defaults returns the default coefficient table.
func Defaults() Coefficients {
	return Coefficients{
		ScoreGain:       10,
		ProgressGain:    5,
		LOBonus:         3,
		LOThreshold:     0.5,
		EngagementBonus: 1,
		CompletionBonus: 5,
		TerminalBonus:   20,
		StuckPenalty:    10,
		InvalidPenalty:  2,
		MismatchPenalty: 2,
	}
}

// Hash fingerprints the coefficient table for artifact metadata.
func (c Coefficients) Hash() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// TerminalKind classifies how an episode ended at this transition, if at all.
type TerminalKind int

const (
	TerminalNone TerminalKind = iota
	TerminalCompleted
	TerminalStuck
	TerminalMaxSteps
)

// Transition carries everything the reward function reads for one step.
type Transition struct {
	Action          vocab.Action
	ClusterStrength registry.Strength

	// Bins of the state the action was taken in, used for structural and
	// appropriateness checks.
	ProgressBin float64
	ScoreBin    float64

	DeltaScore    float64
	DeltaProgress float64
	Success       bool

	// TargetsWeakLO is true when the action resolved to an activity whose
	// LOs are below the mastery threshold.
	TargetsWeakLO bool

	HighEngagement  bool
	ModuleCompleted bool
	Terminal        TerminalKind
}

// Compute returns the total reward for a transition:
// base + LO term + bonus − penalties, plus the terminal term.
func Compute(t Transition, c Coefficients) float64 {
	r := Base(t.DeltaScore, t.DeltaProgress, c)

	if t.TargetsWeakLO && t.Success {
		r += c.LOBonus
	}
	if t.HighEngagement {
		r += c.EngagementBonus
	}
	if t.ModuleCompleted {
		r += c.CompletionBonus
	}
	if StructurallyInvalid(t.Action, t.ProgressBin) {
		r -= c.InvalidPenalty
	}
	if ClusterInappropriate(t.Action, t.ClusterStrength, t.ScoreBin) {
		r -= c.MismatchPenalty
	}

	switch t.Terminal {
	case TerminalCompleted:
		r += c.TerminalBonus
	case TerminalStuck:
		r -= c.StuckPenalty
	}
	return r
}

// Base is the delta-driven component: non-negative and monotonic
// non-decreasing in both deltas.
func Base(deltaScore, deltaProgress float64, c Coefficients) float64 {
	r := 0.0
	if deltaScore > 0 {
		r += c.ScoreGain * deltaScore
	}
	if deltaProgress > 0 {
		r += c.ProgressGain * deltaProgress
	}
	return r
}

// StructurallyInvalid reports whether an action advances past material the
// learner has not reached: reflective review actions require the module to be
// essentially complete.
func StructurallyInvalid(a vocab.Action, progressBin float64) bool {
	switch a {
	case vocab.ReviewQuiz, vocab.ReviewContent, vocab.ViewReport:
		return progressBin < 0.75
	default:
		return false
	}
}

// ClusterInappropriate reports whether an action forces hard material on a
// weak-cluster learner who is still scoring below the midpoint.
func ClusterInappropriate(a vocab.Action, strength registry.Strength, scoreBin float64) bool {
	if strength != registry.StrengthWeak || scoreBin >= 0.5 {
		return false
	}
	switch a {
	case vocab.SubmitAssignment, vocab.DoQuiz:
		return true
	default:
		return false
	}
}
