// Package state builds the 6-D discrete learner state from aggregated
// activity summaries and the run registries.
package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase is the learning phase dimension.
type Phase int

const (
	PhasePre Phase = iota
	PhaseActive
	PhaseReflective
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseReflective:
		return "reflective"
	default:
		return "pre"
	}
}

// Engagement is the engagement dimension.
type Engagement int

const (
	EngagementLow Engagement = iota
	EngagementMedium
	EngagementHigh
)

func (e Engagement) String() string {
	switch e {
	case EngagementMedium:
		return "medium"
	case EngagementHigh:
		return "high"
	default:
		return "low"
	}
}

// State is the 6-tuple fed to the policy. Progress and score bins are stored
// as their quarter values. Two states are equal iff the tuples are equal.
type State struct {
	Cluster     int
	ModuleIdx   int
	ProgressBin float64
	ScoreBin    float64
	Phase       Phase
	Engagement  Engagement
}

// Key returns the canonical encoding used as the Q-table index and in
// serialized policy artifacts.
func (s State) Key() string {
	return fmt.Sprintf("%d|%d|%.2f|%.2f|%d|%d",
		s.Cluster, s.ModuleIdx, s.ProgressBin, s.ScoreBin, s.Phase, s.Engagement)
}

// ParseKey decodes a canonical state key.
func ParseKey(key string) (State, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 6 {
		return State{}, fmt.Errorf("state: malformed key %q", key)
	}
	var s State
	var err error
	if s.Cluster, err = strconv.Atoi(parts[0]); err != nil {
		return State{}, fmt.Errorf("state: malformed key %q: %w", key, err)
	}
	if s.ModuleIdx, err = strconv.Atoi(parts[1]); err != nil {
		return State{}, fmt.Errorf("state: malformed key %q: %w", key, err)
	}
	if s.ProgressBin, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return State{}, fmt.Errorf("state: malformed key %q: %w", key, err)
	}
	if s.ScoreBin, err = strconv.ParseFloat(parts[3], 64); err != nil {
		return State{}, fmt.Errorf("state: malformed key %q: %w", key, err)
	}
	phase, err := strconv.Atoi(parts[4])
	if err != nil {
		return State{}, fmt.Errorf("state: malformed key %q: %w", key, err)
	}
	s.Phase = Phase(phase)
	eng, err := strconv.Atoi(parts[5])
	if err != nil {
		return State{}, fmt.Errorf("state: malformed key %q: %w", key, err)
	}
	s.Engagement = Engagement(eng)
	return s, nil
}

// Hamming counts the differing dimensions between two states.
func (s State) Hamming(o State) int {
	d := 0
	if s.Cluster != o.Cluster {
		d++
	}
	if s.ModuleIdx != o.ModuleIdx {
		d++
	}
	if s.ProgressBin != o.ProgressBin {
		d++
	}
	if s.ScoreBin != o.ScoreBin {
		d++
	}
	if s.Phase != o.Phase {
		d++
	}
	if s.Engagement != o.Engagement {
		d++
	}
	return d
}

// QuantizeQuarter maps a value in [0,1] to the ceiling quarter bin
// {0.25, 0.5, 0.75, 1.0}. Values at or below zero map to 0.25.
func QuantizeQuarter(v float64) float64 {
	switch {
	case v <= 0.25:
		return 0.25
	case v <= 0.5:
		return 0.5
	case v <= 0.75:
		return 0.75
	default:
		return 1.0
	}
}

// FeatureNames lists the state dimensions in canonical order, used by the
// explainer and rationale payloads.
func FeatureNames() []string {
	return []string{"cluster", "module_idx", "progress_bin", "score_bin", "phase", "engagement"}
}

// Features returns the state as a vector in FeatureNames order.
func (s State) Features() []float64 {
	return []float64{
		float64(s.Cluster),
		float64(s.ModuleIdx),
		s.ProgressBin,
		s.ScoreBin,
		float64(s.Phase),
		float64(s.Engagement),
	}
}

// FromFeatures rebuilds a state from a feature vector in FeatureNames order.
func FromFeatures(f []float64) (State, error) {
	if len(f) != 6 {
		return State{}, fmt.Errorf("state: feature vector length %d, want 6", len(f))
	}
	return State{
		Cluster:     int(f[0]),
		ModuleIdx:   int(f[1]),
		ProgressBin: f[2],
		ScoreBin:    f[3],
		Phase:       Phase(int(f[4])),
		Engagement:  Engagement(int(f[5])),
	}, nil
}
