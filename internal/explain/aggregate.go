package explain

import (
	"fmt"
	"sort"

	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// FeatureImportance is the mean absolute attribution of one feature.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	MeanAbsPhi float64 `json:"mean_abs_phi"`
}

// Report aggregates attributions over a sampled set of states for offline
// reporting. It carries no learner identifiers.
type Report struct {
	PolicyVersion string                      `json:"policy_version"`
	Action        vocab.Action                `json:"action"`
	States        int                         `json:"states"`
	Overall       []FeatureImportance         `json:"overall"`
	PerCluster    map[int][]FeatureImportance `json:"per_cluster"`
}

// Aggregate explains every sampled state for one action and reports the mean
// absolute attribution per feature, overall and per cluster. Top features
// come first.
func (e *Explainer) Aggregate(states []state.State, a vocab.Action) (Report, error) {
	if len(states) == 0 {
		return Report{}, fmt.Errorf("explain: aggregate over empty state sample")
	}

	names := state.FeatureNames()
	overall := make([]float64, numFeatures)
	perCluster := make(map[int][]float64)
	counts := make(map[int]int)

	for _, s := range states {
		attr, err := e.Explain(s, a)
		if err != nil {
			return Report{}, err
		}
		cl := perCluster[s.Cluster]
		if cl == nil {
			cl = make([]float64, numFeatures)
			perCluster[s.Cluster] = cl
		}
		counts[s.Cluster]++
		for i, f := range attr.Features {
			overall[i] += abs(f.Phi)
			cl[i] += abs(f.Phi)
		}
	}

	report := Report{
		PolicyVersion: e.Version(),
		Action:        a,
		States:        len(states),
		PerCluster:    make(map[int][]FeatureImportance, len(perCluster)),
	}
	report.Overall = rankImportance(names, overall, float64(len(states)))
	for cluster, sums := range perCluster {
		report.PerCluster[cluster] = rankImportance(names, sums, float64(counts[cluster]))
	}
	return report, nil
}

func rankImportance(names []string, sums []float64, n float64) []FeatureImportance {
	out := make([]FeatureImportance, len(sums))
	for i := range sums {
		out[i] = FeatureImportance{Feature: names[i], MeanAbsPhi: sums[i] / n}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MeanAbsPhi > out[j].MeanAbsPhi })
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
