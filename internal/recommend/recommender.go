// Package recommend queries a published policy snapshot for the next
// pedagogical action and resolves it to a concrete activity through the
// course structure and the learner's LO-mastery gaps.
package recommend

import (
	"sort"

	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/store"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// Config tunes recommendation behavior.
type Config struct {
	TopK            int
	FallbackPenalty float64
	LOThreshold     float64
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.LOThreshold <= 0 {
		c.LOThreshold = 0.5
	}
	return c
}

// RankedAction is one action with its Q-value.
type RankedAction struct {
	Action vocab.Action `json:"action"`
	QValue float64      `json:"q_value"`
}

// RationaleFeature is one signed per-feature contribution to the chosen
// action's score, filled in by the explainer at the serving boundary.
type RationaleFeature struct {
	Feature string  `json:"feature"`
	Phi     float64 `json:"phi"`
}

// Recommendation is the full response for one state.
type Recommendation struct {
	State            state.State    `json:"state"`
	PolicyVersion    string         `json:"policy_version"`
	Ranked           []RankedAction `json:"ranked_actions"`
	ChosenActivityID int            `json:"chosen_activity_id"`
	Fallback         bool           `json:"fallback"`
	FallbackState    string         `json:"fallback_state,omitempty"`
	Rationale        []RationaleFeature `json:"rationale,omitempty"`
	// NoRecommendation is set instead of an error when no policy knowledge
	// applies; the response stays well-formed.
	NoRecommendation bool `json:"no_recommendation,omitempty"`
}

// Recommender is a deterministic, read-only view over one policy snapshot.
type Recommender struct {
	snap       *qlearn.Snapshot
	registries *registry.Context
	cfg        Config
}

// New builds a recommender bound to one policy snapshot. snap may be nil when
// no policy is published; every request then yields a no-recommendation
// response rather than an error.
func New(snap *qlearn.Snapshot, registries *registry.Context, cfg Config) *Recommender {
	return &Recommender{snap: snap, registries: registries, cfg: cfg.withDefaults()}
}

// Recommend ranks actions for a state and resolves the top action to an
// activity. The result is deterministic given the state, the snapshot, and
// the mastery map.
func (r *Recommender) Recommend(courseID int, s state.State, mastery store.Mastery) Recommendation {
	rec := Recommendation{State: s}
	if r.snap == nil {
		rec.NoRecommendation = true
		return rec
	}
	rec.PolicyVersion = r.snap.Version()

	row, ok := r.snap.Q(s)
	penalty := 0.0
	if !ok {
		nearest, found := r.nearestState(s)
		if !found {
			rec.NoRecommendation = true
			return rec
		}
		row, _ = r.snap.Q(nearest)
		penalty = r.cfg.FallbackPenalty
		rec.Fallback = true
		rec.FallbackState = nearest.Key()
	}

	rec.Ranked = rankActions(row, penalty, r.cfg.TopK)
	if len(rec.Ranked) == 0 {
		rec.NoRecommendation = true
		return rec
	}

	rec.ChosenActivityID = r.resolveActivity(courseID, s.ModuleIdx, rec.Ranked[0].Action, mastery)
	return rec
}

// nearestState finds the known state with minimal Hamming distance over the
// six dimensions. Ties break toward the lower module index, then the higher
// cluster id, then the lexicographically smaller key so the result is total.
func (r *Recommender) nearestState(s state.State) (state.State, bool) {
	candidates := r.snap.States()
	if len(candidates) == 0 {
		return state.State{}, false
	}
	best := candidates[0]
	bestD := s.Hamming(best)
	for _, c := range candidates[1:] {
		d := s.Hamming(c)
		switch {
		case d < bestD:
			best, bestD = c, d
		case d == bestD:
			if c.ModuleIdx < best.ModuleIdx ||
				(c.ModuleIdx == best.ModuleIdx && c.Cluster > best.Cluster) ||
				(c.ModuleIdx == best.ModuleIdx && c.Cluster == best.Cluster && c.Key() < best.Key()) {
				best = c
			}
		}
	}
	return best, true
}

func rankActions(row map[vocab.Action]float64, penalty float64, topK int) []RankedAction {
	ranked := make([]RankedAction, 0, len(row))
	for _, a := range vocab.Actions() {
		if v, ok := row[a]; ok {
			ranked = append(ranked, RankedAction{Action: a, QValue: v - penalty})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].QValue > ranked[j].QValue })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

// resolveActivity picks the concrete activity for the chosen action: among
// the activities the CSR associates with the action at the current module
// slot, the one whose below-threshold LOs leave the largest mastery gap wins;
// ties resolve by course ordering. When the current slot offers nothing for
// the action, resolution widens to the whole course.
func (r *Recommender) resolveActivity(courseID, moduleIdx int, action vocab.Action, mastery store.Mastery) int {
	snap := r.registries.Snapshot()
	all := snap.CSR.ActivitiesFor(courseID, action)
	if len(all) == 0 {
		return 0
	}

	var candidates []registry.Module
	for _, m := range all {
		if m.Index == moduleIdx {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		candidates = all
	}

	best := candidates[0]
	bestGap := r.masteryGap(best, mastery)
	for _, m := range candidates[1:] {
		if gap := r.masteryGap(m, mastery); gap > bestGap {
			best, bestGap = m, gap
		}
	}
	return best.ID
}

// masteryGap sums (threshold − mastery) over the activity's LOs that sit
// below the threshold.
func (r *Recommender) masteryGap(m registry.Module, mastery store.Mastery) float64 {
	gap := 0.0
	for _, lo := range m.LOs {
		v, ok := mastery[lo]
		if !ok {
			v = 0
		}
		if v < r.cfg.LOThreshold {
			gap += r.cfg.LOThreshold - v
		}
	}
	return gap
}
