package state

import (
	"github.com/antigravity-dev/stempath/internal/registry"
)

// Thresholds configures the engagement bucket boundaries.
type Thresholds struct {
	EngagementMedium float64 // scores at or above enter Medium (default 8)
	EngagementHigh   float64 // scores at or above enter High (default 16)
}

// DefaultThresholds returns the spec defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{EngagementMedium: 8, EngagementHigh: 16}
}

// Bucket maps an engagement score into its bucket.
func (t Thresholds) Bucket(score float64) Engagement {
	switch {
	case score >= t.EngagementHigh:
		return EngagementHigh
	case score >= t.EngagementMedium:
		return EngagementMedium
	default:
		return EngagementLow
	}
}

// Builder derives states from summaries and the run registries.
type Builder struct {
	registries     *registry.Context
	thresholds     Thresholds
	defaultCluster *int
	excluded       map[int]struct{}
}

// NewBuilder constructs a state builder. defaultCluster may be nil, in which
// case learners missing from the CPR produce no state.
func NewBuilder(registries *registry.Context, thresholds Thresholds, defaultCluster *int) *Builder {
	if thresholds.EngagementHigh <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Builder{registries: registries, thresholds: thresholds, defaultCluster: defaultCluster}
}

// WithExcludedClusters drops additional cluster ids on top of the CPR's own
// exclusion flags.
func (b *Builder) WithExcludedClusters(ids []int) *Builder {
	if len(ids) == 0 {
		return b
	}
	b.excluded = make(map[int]struct{}, len(ids))
	for _, id := range ids {
		b.excluded[id] = struct{}{}
	}
	return b
}

// Build derives the 6-D state for a summary. The boolean result is false when
// the input yields no state: excluded or unknown cluster, unknown module, or
// zero progress without real activity. Build never panics across the boundary
// and has no hidden randomness: equal inputs produce equal states.
func (b *Builder) Build(s Summary) (State, bool) {
	snap := b.registries.Snapshot()

	cluster, ok := snap.CPR.ClusterFor(s.LearnerID, b.defaultCluster)
	if !ok {
		return State{}, false
	}
	if _, drop := b.excluded[cluster.ID]; drop {
		return State{}, false
	}
	moduleIdx, err := snap.CSR.ModuleIndex(s.ModuleID)
	if err != nil {
		return State{}, false
	}
	if s.Progress <= 0 && !s.HasActivity() {
		return State{}, false
	}

	return State{
		Cluster:     cluster.ID,
		ModuleIdx:   moduleIdx,
		ProgressBin: QuantizeQuarter(s.Progress),
		ScoreBin:    QuantizeQuarter(s.AvgScore),
		Phase:       s.PhaseOf(),
		Engagement:  b.thresholds.Bucket(s.EngagementScore()),
	}, true
}
