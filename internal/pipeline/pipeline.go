// Package pipeline wires enrichment, state building, and persistence into the
// batch ingest path. Per-event errors are isolated and counted; they never
// abort a batch.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antigravity-dev/stempath/internal/enrich"
	"github.com/antigravity-dev/stempath/internal/events"
	"github.com/antigravity-dev/stempath/internal/metrics"
	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/store"
)

// Result is the batch outcome the CLI reports. Failed counts events rejected
// outright and (learner, module) pairs whose state build or write failed;
// Skipped counts per-module drops inside course-level fan-out;
// NoState counts summaries that legitimately built no state.
type Result struct {
	Built     int `json:"built"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	NoState   int `json:"no_state"`
}

// Partial reports whether any isolated error occurred even though the batch
// produced results.
func (r Result) Partial() bool {
	return r.Skipped > 0 || r.Failed > 0
}

// Runner executes the ingest pipeline over a shared store.
type Runner struct {
	enricher   *enrich.Enricher
	builder    *state.Builder
	store      *store.Store
	registries *registry.Context
	window     int
	workers    int
	logger     *slog.Logger
}

// NewRunner assembles the ingest pipeline.
func NewRunner(enricher *enrich.Enricher, builder *state.Builder, st *store.Store, registries *registry.Context, recentWindow, workers int, logger *slog.Logger) *Runner {
	if recentWindow <= 0 {
		recentWindow = state.DefaultRecentWindow
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		enricher:   enricher,
		builder:    builder,
		store:      st,
		registries: registries,
		window:     recentWindow,
		workers:    workers,
		logger:     logger,
	}
}

// BuildStates runs a raw-event batch through enrichment, summary aggregation,
// state building, and the store. Writers to different (learner, module) pairs
// run in parallel; the store serializes writers of the same pair.
func (r *Runner) BuildStates(ctx context.Context, raws []events.RawEvent) (Result, error) {
	var res Result

	prior := func(learnerID, moduleID int) float64 {
		stored, err := r.store.EventsFor(learnerID, moduleID)
		if err != nil || len(stored) == 0 {
			return 0
		}
		return state.BuildSummary(stored, r.window).Progress
	}

	var enriched []events.LogEvent
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("pipeline: build states: %w", err)
		}
		out, err := r.enricher.Enrich(ctx, raw, prior)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("pipeline: build states: %w", ctx.Err())
			}
			res.Failed++
			metrics.EventsSkipped.WithLabelValues("malformed").Inc()
			r.logger.Warn("event rejected", "learner", raw.LearnerID, "action", raw.Action, "error", err)
			continue
		}
		res.Skipped += out.Skipped
		if out.Skipped > 0 {
			metrics.EventsSkipped.WithLabelValues("lms_unavailable").Add(float64(out.Skipped))
		}
		enriched = append(enriched, out.Events...)
	}
	metrics.EventsEnriched.Add(float64(len(enriched)))

	if err := r.store.AppendEvents(enriched); err != nil {
		return res, fmt.Errorf("pipeline: persist events: %w", err)
	}

	groups := groupByPair(enriched)
	keys := make([]events.Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].LearnerID != keys[j].LearnerID {
			return keys[i].LearnerID < keys[j].LearnerID
		}
		return keys[i].ModuleID < keys[j].ModuleID
	})

	outcomes := make([]pairOutcome, len(keys))

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key events.Key) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			o, err := r.processPair(key)
			if err != nil {
				outcomes[i].failed = 1
				r.logger.Warn("state build failed",
					"learner", key.LearnerID, "module", key.ModuleID, "error", err)
				return
			}
			outcomes[i] = o
		}(i, key)
	}
	wg.Wait()

	for _, o := range outcomes {
		res.Built += o.built
		res.Unchanged += o.unchanged
		res.NoState += o.noState
		res.Failed += o.failed
	}
	metrics.StatesBuilt.Add(float64(res.Built))
	return res, nil
}

type pairOutcome struct {
	built, unchanged, noState, failed int
}

// processPair recomputes the summary for one (learner, module) stream from
// the full stored event set, builds the state, and upserts it. An unchanged
// state skips the write so replaying a batch leaves the history untouched.
func (r *Runner) processPair(key events.Key) (o pairOutcome, err error) {
	stored, err := r.store.EventsFor(key.LearnerID, key.ModuleID)
	if err != nil {
		return o, err
	}
	sum := state.BuildSummary(stored, r.window)

	st, ok := r.builder.Build(sum)
	if !ok {
		o.noState = 1
		return o, nil
	}

	cur, err := r.store.GetCurrent(key.LearnerID, key.ModuleID)
	if err != nil {
		return o, err
	}
	if cur != nil && cur.State == st {
		o.unchanged = 1
		return o, nil
	}

	if err := r.store.UpsertCurrent(store.StateRow{
		LearnerID: key.LearnerID,
		ModuleID:  key.ModuleID,
		State:     st,
		Metadata: map[string]any{
			"window_start": sum.WindowStart,
			"window_end":   sum.WindowEnd,
			"course_id":    sum.CourseID,
		},
		WriteTS: time.Now(),
	}); err != nil {
		return o, err
	}

	if err := r.applyMastery(key, stored); err != nil {
		return o, err
	}
	o.built = 1
	return o, nil
}

// applyMastery folds successful scored attempts into the learner's LO
// mastery via the module's LOs. The store keeps mastery monotonic.
func (r *Runner) applyMastery(key events.Key, evts []events.LogEvent) error {
	mod, err := r.registries.Snapshot().CSR.Module(key.ModuleID)
	if err != nil || len(mod.LOs) == 0 {
		// Unknown modules were already filtered by the builder.
		return nil
	}

	best := -1.0
	for _, ev := range evts {
		if ev.Success != nil && *ev.Success && ev.Score != nil && *ev.Score > best {
			best = *ev.Score
		}
	}
	if best < 0 {
		return nil
	}

	updates := make(store.Mastery, len(mod.LOs))
	for _, lo := range mod.LOs {
		updates[lo] = best
	}
	return r.store.ApplyMastery(key.LearnerID, updates)
}

func groupByPair(evts []events.LogEvent) map[events.Key][]events.LogEvent {
	groups := make(map[events.Key][]events.LogEvent)
	for _, ev := range evts {
		key, ok := ev.StreamKey()
		if !ok {
			continue
		}
		groups[key] = append(groups[key], ev)
	}
	return groups
}
