// Package enrich turns heterogeneous LMS events into normalized per-module
// events carrying progress, score, and time.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/antigravity-dev/stempath/internal/events"
	"github.com/antigravity-dev/stempath/internal/lms"
	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// ErrMalformedInput marks raw events missing required fields.
var ErrMalformedInput = errors.New("enrich: malformed input event")

// ProgressLookup resolves the progress already recorded for a
// (learner, module) pair, so inferred progress never regresses. Implementations
// return 0 when no summary exists.
type ProgressLookup func(learnerID, moduleID int) float64

// Enricher expands and normalizes raw LMS events.
type Enricher struct {
	registries *registry.Context
	client     lms.Client
	logger     *slog.Logger
}

// New builds an enricher over the run registries and an LMS client.
func New(registries *registry.Context, client lms.Client, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{registries: registries, client: client, logger: logger}
}

// Result is the outcome of enriching one raw event. Skipped counts modules
// dropped by isolated per-module failures during course-level fan-out.
type Result struct {
	Events  []events.LogEvent
	Skipped int
}

// Enrich classifies a raw event and expands it into zero or more normalized
// events. Course-level events fan out to one synthetic event per visible
// module; module events are normalized in place. Unknown action tokens and
// missing required fields are reported as errors; per-module LMS failures
// during fan-out are isolated and only reduce the output count.
func (e *Enricher) Enrich(ctx context.Context, raw events.RawEvent, prior ProgressLookup) (Result, error) {
	if raw.LearnerID <= 0 {
		return Result{}, fmt.Errorf("%w: learner_id missing", ErrMalformedInput)
	}
	if raw.Timestamp <= 0 {
		return Result{}, fmt.Errorf("%w: timestamp missing", ErrMalformedInput)
	}

	if raw.ModuleID == nil && vocab.IsCourseLevel(raw.Action) {
		return e.expandCourseLevel(ctx, raw)
	}

	action, err := vocab.Normalize(raw.Action)
	if err != nil {
		return Result{}, err
	}
	if raw.ModuleID == nil {
		// Module-less non-course events carry no per-module signal.
		return Result{}, fmt.Errorf("%w: action %q without module", ErrMalformedInput, action)
	}

	ev := events.LogEvent{
		LearnerID: raw.LearnerID,
		ModuleID:  raw.ModuleID,
		CourseID:  raw.CourseID,
		Action:    action,
		Timestamp: raw.Timestamp,
		TimeSpent: max64(raw.TimeSpent, 0),
		Success:   raw.Success,
		Metadata:  raw.Metadata,
	}
	if raw.Score != nil {
		s := normalizeScore(*raw.Score, raw.MaxScore)
		ev.Score = &s
	}
	ev.Progress = e.resolveProgress(raw, action, prior)

	if err := ev.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return Result{Events: []events.LogEvent{ev}}, nil
}

// expandCourseLevel queries the LMS for each visible module of the course and
// synthesizes one module_progress_updated event per module. A failed module is
// skipped with a warning; the rest of the fan-out proceeds.
func (e *Enricher) expandCourseLevel(ctx context.Context, raw events.RawEvent) (Result, error) {
	snap := e.registries.Snapshot()
	modules := snap.CSR.VisibleModules(raw.CourseID)

	var res Result
	for _, m := range modules {
		st, err := e.client.ModuleStatus(ctx, raw.LearnerID, m.ID)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("enrich: expand course %d: %w", raw.CourseID, ctx.Err())
			}
			e.logger.Warn("skipping module in course-level fan-out",
				"learner", raw.LearnerID, "course", raw.CourseID, "module", m.ID, "error", err)
			res.Skipped++
			continue
		}

		moduleID := m.ID
		progress := clamp01(st.Progress)
		score := normalizeScore(st.Score, &st.MaxScore)
		res.Events = append(res.Events, events.LogEvent{
			LearnerID: raw.LearnerID,
			ModuleID:  &moduleID,
			CourseID:  raw.CourseID,
			Action:    vocab.ProgressUpdated,
			Timestamp: raw.Timestamp,
			Score:     &score,
			Progress:  &progress,
			TimeSpent: max64(st.TimeSpent, 0),
		})
	}
	return res, nil
}

// resolveProgress keeps explicit progress when present, otherwise infers a
// floor from the action vocabulary, never regressing below the prior summary.
func (e *Enricher) resolveProgress(raw events.RawEvent, action vocab.Action, prior ProgressLookup) *float64 {
	var floor float64
	if prior != nil && raw.ModuleID != nil {
		floor = prior(raw.LearnerID, *raw.ModuleID)
	}

	if raw.Progress != nil {
		p := clamp01(*raw.Progress)
		if p < floor {
			p = floor
		}
		return &p
	}

	entry, _ := vocab.Lookup(action)
	implied := entry.MinProgress
	if implied < floor {
		implied = floor
	}
	if implied == 0 {
		return nil
	}
	return &implied
}

func normalizeScore(score float64, maxScore *float64) float64 {
	if maxScore != nil && *maxScore > 0 {
		return clamp01(score / *maxScore)
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
