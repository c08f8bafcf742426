package state

import (
	"sort"
	"time"

	"github.com/antigravity-dev/stempath/internal/events"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// DefaultRecentWindow is the recent-action window size when none is configured.
const DefaultRecentWindow = 10

// TimedAction is one entry of the recent-action window.
type TimedAction struct {
	Action    vocab.Action `json:"action"`
	Timestamp int64        `json:"timestamp"`
}

// Summary is the per-(learner, module) aggregation a state is built from.
// It is recomputed idempotently from the event set covering its window.
type Summary struct {
	LearnerID     int                  `json:"learner_id"`
	ModuleID      int                  `json:"module_id"`
	CourseID      int                  `json:"course_id"`
	Counts        map[vocab.Action]int `json:"counts"`
	AvgScore      float64              `json:"avg_score"`
	Progress      float64              `json:"progress"`
	TotalTime     int64                `json:"total_time"`
	RecentActions []TimedAction        `json:"recent_actions"`
	WindowStart   int64                `json:"window_start"`
	WindowEnd     int64                `json:"window_end"`
}

// BuildSummary aggregates the events of one (learner, module) stream.
// Events are ordered by timestamp before aggregation so the result is a pure
// function of the event set; progress is the running maximum and therefore
// monotonic non-decreasing as the set grows forward in time.
func BuildSummary(evts []events.LogEvent, recentWindow int) Summary {
	if recentWindow <= 0 {
		recentWindow = DefaultRecentWindow
	}

	ordered := make([]events.LogEvent, len(evts))
	copy(ordered, evts)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	var s Summary
	s.Counts = make(map[vocab.Action]int)

	scoreSum, scoreN := 0.0, 0
	for i, ev := range ordered {
		if i == 0 {
			s.LearnerID = ev.LearnerID
			s.CourseID = ev.CourseID
			if ev.ModuleID != nil {
				s.ModuleID = *ev.ModuleID
			}
			s.WindowStart = ev.Timestamp
		}
		s.WindowEnd = ev.Timestamp
		s.Counts[ev.Action]++
		s.TotalTime += ev.TimeSpent
		if ev.Score != nil {
			scoreSum += *ev.Score
			scoreN++
		}
		if ev.Progress != nil && *ev.Progress > s.Progress {
			s.Progress = *ev.Progress
		}
		s.RecentActions = append(s.RecentActions, TimedAction{Action: ev.Action, Timestamp: ev.Timestamp})
	}
	if scoreN > 0 {
		s.AvgScore = scoreSum / float64(scoreN)
	}
	if len(s.RecentActions) > recentWindow {
		s.RecentActions = s.RecentActions[len(s.RecentActions)-recentWindow:]
	}
	return s
}

// HasActivity reports whether the summary records any real learner activity.
// Synthetic progress updates alone do not count.
func (s Summary) HasActivity() bool {
	for a, n := range s.Counts {
		if a == vocab.ProgressUpdated {
			continue
		}
		if n > 0 {
			return true
		}
	}
	return s.TotalTime > 0
}

// EngagementScore is the weighted activity score over the recent window plus
// the time-consistency bonus.
func (s Summary) EngagementScore() float64 {
	sum := 0.0
	for _, ta := range s.RecentActions {
		if e, ok := vocab.Lookup(ta.Action); ok {
			sum += e.EngagementWeight
		}
	}
	return sum + float64(s.consistencyBonus())
}

// consistencyBonus scales the distinct-active-days ratio of the recent window
// into an additive bonus of 0..4.
func (s Summary) consistencyBonus() int {
	if len(s.RecentActions) == 0 {
		return 0
	}
	days := make(map[string]struct{})
	minTS, maxTS := s.RecentActions[0].Timestamp, s.RecentActions[0].Timestamp
	for _, ta := range s.RecentActions {
		days[time.Unix(ta.Timestamp, 0).UTC().Format(time.DateOnly)] = struct{}{}
		if ta.Timestamp < minTS {
			minTS = ta.Timestamp
		}
		if ta.Timestamp > maxTS {
			maxTS = ta.Timestamp
		}
	}
	spanDays := int(time.Unix(maxTS, 0).UTC().Sub(time.Unix(minTS, 0).UTC()).Hours()/24) + 1
	if spanDays < 1 {
		spanDays = 1
	}
	ratio := float64(len(days)) / float64(spanDays)
	if ratio > 1 {
		ratio = 1
	}
	return int(ratio*4 + 0.5)
}

// PhaseOf computes the dominant learning phase of the recent window. Phase
// weights accumulate per class; ties resolve in Pre, Active, Reflective order.
func (s Summary) PhaseOf() Phase {
	var pre, active, reflective float64
	for _, ta := range s.RecentActions {
		e, ok := vocab.Lookup(ta.Action)
		if !ok {
			continue
		}
		switch e.Phase {
		case vocab.PhasePre:
			pre += e.EngagementWeight
		case vocab.PhaseActive:
			active += e.EngagementWeight
		case vocab.PhaseReflective:
			reflective += e.EngagementWeight
		}
	}
	if pre >= active && pre >= reflective {
		return PhasePre
	}
	if active >= reflective {
		return PhaseActive
	}
	return PhaseReflective
}
