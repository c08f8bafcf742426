// Package events defines the normalized learner event and batch ingest parsing.
package events

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/antigravity-dev/stempath/internal/vocab"
)

// LogEvent is one normalized learner activity event. Raw LMS events are
// converted to this shape by the enricher; events are immutable once created.
type LogEvent struct {
	LearnerID int          `json:"learner_id"`
	ModuleID  *int         `json:"module_id"`
	CourseID  int          `json:"course_id"`
	Action    vocab.Action `json:"action"`
	Timestamp int64        `json:"timestamp"`
	Score     *float64     `json:"score,omitempty"`
	Progress  *float64     `json:"progress,omitempty"`
	TimeSpent int64        `json:"time_spent"`
	Success   *bool        `json:"success,omitempty"`
	ClusterID *int         `json:"cluster_id,omitempty"`
	// Metadata may carry extra fields from the source system. It never
	// changes event semantics.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RawEvent is an event as received from the LMS, before normalization.
// Action is the raw token; module may be absent for course-level events.
type RawEvent struct {
	LearnerID int            `json:"learner_id"`
	ModuleID  *int           `json:"module_id"`
	CourseID  int            `json:"course_id"`
	Action    string         `json:"action"`
	Timestamp int64          `json:"timestamp"`
	Score     *float64       `json:"score,omitempty"`
	MaxScore  *float64       `json:"max_score,omitempty"`
	Progress  *float64       `json:"progress,omitempty"`
	TimeSpent int64          `json:"time_spent"`
	Success   *bool          `json:"success,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks the required fields of a normalized event.
func (e LogEvent) Validate() error {
	if e.LearnerID <= 0 {
		return fmt.Errorf("events: learner_id must be positive, got %d", e.LearnerID)
	}
	if !vocab.Valid(e.Action) {
		return fmt.Errorf("events: action %q outside vocabulary", e.Action)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("events: timestamp must be positive, got %d", e.Timestamp)
	}
	if e.Score != nil && (*e.Score < 0 || *e.Score > 1) {
		return fmt.Errorf("events: score %v outside [0,1]", *e.Score)
	}
	if e.Progress != nil && (*e.Progress < 0 || *e.Progress > 1) {
		return fmt.Errorf("events: progress %v outside [0,1]", *e.Progress)
	}
	if e.TimeSpent < 0 {
		return fmt.Errorf("events: time_spent %d negative", e.TimeSpent)
	}
	return nil
}

// Key identifies the (learner, module) stream an event belongs to.
type Key struct {
	LearnerID int
	ModuleID  int
}

// StreamKey returns the event's stream key. The second return is false for
// events that carry no module.
func (e LogEvent) StreamKey() (Key, bool) {
	if e.ModuleID == nil {
		return Key{}, false
	}
	return Key{LearnerID: e.LearnerID, ModuleID: *e.ModuleID}, true
}

// ReadRawBatch decodes a JSON array of raw events from r.
func ReadRawBatch(r io.Reader) ([]RawEvent, error) {
	var batch []RawEvent
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("events: decode raw batch: %w", err)
	}
	return batch, nil
}
