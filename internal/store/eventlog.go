package store

import (
	"database/sql"
	"fmt"

	"github.com/antigravity-dev/stempath/internal/events"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// AppendEvents stores a batch of enriched events in one transaction.
func (s *Store) AppendEvents(evts []events.LogEvent) error {
	if len(evts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin append events: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range evts {
		var success any
		if ev.Success != nil {
			success = *ev.Success
		}
		// Replayed events are identical by identity and ignored, keeping
		// downstream summaries idempotent.
		if _, err := tx.Exec(
			`INSERT INTO event_log (learner_id, module_id, course_id, action, timestamp, score, progress, time_spent, success)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			ev.LearnerID, ev.ModuleID, ev.CourseID, string(ev.Action), ev.Timestamp,
			ev.Score, ev.Progress, ev.TimeSpent, success,
		); err != nil {
			return fmt.Errorf("store: append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append events: %w", err)
	}
	return nil
}

// EventsFor returns all stored events of one (learner, module) stream in
// timestamp order.
func (s *Store) EventsFor(learnerID, moduleID int) ([]events.LogEvent, error) {
	rows, err := s.db.Query(
		`SELECT learner_id, module_id, course_id, action, timestamp, score, progress, time_spent, success
		 FROM event_log WHERE learner_id = ? AND module_id = ? ORDER BY timestamp ASC, id ASC`,
		learnerID, moduleID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var out []events.LogEvent
	for rows.Next() {
		var ev events.LogEvent
		var moduleID sql.NullInt64
		var action string
		var score, progress sql.NullFloat64
		var success sql.NullBool
		if err := rows.Scan(
			&ev.LearnerID, &moduleID, &ev.CourseID, &action, &ev.Timestamp,
			&score, &progress, &ev.TimeSpent, &success,
		); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Action = vocab.Action(action)
		if moduleID.Valid {
			m := int(moduleID.Int64)
			ev.ModuleID = &m
		}
		if score.Valid {
			v := score.Float64
			ev.Score = &v
		}
		if progress.Valid {
			v := progress.Float64
			ev.Progress = &v
		}
		if success.Valid {
			v := success.Bool
			ev.Success = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
