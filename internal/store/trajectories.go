package store

import (
	"fmt"
)

// TrajectoryRow is one persisted transition of a training or evaluation run.
type TrajectoryRow struct {
	RunID        string
	Episode      int
	Step         int
	StateKey     string
	Action       string
	Reward       float64
	NextStateKey string
	Terminal     bool
}

// AppendTrajectory stores the transitions of one episode in a single
// transaction.
func (s *Store) AppendTrajectory(rows []TrajectoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin append trajectory: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.Exec(
			`INSERT INTO trajectories (run_id, episode, step, state_key, action, reward, next_state_key, terminal)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.Episode, r.Step, r.StateKey, r.Action, r.Reward, r.NextStateKey, r.Terminal,
		); err != nil {
			return fmt.Errorf("store: append trajectory row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append trajectory: %w", err)
	}
	return nil
}

// TrajectoryFor returns all transitions of a run ordered by episode and step.
func (s *Store) TrajectoryFor(runID string) ([]TrajectoryRow, error) {
	rows, err := s.db.Query(
		`SELECT run_id, episode, step, state_key, action, reward, next_state_key, terminal
		 FROM trajectories WHERE run_id = ? ORDER BY episode ASC, step ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query trajectory: %w", err)
	}
	defer rows.Close()

	var out []TrajectoryRow
	for rows.Next() {
		var r TrajectoryRow
		if err := rows.Scan(&r.RunID, &r.Episode, &r.Step, &r.StateKey, &r.Action, &r.Reward, &r.NextStateKey, &r.Terminal); err != nil {
			return nil, fmt.Errorf("store: scan trajectory row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
