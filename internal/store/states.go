package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antigravity-dev/stempath/internal/state"
)

// ErrConflict marks a state write that failed again on its single retry.
var ErrConflict = errors.New("store: write conflict")

// StateRow is a persisted state for one (learner, module) pair.
type StateRow struct {
	LearnerID int
	ModuleID  int
	State     state.State
	Metadata  map[string]any
	WriteTS   time.Time
}

const stateCols = `learner_id, module_id, cluster, module_idx, progress_bin, score_bin, phase, engagement, metadata, write_ts`

// UpsertCurrent replaces the current state row for the pair and appends an
// immutable history row, in one transaction. The per-pair write timestamp is
// forced monotonic: a write landing at or before the latest history entry is
// stamped one tick after it.
func (s *Store) UpsertCurrent(row StateRow) error {
	lock := s.pairLock(row.LearnerID, row.ModuleID)
	lock.Lock()
	defer lock.Unlock()

	err := s.upsertCurrentTx(row)
	if err == nil {
		return nil
	}
	// A single retry covers transient lock conflicts; a second failure is
	// surfaced to the caller.
	if retryErr := s.upsertCurrentTx(row); retryErr != nil {
		return fmt.Errorf("%w: %v", ErrConflict, retryErr)
	}
	return nil
}

func (s *Store) upsertCurrentTx(row StateRow) error {
	meta, err := encodeMetadata(row.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin upsert: %w", err)
	}
	defer tx.Rollback()

	writeTS := row.WriteTS
	if writeTS.IsZero() {
		writeTS = time.Now()
	}
	ts := writeTS.UTC().UnixNano()

	var lastTS sql.NullInt64
	err = tx.QueryRow(
		`SELECT MAX(write_ts) FROM states_history WHERE learner_id = ? AND module_id = ?`,
		row.LearnerID, row.ModuleID,
	).Scan(&lastTS)
	if err != nil {
		return fmt.Errorf("store: read last write ts: %w", err)
	}
	if lastTS.Valid && ts <= lastTS.Int64 {
		ts = lastTS.Int64 + 1
	}

	st := row.State
	_, err = tx.Exec(
		`INSERT INTO states_current (`+stateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(learner_id, module_id) DO UPDATE SET
		   cluster=excluded.cluster,
		   module_idx=excluded.module_idx,
		   progress_bin=excluded.progress_bin,
		   score_bin=excluded.score_bin,
		   phase=excluded.phase,
		   engagement=excluded.engagement,
		   metadata=excluded.metadata,
		   write_ts=excluded.write_ts`,
		row.LearnerID, row.ModuleID, st.Cluster, st.ModuleIdx, st.ProgressBin, st.ScoreBin,
		int(st.Phase), int(st.Engagement), meta, ts,
	)
	if err != nil {
		return fmt.Errorf("store: upsert current: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO states_history (`+stateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.LearnerID, row.ModuleID, st.Cluster, st.ModuleIdx, st.ProgressBin, st.ScoreBin,
		int(st.Phase), int(st.Engagement), meta, ts,
	)
	if err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit upsert: %w", err)
	}
	return nil
}

// BatchUpsert writes all rows in one transaction with all-or-none semantics.
// History timestamps stay monotonic per pair within and across batches.
func (s *Store) BatchUpsert(rows []StateRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin batch upsert: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		meta, err := encodeMetadata(row.Metadata)
		if err != nil {
			return err
		}
		writeTS := row.WriteTS
		if writeTS.IsZero() {
			writeTS = time.Now()
		}
		ts := writeTS.UTC().UnixNano()

		var lastTS sql.NullInt64
		if err := tx.QueryRow(
			`SELECT MAX(write_ts) FROM states_history WHERE learner_id = ? AND module_id = ?`,
			row.LearnerID, row.ModuleID,
		).Scan(&lastTS); err != nil {
			return fmt.Errorf("store: read last write ts: %w", err)
		}
		if lastTS.Valid && ts <= lastTS.Int64 {
			ts = lastTS.Int64 + 1
		}

		st := row.State
		if _, err := tx.Exec(
			`INSERT INTO states_current (`+stateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(learner_id, module_id) DO UPDATE SET
			   cluster=excluded.cluster,
			   module_idx=excluded.module_idx,
			   progress_bin=excluded.progress_bin,
			   score_bin=excluded.score_bin,
			   phase=excluded.phase,
			   engagement=excluded.engagement,
			   metadata=excluded.metadata,
			   write_ts=excluded.write_ts`,
			row.LearnerID, row.ModuleID, st.Cluster, st.ModuleIdx, st.ProgressBin, st.ScoreBin,
			int(st.Phase), int(st.Engagement), meta, ts,
		); err != nil {
			return fmt.Errorf("store: batch upsert current: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO states_history (`+stateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.LearnerID, row.ModuleID, st.Cluster, st.ModuleIdx, st.ProgressBin, st.ScoreBin,
			int(st.Phase), int(st.Engagement), meta, ts,
		); err != nil {
			return fmt.Errorf("store: batch append history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch upsert: %w", err)
	}
	return nil
}

// GetCurrent returns the current state row for a pair, or nil when none exists.
func (s *Store) GetCurrent(learnerID, moduleID int) (*StateRow, error) {
	rows, err := s.queryStates(
		`SELECT `+stateCols+` FROM states_current WHERE learner_id = ? AND module_id = ?`,
		learnerID, moduleID,
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListByLearner returns all current state rows for a learner in module order.
func (s *Store) ListByLearner(learnerID int) ([]StateRow, error) {
	return s.queryStates(
		`SELECT `+stateCols+` FROM states_current WHERE learner_id = ? ORDER BY module_idx ASC`,
		learnerID,
	)
}

// History returns the history rows of a pair within [from, to], ordered by
// write timestamp ascending.
func (s *Store) History(learnerID, moduleID int, from, to time.Time) ([]StateRow, error) {
	return s.queryStates(
		`SELECT `+stateCols+` FROM states_history
		 WHERE learner_id = ? AND module_id = ? AND write_ts >= ? AND write_ts <= ?
		 ORDER BY write_ts ASC`,
		learnerID, moduleID, from.UTC().UnixNano(), to.UTC().UnixNano(),
	)
}

// HistoryCount returns the number of history rows for a pair.
func (s *Store) HistoryCount(learnerID, moduleID int) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM states_history WHERE learner_id = ? AND module_id = ?`,
		learnerID, moduleID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count history: %w", err)
	}
	return n, nil
}

// ObservedStates returns up to limit distinct current states, used as the
// explainer's background distribution.
func (s *Store) ObservedStates(limit int) ([]state.State, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT DISTINCT cluster, module_idx, progress_bin, score_bin, phase, engagement
		 FROM states_current LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query observed states: %w", err)
	}
	defer rows.Close()

	var out []state.State
	for rows.Next() {
		var st state.State
		var phase, engagement int
		if err := rows.Scan(&st.Cluster, &st.ModuleIdx, &st.ProgressBin, &st.ScoreBin, &phase, &engagement); err != nil {
			return nil, fmt.Errorf("store: scan observed state: %w", err)
		}
		st.Phase = state.Phase(phase)
		st.Engagement = state.Engagement(engagement)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) queryStates(query string, args ...any) ([]StateRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query states: %w", err)
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		var r StateRow
		var phase, engagement int
		var meta string
		var ts int64
		if err := rows.Scan(
			&r.LearnerID, &r.ModuleID, &r.State.Cluster, &r.State.ModuleIdx,
			&r.State.ProgressBin, &r.State.ScoreBin, &phase, &engagement, &meta, &ts,
		); err != nil {
			return nil, fmt.Errorf("store: scan state: %w", err)
		}
		r.State.Phase = state.Phase(phase)
		r.State.Engagement = state.Engagement(engagement)
		r.WriteTS = time.Unix(0, ts).UTC()
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				return nil, fmt.Errorf("store: decode metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("store: encode metadata: %w", err)
	}
	return string(raw), nil
}
