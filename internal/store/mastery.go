package store

import (
	"fmt"
	"strings"
	"time"
)

// Mastery is a learner's LO mastery map.
type Mastery map[string]float64

// POProgress derives programme-outcome progress as the mean mastery over the
// LOs of each PO. LO ids follow the "<PO>.<n>" convention; ids without a dot
// form their own group.
func (m Mastery) POProgress() map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for lo, v := range m {
		po := lo
		if i := strings.LastIndex(lo, "."); i > 0 {
			po = lo[:i]
		}
		sums[po] += v
		counts[po]++
	}
	out := make(map[string]float64, len(sums))
	for po, sum := range sums {
		out[po] = sum / float64(counts[po])
	}
	return out
}

// GetMastery returns a learner's full LO mastery map.
func (s *Store) GetMastery(learnerID int) (Mastery, error) {
	rows, err := s.db.Query(
		`SELECT lo_id, mastery FROM lo_mastery WHERE learner_id = ?`, learnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query mastery: %w", err)
	}
	defer rows.Close()

	m := make(Mastery)
	for rows.Next() {
		var lo string
		var v float64
		if err := rows.Scan(&lo, &v); err != nil {
			return nil, fmt.Errorf("store: scan mastery: %w", err)
		}
		m[lo] = v
	}
	return m, rows.Err()
}

// ApplyMastery merges new mastery observations. Mastery is monotonic
// non-decreasing: a lower observation never overwrites a higher stored value.
func (s *Store) ApplyMastery(learnerID int, updates Mastery) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin mastery update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	for lo, v := range updates {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO lo_mastery (learner_id, lo_id, mastery, updated_ts) VALUES (?, ?, ?, ?)
			 ON CONFLICT(learner_id, lo_id) DO UPDATE SET
			   mastery = MAX(mastery, excluded.mastery),
			   updated_ts = excluded.updated_ts`,
			learnerID, lo, v, now,
		); err != nil {
			return fmt.Errorf("store: apply mastery %s: %w", lo, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit mastery update: %w", err)
	}
	return nil
}

// ResetMastery drops all mastery rows for a learner. Only an explicit re-sync
// calls this.
func (s *Store) ResetMastery(learnerID int) error {
	if _, err := s.db.Exec(`DELETE FROM lo_mastery WHERE learner_id = ?`, learnerID); err != nil {
		return fmt.Errorf("store: reset mastery: %w", err)
	}
	return nil
}
