// Package qlearn implements the tabular Q-function, the training loop, and
// the immutable policy artifact it publishes.
package qlearn

import (
	"errors"
	"fmt"
	"math"

	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// ErrNumerical marks NaN or Inf values entering the Q update.
var ErrNumerical = errors.New("qlearn: numerical error")

// QTable is the tabular action-value function. It has a single owner during
// training; serving reads published snapshots instead.
type QTable struct {
	values map[state.State]map[vocab.Action]float64
}

// NewQTable returns an empty table. Unseen entries read as 0.
func NewQTable() *QTable {
	return &QTable{values: make(map[state.State]map[vocab.Action]float64)}
}

// Get returns Q(s,a), defaulting to 0 for unseen entries.
func (q *QTable) Get(s state.State, a vocab.Action) float64 {
	return q.values[s][a]
}

// Row returns a copy of the action-value row for s; ok is false when the
// state has never been updated.
func (q *QTable) Row(s state.State) (map[vocab.Action]float64, bool) {
	row, ok := q.values[s]
	if !ok {
		return nil, false
	}
	out := make(map[vocab.Action]float64, len(row))
	for a, v := range row {
		out[a] = v
	}
	return out, true
}

// Best returns the greedy action for s with its value. Ties resolve in the
// fixed vocabulary order; ok is false for unseen states.
func (q *QTable) Best(s state.State) (vocab.Action, float64, bool) {
	row, ok := q.values[s]
	if !ok || len(row) == 0 {
		return "", 0, false
	}
	var best vocab.Action
	bestV := math.Inf(-1)
	for _, a := range vocab.Actions() {
		if v, ok := row[a]; ok && v > bestV {
			best, bestV = a, v
		}
	}
	return best, bestV, true
}

// MaxValue returns max over actions of Q(s,·), 0 for unseen states.
func (q *QTable) MaxValue(s state.State) float64 {
	row, ok := q.values[s]
	if !ok {
		return 0
	}
	best := math.Inf(-1)
	for _, v := range row {
		if v > best {
			best = v
		}
	}
	if math.IsInf(best, -1) {
		return 0
	}
	return best
}

// Update applies the Bellman rule
// Q(s,a) ← Q(s,a) + α·[r + γ·maxQ(s',·) − Q(s,a)]
// and returns the applied delta. NaN or Inf anywhere aborts with ErrNumerical
// and leaves the entry untouched.
func (q *QTable) Update(s state.State, a vocab.Action, r float64, next state.State, alpha, gamma float64) (float64, error) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, fmt.Errorf("%w: reward %v", ErrNumerical, r)
	}
	cur := q.Get(s, a)
	target := r + gamma*q.MaxValue(next)
	delta := alpha * (target - cur)
	updated := cur + delta
	if math.IsNaN(updated) || math.IsInf(updated, 0) {
		return 0, fmt.Errorf("%w: Q(%s,%s) would become %v", ErrNumerical, s.Key(), a, updated)
	}

	row, ok := q.values[s]
	if !ok {
		row = make(map[vocab.Action]float64)
		q.values[s] = row
	}
	row[a] = updated
	return delta, nil
}

// Len returns the number of distinct states with at least one entry.
func (q *QTable) Len() int {
	return len(q.values)
}

// States returns all states with entries, in no particular order.
func (q *QTable) States() []state.State {
	out := make([]state.State, 0, len(q.values))
	for s := range q.values {
		out = append(out, s)
	}
	return out
}
