// Package explain computes Shapley attributions for a (state, action) pair
// over a trained Q-function, using a kernel-based approximator with a bounded
// sample budget.
package explain

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

const numFeatures = 6

// ErrNoBackground marks an explainer constructed without background states.
var ErrNoBackground = errors.New("explain: empty background distribution")

// FeatureAttribution is one signed per-feature contribution.
type FeatureAttribution struct {
	Feature string  `json:"feature"`
	Phi     float64 `json:"phi"`
}

// Attribution explains one (state, action) pair. The contributions satisfy
// baseline + sum(phi) = value within numerical tolerance, and the result is
// bound to the policy-artifact version it was computed against.
type Attribution struct {
	PolicyVersion string               `json:"policy_version"`
	Action        vocab.Action         `json:"action"`
	Baseline      float64              `json:"baseline"`
	Value         float64              `json:"value"`
	Features      []FeatureAttribution `json:"features"`
}

// Explainer computes attributions against one policy snapshot and a fixed
// background distribution sampled from observed states.
type Explainer struct {
	snap       *qlearn.Snapshot
	background []state.State
	budget     int
	rng        *rand.Rand
}

// Config bounds the approximation.
type Config struct {
	// BackgroundSize caps how many observed states form the baseline
	// distribution.
	BackgroundSize int
	// SampleBudget caps the number of coalitions evaluated. With six
	// features the 62 proper coalitions fit most budgets and the solution
	// is exact; smaller budgets subsample by kernel weight.
	SampleBudget int
	Seed         int64
}

func (c Config) withDefaults() Config {
	if c.BackgroundSize <= 0 {
		c.BackgroundSize = 100
	}
	if c.SampleBudget <= 0 {
		c.SampleBudget = 62
	}
	return c
}

// New builds an explainer over observed states. The background is a seeded
// random subsample, drawn without replacement, when more states are offered
// than the configured size.
func New(snap *qlearn.Snapshot, observed []state.State, cfg Config) (*Explainer, error) {
	cfg = cfg.withDefaults()
	if len(observed) == 0 {
		return nil, ErrNoBackground
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	background := make([]state.State, len(observed))
	copy(background, observed)
	sort.Slice(background, func(i, j int) bool { return background[i].Key() < background[j].Key() })
	if len(background) > cfg.BackgroundSize {
		rng.Shuffle(len(background), func(i, j int) {
			background[i], background[j] = background[j], background[i]
		})
		background = background[:cfg.BackgroundSize]
	}

	return &Explainer{snap: snap, background: background, budget: cfg.SampleBudget, rng: rng}, nil
}

// Version returns the policy-artifact version attributions are bound to.
func (e *Explainer) Version() string { return e.snap.Version() }

// Explain attributes f(s, a) − baseline across the six state features.
func (e *Explainer) Explain(s state.State, a vocab.Action) (Attribution, error) {
	if !vocab.Valid(a) {
		return Attribution{}, fmt.Errorf("explain: action %q outside vocabulary", a)
	}

	fx := e.snap.Value(s, a)
	baseline := 0.0
	for _, b := range e.background {
		baseline += e.snap.Value(b, a)
	}
	baseline /= float64(len(e.background))

	phi, err := e.kernelShap(s, a, fx, baseline)
	if err != nil {
		return Attribution{}, err
	}

	names := state.FeatureNames()
	features := make([]FeatureAttribution, numFeatures)
	for i := range features {
		features[i] = FeatureAttribution{Feature: names[i], Phi: phi[i]}
	}
	return Attribution{
		PolicyVersion: e.snap.Version(),
		Action:        a,
		Baseline:      baseline,
		Value:         fx,
		Features:      features,
	}, nil
}

// kernelShap solves the weighted least-squares Shapley system over coalition
// masks, with the efficiency constraint eliminated by substitution so
// additivity holds by construction.
func (e *Explainer) kernelShap(s state.State, a vocab.Action, fx, baseline float64) ([numFeatures]float64, error) {
	var phi [numFeatures]float64

	masks := e.coalitions()
	target := fx - baseline

	// Masked model evaluations: absent features draw from the background.
	ys := make([]float64, len(masks))
	ws := make([]float64, len(masks))
	for i, mask := range masks {
		ys[i] = e.maskedValue(s, a, mask) - baseline
		ws[i] = kernelWeight(popcount(mask))
	}

	// Eliminate phi[M-1] via phi[M-1] = target − Σ_{i<M-1} phi_i.
	const m = numFeatures - 1
	var A [m][m]float64
	var b [m]float64
	for r, mask := range masks {
		zm := bit(mask, numFeatures-1)
		var x [m]float64
		for i := 0; i < m; i++ {
			x[i] = bit(mask, i) - zm
		}
		y := ys[r] - zm*target
		w := ws[r]
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				A[i][j] += w * x[i] * x[j]
			}
			b[i] += w * x[i] * y
		}
	}

	sol, err := solve(A, b)
	if err != nil {
		return phi, err
	}
	sum := 0.0
	for i := 0; i < m; i++ {
		phi[i] = sol[i]
		sum += sol[i]
	}
	phi[numFeatures-1] = target - sum
	return phi, nil
}

// maskedValue averages f over the background with present features taken
// from s.
func (e *Explainer) maskedValue(s state.State, a vocab.Action, mask int) float64 {
	sf := s.Features()
	total := 0.0
	for _, bg := range e.background {
		bf := bg.Features()
		composed := make([]float64, numFeatures)
		for i := 0; i < numFeatures; i++ {
			if mask&(1<<i) != 0 {
				composed[i] = sf[i]
			} else {
				composed[i] = bf[i]
			}
		}
		cs, _ := state.FromFeatures(composed)
		total += e.snap.Value(cs, a)
	}
	return total / float64(len(e.background))
}

// coalitions returns the proper coalition masks, either all 2^M−2 of them or
// a kernel-weighted sample bounded by the budget.
func (e *Explainer) coalitions() []int {
	full := make([]int, 0, (1<<numFeatures)-2)
	for mask := 1; mask < (1<<numFeatures)-1; mask++ {
		full = append(full, mask)
	}
	if len(full) <= e.budget {
		return full
	}

	weights := make([]float64, len(full))
	total := 0.0
	for i, mask := range full {
		weights[i] = kernelWeight(popcount(mask))
		total += weights[i]
	}
	out := make([]int, e.budget)
	for i := range out {
		draw := e.rng.Float64() * total
		for j, mask := range full {
			draw -= weights[j]
			if draw <= 0 {
				out[i] = mask
				break
			}
		}
	}
	return out
}

// kernelWeight is the Shapley kernel (M−1)/(C(M,k)·k·(M−k)).
func kernelWeight(k int) float64 {
	if k <= 0 || k >= numFeatures {
		return 0
	}
	return float64(numFeatures-1) / (binom(numFeatures, k) * float64(k) * float64(numFeatures-k))
}

func binom(n, k int) float64 {
	res := 1.0
	for i := 0; i < k; i++ {
		res = res * float64(n-i) / float64(i+1)
	}
	return res
}

func popcount(mask int) int {
	n := 0
	for mask != 0 {
		n += mask & 1
		mask >>= 1
	}
	return n
}

func bit(mask, i int) float64 {
	if mask&(1<<i) != 0 {
		return 1
	}
	return 0
}

// solve runs Gaussian elimination with partial pivoting on the 5x5 normal
// equations.
func solve(A [numFeatures - 1][numFeatures - 1]float64, b [numFeatures - 1]float64) ([numFeatures - 1]float64, error) {
	const n = numFeatures - 1
	var x [n]float64

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(A[r][col]) > math.Abs(A[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(A[pivot][col]) < 1e-12 {
			return x, fmt.Errorf("explain: singular attribution system at column %d", col)
		}
		A[col], A[pivot] = A[pivot], A[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			factor := A[r][col] / A[col][col]
			for c := col; c < n; c++ {
				A[r][c] -= factor * A[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= A[r][c] * x[c]
		}
		x[r] = sum / A[r][r]
	}
	return x, nil
}
