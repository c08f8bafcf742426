package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/reward"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// EndKind is the terminal state of an episode.
type EndKind string

const (
	EndDone     EndKind = "done"
	EndStuck    EndKind = "stuck"
	EndMaxSteps EndKind = "max_steps"
)

// Step is one transition of a trajectory.
type Step struct {
	State     state.State  `json:"state"`
	Action    vocab.Action `json:"action"`
	Reward    float64      `json:"reward"`
	NextState state.State  `json:"next_state"`
	Terminal  bool         `json:"terminal"`
}

// Trajectory is one finished episode.
type Trajectory struct {
	ClusterID int     `json:"cluster_id"`
	Episode   int     `json:"episode"`
	Steps     []Step  `json:"steps"`
	End       EndKind `json:"end"`
}

// TotalReward sums the transition rewards; there are no hidden terms.
func (tr Trajectory) TotalReward() float64 {
	sum := 0.0
	for _, s := range tr.Steps {
		sum += s.Reward
	}
	return sum
}

// Policy exposes action values for ε-greedy selection during simulation.
type Policy interface {
	// Q returns the action-value row for a state; ok is false for unseen states.
	Q(s state.State) (map[vocab.Action]float64, bool)
}

// Config bounds an episode.
type Config struct {
	Modules      int
	MaxSteps     int
	NoProgressK  int
	RecentWindow int
	Thresholds   state.Thresholds
	Rewards      reward.Coefficients
}

func (c Config) withDefaults() Config {
	if c.Modules <= 0 {
		c.Modules = 1
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	if c.NoProgressK <= 0 {
		c.NoProgressK = 3
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = state.DefaultRecentWindow
	}
	if c.Thresholds.EngagementHigh <= 0 {
		c.Thresholds = state.DefaultThresholds()
	}
	return c
}

// Simulator generates trajectories. All randomness flows through one seeded
// source, so a given seed reproduces its trajectories byte-identically.
type Simulator struct {
	cfg    Config
	params []Params
	rng    *rand.Rand
	seed   int64
}

const (
	baseTimestamp = int64(1_700_000_000)
	stepInterval  = int64(6 * 3600)
)

// New builds a simulator over the non-excluded clusters of the CPR.
func New(cpr *registry.CPR, cfg Config, seed int64) (*Simulator, error) {
	clusters := cpr.Clusters()
	ids := make([]int, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("sim: cpr has no usable clusters")
	}

	params := make([]Params, 0, len(ids))
	for _, id := range ids {
		p, err := ParamsFor(clusters[id])
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}

	return &Simulator{
		cfg:    cfg.withDefaults(),
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
		seed:   seed,
	}, nil
}

// Seed returns the simulator's seed.
func (s *Simulator) Seed() int64 { return s.seed }

// ParamsHash fingerprints the derived cluster parameters.
func (s *Simulator) ParamsHash() string { return HashParams(s.params) }

// Params returns the derived per-cluster parameters in cluster order.
func (s *Simulator) Params() []Params { return s.params }

// learnerModel is the evolving synthetic learner within one episode.
type learnerModel struct {
	module     int
	attempts   []int
	progress   []float64
	scores     []float64
	lastScore  float64
	noProgress int
	recent     []state.TimedAction
	steps      int
}

func (s *Simulator) newLearner() *learnerModel {
	return &learnerModel{
		attempts: make([]int, s.cfg.Modules),
		progress: make([]float64, s.cfg.Modules),
	}
}

func (l *learnerModel) avgScore() float64 {
	if len(l.scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range l.scores {
		sum += v
	}
	return sum / float64(len(l.scores))
}

func (l *learnerModel) record(a vocab.Action, window int) {
	l.recent = append(l.recent, state.TimedAction{
		Action:    a,
		Timestamp: baseTimestamp + int64(l.steps)*stepInterval,
	})
	if len(l.recent) > window {
		l.recent = l.recent[len(l.recent)-window:]
	}
}

// stateOf derives the current 6-D state. The zero-progress case maps to the
// lowest bin: a simulated learner always has at least the episode's activity.
func (s *Simulator) stateOf(p Params, l *learnerModel) state.State {
	sum := state.Summary{RecentActions: l.recent}
	return state.State{
		Cluster:     p.ClusterID,
		ModuleIdx:   l.module,
		ProgressBin: state.QuantizeQuarter(l.progress[l.module]),
		ScoreBin:    state.QuantizeQuarter(l.avgScore()),
		Phase:       sum.PhaseOf(),
		Engagement:  s.cfg.Thresholds.Bucket(sum.EngagementScore()),
	}
}

// Episode runs one episode for the given cluster parameters. Policy may be
// nil, in which case the heuristic selector is used throughout; eps is the
// exploration rate applied on top of either selector.
func (s *Simulator) Episode(ctx context.Context, p Params, episode int, policy Policy, eps float64) (Trajectory, error) {
	if err := ctx.Err(); err != nil {
		return Trajectory{}, fmt.Errorf("sim: episode %d: %w", episode, err)
	}

	l := s.newLearner()
	tr := Trajectory{ClusterID: p.ClusterID, Episode: episode}

	for l.steps < s.cfg.MaxSteps {
		cur := s.stateOf(p, l)
		action := s.chooseAction(p, l, cur, policy, eps)

		// A learner stalled for k attempts can hit the absorbing stuck state.
		// The terminal reward is exactly the stuck penalty: no action was
		// applied on this step, so no structural or cluster penalty may stack.
		if l.noProgress >= s.cfg.NoProgressK && s.rng.Float64() < p.StuckProb {
			tr.Steps = append(tr.Steps, Step{
				State:     cur,
				Action:    action,
				Reward:    reward.Compute(reward.Transition{Terminal: reward.TerminalStuck}, s.cfg.Rewards),
				NextState: cur,
				Terminal:  true,
			})
			tr.End = EndStuck
			return tr, nil
		}

		deltaScore, deltaProgress, success, completed := s.apply(p, l, action)
		l.steps++
		l.record(action, s.cfg.RecentWindow)

		allDone := completed && l.module == s.cfg.Modules-1
		if completed && !allDone {
			l.module++
		}
		next := s.stateOf(p, l)

		terminal := reward.TerminalNone
		if allDone {
			terminal = reward.TerminalCompleted
		} else if l.steps >= s.cfg.MaxSteps {
			terminal = reward.TerminalMaxSteps
		}

		r := reward.Compute(reward.Transition{
			Action:          action,
			ClusterStrength: p.Strength,
			ProgressBin:     cur.ProgressBin,
			ScoreBin:        cur.ScoreBin,
			DeltaScore:      deltaScore,
			DeltaProgress:   deltaProgress,
			Success:         success,
			TargetsWeakLO:   cur.ScoreBin < s.cfg.Rewards.LOThreshold+0.25,
			HighEngagement:  next.Engagement == state.EngagementHigh,
			ModuleCompleted: completed,
			Terminal:        terminal,
		}, s.cfg.Rewards)

		tr.Steps = append(tr.Steps, Step{
			State:     cur,
			Action:    action,
			Reward:    r,
			NextState: next,
			Terminal:  terminal != reward.TerminalNone,
		})

		if allDone {
			tr.End = EndDone
			return tr, nil
		}
	}

	tr.End = EndMaxSteps
	return tr, nil
}

// apply advances the learner model under one action and reports the deltas.
func (s *Simulator) apply(p Params, l *learnerModel, a vocab.Action) (deltaScore, deltaProgress float64, success, completed bool) {
	entry, _ := vocab.Lookup(a)
	m := l.module
	before := l.progress[m]
	scoreBefore := l.lastScore

	switch entry.Phase {
	case vocab.PhaseActive:
		l.attempts[m]++
		curveP := p.Progress(l.attempts[m])
		if curveP > l.progress[m] {
			l.progress[m] = curveP
		}
		success = s.rng.Float64() < p.BaseSuccess

		u := 0.3 + 0.4*s.rng.Float64()
		next := scoreBefore + (p.ScoreMax-scoreBefore)*p.BaseSuccess*u
		if next < p.ScoreMin {
			next = p.ScoreMin
		}
		if next > p.ScoreMax {
			next = p.ScoreMax
		}
		l.scores = append(l.scores, next)
		l.lastScore = next
	case vocab.PhasePre:
		l.progress[m] += 0.02 * p.SpeedScale
		if l.progress[m] > 1 {
			l.progress[m] = 1
		}
	}

	deltaProgress = l.progress[m] - before
	deltaScore = l.lastScore - scoreBefore
	// The stuck window counts attempts, not passive activity.
	if entry.Phase == vocab.PhaseActive {
		if deltaProgress > 1e-9 {
			l.noProgress = 0
		} else {
			l.noProgress++
		}
	}
	completed = l.progress[m] >= 1 && before < 1
	return deltaScore, deltaProgress, success, completed
}

// chooseAction is ε-greedy over the policy when one is supplied, otherwise a
// progress-conditional heuristic shaped by the cluster's preferred actions.
func (s *Simulator) chooseAction(p Params, l *learnerModel, cur state.State, policy Policy, eps float64) vocab.Action {
	actions := vocab.Actions()
	if s.rng.Float64() < eps {
		return actions[s.rng.Intn(len(actions))]
	}

	if policy != nil {
		if row, ok := policy.Q(cur); ok && len(row) > 0 {
			best := actions[0]
			bestV := -1e18
			for _, a := range actions {
				if v, ok := row[a]; ok && v > bestV {
					best, bestV = a, v
				}
			}
			if bestV > -1e18 {
				return best
			}
		}
	}
	return s.heuristicAction(p, l)
}

// heuristicAction samples from a progress-conditional multinomial: early
// progress favors watching and reading, mid favors attempts, late favors
// reviews; the cluster's preferred actions double their weight, and the
// cluster's exploration entropy flattens the distribution toward uniform.
func (s *Simulator) heuristicAction(p Params, l *learnerModel) vocab.Action {
	progress := l.progress[l.module]

	weights := make([]float64, 0, 10)
	actions := vocab.Actions()
	for _, a := range actions {
		entry, _ := vocab.Lookup(a)
		var w float64
		switch entry.Phase {
		case vocab.PhasePre:
			switch {
			case progress < 0.33:
				w = 3
			case progress < 0.75:
				w = 1
			default:
				w = 0.5
			}
		case vocab.PhaseActive:
			switch {
			case progress < 0.33:
				w = 1
			case progress < 0.75:
				w = 3
			default:
				w = 1.5
			}
		case vocab.PhaseReflective:
			switch {
			case progress < 0.33:
				w = 0.25
			case progress < 0.75:
				w = 0.5
			default:
				w = 3
			}
		}
		for _, pref := range p.Preferred {
			if pref == a {
				w *= 2
				break
			}
		}
		weights = append(weights, w)
	}

	total := flattenWeights(weights, p.Epsilon)
	draw := s.rng.Float64() * total
	for i, a := range actions {
		draw -= weights[i]
		if draw <= 0 {
			return a
		}
	}
	return actions[len(actions)-1]
}

// flattenWeights mixes a weight vector toward uniform by the cluster's
// exploration entropy: 0 keeps the shaped distribution, 1 makes every action
// equally likely. Returns the new total mass.
func flattenWeights(weights []float64, entropy float64) float64 {
	if entropy < 0 {
		entropy = 0
	}
	if entropy > 1 {
		entropy = 1
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if len(weights) == 0 || sum <= 0 {
		return sum
	}
	mean := sum / float64(len(weights))
	total := 0.0
	for i, w := range weights {
		weights[i] = (1-entropy)*w + entropy*mean
		total += weights[i]
	}
	return total
}

// ClusterMoments are aggregate validation moments for one cluster.
type ClusterMoments struct {
	Episodes       int     `json:"episodes"`
	MeanReward     float64 `json:"mean_reward"`
	MeanLength     float64 `json:"mean_length"`
	CompletionRate float64 `json:"completion_rate"`
	StuckRate      float64 `json:"stuck_rate"`
	MeanFinalScore float64 `json:"mean_final_score"`
}

// RunReport summarizes a simulation run for validation.
type RunReport struct {
	Seed       int64                  `json:"seed"`
	ParamsHash string                 `json:"params_hash"`
	Clusters   map[int]ClusterMoments `json:"clusters"`
}

// Run generates episodes round-robin across clusters and returns the
// trajectories with the aggregate report. epsFor maps episode index to the
// exploration rate; nil means no exploration noise.
func (s *Simulator) Run(ctx context.Context, episodes int, policy Policy, epsFor func(int) float64) ([]Trajectory, RunReport, error) {
	report := RunReport{Seed: s.seed, ParamsHash: s.ParamsHash(), Clusters: make(map[int]ClusterMoments)}

	type acc struct {
		reward, length, finalScore float64
		done, stuck, n             int
	}
	accs := make(map[int]*acc)

	var out []Trajectory
	for i := 0; i < episodes; i++ {
		p := s.params[i%len(s.params)]
		eps := 0.0
		if epsFor != nil {
			eps = epsFor(i)
		}
		tr, err := s.Episode(ctx, p, i, policy, eps)
		if err != nil {
			return nil, RunReport{}, err
		}
		out = append(out, tr)

		a := accs[p.ClusterID]
		if a == nil {
			a = &acc{}
			accs[p.ClusterID] = a
		}
		a.n++
		a.reward += tr.TotalReward()
		a.length += float64(len(tr.Steps))
		if tr.End == EndDone {
			a.done++
		}
		if tr.End == EndStuck {
			a.stuck++
		}
		if n := len(tr.Steps); n > 0 {
			a.finalScore += tr.Steps[n-1].NextState.ScoreBin
		}
	}

	for id, a := range accs {
		if a.n == 0 {
			continue
		}
		report.Clusters[id] = ClusterMoments{
			Episodes:       a.n,
			MeanReward:     a.reward / float64(a.n),
			MeanLength:     a.length / float64(a.n),
			CompletionRate: float64(a.done) / float64(a.n),
			StuckRate:      float64(a.stuck) / float64(a.n),
			MeanFinalScore: a.finalScore / float64(a.n),
		}
	}
	return out, report, nil
}
