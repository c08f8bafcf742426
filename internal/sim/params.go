// Package sim generates synthetic learner trajectories from cluster-calibrated
// parameters and a learning-curve model, for training and offline evaluation.
package sim

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/antigravity-dev/stempath/internal/registry"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// Params are the per-cluster simulation parameters derived from the CPR.
type Params struct {
	ClusterID   int            `json:"cluster_id"`
	Strength    registry.Strength `json:"strength"`
	BaseSuccess float64        `json:"base_success"`
	StuckProb   float64        `json:"stuck_prob"`
	SpeedScale  float64        `json:"speed_scale"`
	Epsilon     float64        `json:"epsilon"`
	Preferred   []vocab.Action `json:"preferred"`
	ScoreMin    float64        `json:"score_min"`
	ScoreMax    float64        `json:"score_max"`
	Curve       registry.CurveKind   `json:"curve"`
	CurveParams registry.CurveParams `json:"curve_params"`
}

// ParamsFor derives simulation parameters from a cluster profile. The CPR is
// authoritative for the curve family and its tuning.
func ParamsFor(cl registry.Cluster) (Params, error) {
	if cl.Excluded {
		return Params{}, fmt.Errorf("sim: cluster %d is excluded", cl.ID)
	}
	p := Params{
		ClusterID:   cl.ID,
		Strength:    cl.Strength,
		BaseSuccess: cl.ScoreMean,
		StuckProb:   cl.StuckProb,
		Preferred:   cl.PreferredActions,
		ScoreMin:    cl.ScoreMin,
		ScoreMax:    cl.ScoreMax,
		Curve:       cl.Curve,
		CurveParams: cl.CurveParams,
	}
	switch cl.Strength {
	case registry.StrengthStrong:
		p.SpeedScale = 1.3
		p.Epsilon = 0.1
	case registry.StrengthWeak:
		p.SpeedScale = 0.7
		p.Epsilon = 0.3
	default:
		p.SpeedScale = 1.0
		p.Epsilon = 0.2
	}
	if p.BaseSuccess <= 0 {
		p.BaseSuccess = 0.5
	}
	if p.ScoreMax <= p.ScoreMin {
		p.ScoreMin, p.ScoreMax = 0, 1
	}
	return p, nil
}

// Progress evaluates the cluster's learning curve at attempt n.
func (p Params) Progress(n int) float64 {
	var v float64
	switch p.Curve {
	case registry.CurveExponential:
		v = p.CurveParams.A * (1 - math.Exp(-p.CurveParams.B*float64(n)))
	default: // logistic
		v = 1 / (1 + math.Exp(-p.CurveParams.K*(float64(n)-p.CurveParams.X0)))
	}
	v *= p.SpeedScale
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HashParams fingerprints a parameter set for artifact metadata. Parameter
// sets are serialized in cluster order so the hash is stable.
func HashParams(params []Params) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
