package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/antigravity-dev/stempath/internal/vocab"
)

// Strength classifies a behavioral cluster.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// CurveKind selects the progress-curve family used when simulating a cluster.
type CurveKind string

const (
	CurveLogistic    CurveKind = "logistic"
	CurveExponential CurveKind = "exponential"
)

// CurveParams are the cluster-tuned parameters of the progress curve.
// K and X0 drive the logistic curve; A and B the exponential one.
type CurveParams struct {
	K  float64 `json:"k,omitempty"`
	X0 float64 `json:"x0,omitempty"`
	A  float64 `json:"a,omitempty"`
	B  float64 `json:"b,omitempty"`
}

// Cluster is one behavioral cluster profile from the CPR artifact.
type Cluster struct {
	ID               int            `json:"id"`
	Label            string         `json:"label"`
	Excluded         bool           `json:"excluded"`
	Strength         Strength       `json:"strength"`
	ScoreMean        float64        `json:"score_mean"`
	ScoreMin         float64        `json:"score_min"`
	ScoreMax         float64        `json:"score_max"`
	StuckProb        float64        `json:"stuck_prob"`
	PreferredActions []vocab.Action `json:"preferred_actions"`
	Curve            CurveKind      `json:"curve"`
	CurveParams      CurveParams    `json:"curve_params"`
}

// CPRArtifact is the JSON shape of the cluster-profile registry.
// Learners maps learner id (as decimal string, a JSON-object key) to cluster id.
type CPRArtifact struct {
	Clusters []Cluster      `json:"clusters"`
	Learners map[string]int `json:"learners"`
}

// CPR indexes cluster profiles and the learner assignment.
type CPR struct {
	clusters map[int]Cluster
	learners map[int]int
	hash     string
}

// LoadCPR reads and indexes a CPR artifact from path. The CPR is
// authoritative for curve selection; a cluster without a curve fails closed.
func LoadCPR(path string) (*CPR, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read cpr %s: %w", path, err)
	}
	var art CPRArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("registry: parse cpr %s: %w", path, err)
	}
	cpr, err := NewCPR(art)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	cpr.hash = hex.EncodeToString(sum[:])
	return cpr, nil
}

// NewCPR indexes an already-decoded artifact.
func NewCPR(art CPRArtifact) (*CPR, error) {
	cpr := &CPR{
		clusters: make(map[int]Cluster, len(art.Clusters)),
		learners: make(map[int]int, len(art.Learners)),
	}
	for _, cl := range art.Clusters {
		if _, dup := cpr.clusters[cl.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate cluster id %d in cpr", cl.ID)
		}
		if !cl.Excluded {
			switch cl.Curve {
			case CurveLogistic, CurveExponential:
			default:
				return nil, fmt.Errorf("registry: cluster %d has no progress curve; cpr is authoritative", cl.ID)
			}
		}
		cpr.clusters[cl.ID] = cl
	}
	for key, clusterID := range art.Learners {
		var learnerID int
		if _, err := fmt.Sscanf(key, "%d", &learnerID); err != nil {
			return nil, fmt.Errorf("registry: bad learner key %q in cpr: %w", key, err)
		}
		if _, ok := cpr.clusters[clusterID]; !ok {
			return nil, fmt.Errorf("registry: learner %d assigned to unknown cluster %d", learnerID, clusterID)
		}
		cpr.learners[learnerID] = clusterID
	}
	cpr.hash = hashJSON(art)
	return cpr, nil
}

// Hash returns the content hash of the loaded artifact.
func (c *CPR) Hash() string { return c.hash }

// Cluster returns the profile for a cluster id.
func (c *CPR) Cluster(id int) (Cluster, error) {
	cl, ok := c.clusters[id]
	if !ok {
		return Cluster{}, fmt.Errorf("%w: cluster %d", ErrRegistryMiss, id)
	}
	return cl, nil
}

// Clusters returns all non-excluded clusters, keyed by id.
func (c *CPR) Clusters() map[int]Cluster {
	out := make(map[int]Cluster, len(c.clusters))
	for id, cl := range c.clusters {
		if !cl.Excluded {
			out[id] = cl
		}
	}
	return out
}

// ClusterFor resolves a learner to a cluster. Learners missing from the
// assignment, or assigned to an excluded cluster, return ok=false: absent an
// explicit default the safe contract is to treat them as excluded.
func (c *CPR) ClusterFor(learnerID int, defaultCluster *int) (Cluster, bool) {
	clusterID, ok := c.learners[learnerID]
	if !ok {
		if defaultCluster == nil {
			return Cluster{}, false
		}
		clusterID = *defaultCluster
	}
	cl, ok := c.clusters[clusterID]
	if !ok || cl.Excluded {
		return Cluster{}, false
	}
	return cl, true
}
