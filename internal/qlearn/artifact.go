package qlearn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

// ErrPolicyMissing marks reads against an absent policy artifact.
var ErrPolicyMissing = errors.New("qlearn: policy artifact missing")

// Metadata identifies a published policy and what produced it.
type Metadata struct {
	Version             string      `json:"version"`
	Episodes            int         `json:"episodes"`
	Alpha               float64     `json:"alpha"`
	Gamma               float64     `json:"gamma"`
	EpsSchedule         EpsSchedule `json:"eps_schedule"`
	Seed                int64       `json:"seed"`
	SimulatorParamsHash string      `json:"simulator_params_hash"`
	CSRHash             string      `json:"csr_hash"`
	CPRHash             string      `json:"cpr_hash"`
	RewardHash          string      `json:"reward_hash"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Artifact is the serialized policy: the Q-table plus its metadata.
// Published artifacts are immutable and addressable by version.
type Artifact struct {
	Metadata Metadata                      `json:"metadata"`
	Q        map[string]map[string]float64 `json:"q"`
}

// BuildArtifact freezes a Q-table into its serialized form.
func BuildArtifact(q *QTable, meta Metadata) *Artifact {
	out := make(map[string]map[string]float64, q.Len())
	for _, s := range q.States() {
		row, _ := q.Row(s)
		enc := make(map[string]float64, len(row))
		for a, v := range row {
			enc[string(a)] = v
		}
		out[s.Key()] = enc
	}
	return &Artifact{Metadata: meta, Q: out}
}

// Hash fingerprints the artifact's Q-table and metadata, excluding the
// creation timestamp and the version so identical training runs hash
// identically.
func (a *Artifact) Hash() string {
	clone := *a
	clone.Metadata.CreatedAt = time.Time{}
	clone.Metadata.Version = ""
	raw, err := canonicalJSON(clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals with sorted keys (encoding/json sorts map keys).
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Save writes the artifact to path via a temp file and an atomic rename, so a
// failed write never clobbers a published artifact.
func (a *Artifact) Save(path string) error {
	raw, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("qlearn: encode artifact: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*.json")
	if err != nil {
		return fmt.Errorf("qlearn: create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("qlearn: write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("qlearn: close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("qlearn: commit artifact: %w", err)
	}
	return nil
}

// LoadArtifact reads a published artifact.
func LoadArtifact(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPolicyMissing, path)
		}
		return nil, fmt.Errorf("qlearn: read artifact %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("qlearn: parse artifact %s: %w", path, err)
	}
	return &a, nil
}

// Snapshot is a read-only decoded view of an artifact, shared by the
// recommender, the explainer, and policy-driven simulation.
type Snapshot struct {
	meta   Metadata
	values map[state.State]map[vocab.Action]float64
}

// Snapshot decodes the artifact into a read-only handle.
func (a *Artifact) Snapshot() (*Snapshot, error) {
	values := make(map[state.State]map[vocab.Action]float64, len(a.Q))
	for key, row := range a.Q {
		st, err := state.ParseKey(key)
		if err != nil {
			return nil, fmt.Errorf("qlearn: artifact %s: %w", a.Metadata.Version, err)
		}
		dec := make(map[vocab.Action]float64, len(row))
		for tok, v := range row {
			action := vocab.Action(tok)
			if !vocab.Valid(action) {
				return nil, fmt.Errorf("qlearn: artifact %s: action %q outside vocabulary", a.Metadata.Version, tok)
			}
			dec[action] = v
		}
		values[st] = dec
	}
	return &Snapshot{meta: a.Metadata, values: values}, nil
}

// Metadata returns the artifact metadata.
func (s *Snapshot) Metadata() Metadata { return s.meta }

// Version returns the artifact version the snapshot is bound to.
func (s *Snapshot) Version() string { return s.meta.Version }

// Q returns a copy of the action-value row for a state.
func (s *Snapshot) Q(st state.State) (map[vocab.Action]float64, bool) {
	row, ok := s.values[st]
	if !ok {
		return nil, false
	}
	out := make(map[vocab.Action]float64, len(row))
	for a, v := range row {
		out[a] = v
	}
	return out, true
}

// Value returns Q(s,a) from the snapshot, 0 for unseen entries.
func (s *Snapshot) Value(st state.State, a vocab.Action) float64 {
	return s.values[st][a]
}

// States returns every state the snapshot has values for.
func (s *Snapshot) States() []state.State {
	out := make([]state.State, 0, len(s.values))
	for st := range s.values {
		out = append(out, st)
	}
	return out
}
