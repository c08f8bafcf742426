// Package config loads and validates the stempath TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/reward"
	"github.com/antigravity-dev/stempath/internal/state"
)

// Duration is a time.Duration that unmarshals from TOML strings like "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General     General             `toml:"general"`
	Registry    Registry            `toml:"registry"`
	LMS         LMS                 `toml:"lms"`
	Pipeline    Pipeline            `toml:"pipeline"`
	Reward      reward.Coefficients `toml:"reward"`
	Simulator   Simulator           `toml:"simulator"`
	Training    Training            `toml:"training"`
	Recommender Recommender         `toml:"recommender"`
	Explainer   Explainer           `toml:"explainer"`
	Serve       Serve               `toml:"serve"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
}

type Registry struct {
	CSRPath string `toml:"csr"`
	CPRPath string `toml:"cpr"`
	// ExcludeClusters drops cluster ids on top of the CPR's exclusion flags.
	ExcludeClusters []int `toml:"exclude_clusters"`
	// DefaultCluster, when set, stands in for learners missing from the CPR.
	// Unset means such learners are treated as excluded.
	DefaultCluster *int `toml:"default_cluster"`
}

type LMS struct {
	BaseURL    string   `toml:"base_url"`
	Token      string   `toml:"token"`
	Timeout    Duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
	Backoff    Duration `toml:"backoff"`
	MaxDelay   Duration `toml:"max_delay"`
}

type Pipeline struct {
	RecentWindow int `toml:"recent_window"`
	Workers      int `toml:"workers"`
	// ProgressBinThresholds is recognized for completeness; the persisted
	// state encoding freezes the quarter bins, so only the defaults pass
	// validation.
	ProgressBinThresholds []float64 `toml:"progress_bin_thresholds"`
	EngagementMedium      float64   `toml:"engagement_medium"`
	EngagementHigh        float64   `toml:"engagement_high"`
}

type Simulator struct {
	Modules     int   `toml:"modules"`
	MaxSteps    int   `toml:"max_steps"`
	NoProgressK int   `toml:"no_progress_k"`
	Seed        int64 `toml:"seed"`
	Episodes    int   `toml:"episodes"`
}

type Training struct {
	Alpha             float64 `toml:"alpha"`
	Gamma             float64 `toml:"gamma"`
	EpsKind           string  `toml:"eps_kind"`
	EpsStart          float64 `toml:"eps_start"`
	EpsEnd            float64 `toml:"eps_end"`
	EpsDecay          float64 `toml:"eps_decay"`
	MaxEpisodes       int     `toml:"max_episodes"`
	CheckpointEvery   int     `toml:"checkpoint_every"`
	CheckpointDir     string  `toml:"checkpoint_dir"`
	ConvergenceWindow int     `toml:"convergence_window"`
	ConvergenceDelta  float64 `toml:"convergence_delta"`
}

type Recommender struct {
	TopK            int     `toml:"top_k"`
	FallbackPenalty float64 `toml:"fallback_hamming_penalty"`
	LOThreshold     float64 `toml:"lo_threshold"`
}

type Explainer struct {
	BackgroundSize int   `toml:"shap_background_size"`
	SampleBudget   int   `toml:"sample_budget"`
	Seed           int64 `toml:"seed"`
}

type Serve struct {
	Bind string `toml:"bind"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		General: General{LogLevel: "info", StateDB: "stempath.db"},
		LMS: LMS{
			Timeout:    Duration{10 * time.Second},
			MaxRetries: 3,
			Backoff:    Duration{250 * time.Millisecond},
			MaxDelay:   Duration{5 * time.Second},
		},
		Pipeline: Pipeline{
			RecentWindow:          state.DefaultRecentWindow,
			Workers:               4,
			ProgressBinThresholds: []float64{0.25, 0.5, 0.75, 1.0},
			EngagementMedium:      8,
			EngagementHigh:        16,
		},
		Reward: reward.Defaults(),
		Simulator: Simulator{
			Modules:     6,
			MaxSteps:    50,
			NoProgressK: 3,
			Seed:        1,
			Episodes:    500,
		},
		Training: Training{
			Alpha:             0.1,
			Gamma:             0.95,
			EpsKind:           string(qlearn.ScheduleLinear),
			EpsStart:          0.3,
			EpsEnd:            0.05,
			EpsDecay:          500,
			MaxEpisodes:       1000,
			CheckpointEvery:   100,
			ConvergenceWindow: 50,
			ConvergenceDelta:  0.05,
		},
		Recommender: Recommender{TopK: 3, FallbackPenalty: 0.5, LOThreshold: 0.5},
		Explainer:   Explainer{BackgroundSize: 100, SampleBudget: 62, Seed: 1},
		Serve:       Serve{Bind: "127.0.0.1:8086"},
	}
}

// Load reads a TOML config, layered over the defaults, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Training.Alpha <= 0 || c.Training.Alpha > 1 {
		return fmt.Errorf("training.alpha must lie in (0,1], got %v", c.Training.Alpha)
	}
	if c.Training.Gamma <= 0 || c.Training.Gamma >= 1 {
		return fmt.Errorf("training.gamma must lie in (0,1), got %v", c.Training.Gamma)
	}
	if err := c.EpsSchedule().Validate(); err != nil {
		return err
	}
	if c.Pipeline.RecentWindow <= 0 {
		return fmt.Errorf("pipeline.recent_window must be positive")
	}
	if c.Pipeline.EngagementMedium >= c.Pipeline.EngagementHigh {
		return fmt.Errorf("pipeline.engagement_medium must be below engagement_high")
	}
	if c.Recommender.FallbackPenalty < 0 {
		return fmt.Errorf("recommender.fallback_hamming_penalty must be non-negative")
	}
	if got := c.Pipeline.ProgressBinThresholds; len(got) != 0 {
		want := []float64{0.25, 0.5, 0.75, 1.0}
		if len(got) != len(want) {
			return fmt.Errorf("pipeline.progress_bin_thresholds must be the frozen quarter bins")
		}
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("pipeline.progress_bin_thresholds must be the frozen quarter bins")
			}
		}
	}
	return nil
}

// EpsSchedule assembles the exploration schedule from the training section.
func (c *Config) EpsSchedule() qlearn.EpsSchedule {
	return qlearn.EpsSchedule{
		Kind:  qlearn.ScheduleKind(c.Training.EpsKind),
		Start: c.Training.EpsStart,
		End:   c.Training.EpsEnd,
		Decay: c.Training.EpsDecay,
	}
}

// Thresholds assembles the engagement thresholds for the state builder.
func (c *Config) Thresholds() state.Thresholds {
	return state.Thresholds{
		EngagementMedium: c.Pipeline.EngagementMedium,
		EngagementHigh:   c.Pipeline.EngagementHigh,
	}
}
