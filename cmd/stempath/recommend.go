package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/stempath/internal/config"
	"github.com/antigravity-dev/stempath/internal/explain"
	"github.com/antigravity-dev/stempath/internal/metrics"
	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/recommend"
	"github.com/antigravity-dev/stempath/internal/store"
)

var (
	recommendLearner int
	recommendModule  int
	recommendPolicy  string
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Print the recommendation for a (learner, module) pair",
	Long: `Read the pair's current state and LO mastery from the store, query the
policy artifact, and print the ranked actions with the resolved activity as JSON.`,
	Run: runRecommend,
}

func init() {
	recommendCmd.Flags().IntVar(&recommendLearner, "learner", 0, "learner id (required)")
	recommendCmd.Flags().IntVar(&recommendModule, "module", 0, "module id (required)")
	recommendCmd.Flags().StringVar(&recommendPolicy, "policy", "policy.json", "policy artifact path")
	recommendCmd.MarkFlagRequired("learner")
	recommendCmd.MarkFlagRequired("module")
	rootCmd.AddCommand(recommendCmd)
}

func runRecommend(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	registries, err := loadRegistries(cfg)
	if err != nil {
		fatal(err)
	}

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	// A missing artifact yields a well-formed no-recommendation response.
	var snap *qlearn.Snapshot
	if artifact, err := qlearn.LoadArtifact(recommendPolicy); err == nil {
		snap, err = artifact.Snapshot()
		if err != nil {
			fatal(err)
		}
	}

	row, err := st.GetCurrent(recommendLearner, recommendModule)
	if err != nil {
		fatal(err)
	}
	if row == nil {
		fatal(fmt.Errorf("no current state for learner %d module %d", recommendLearner, recommendModule))
	}
	mastery, err := st.GetMastery(recommendLearner)
	if err != nil {
		fatal(err)
	}

	courseID := 0
	if v, ok := row.Metadata["course_id"].(float64); ok {
		courseID = int(v)
	}

	recommender := recommend.New(snap, registries, recommend.Config{
		TopK:            cfg.Recommender.TopK,
		FallbackPenalty: cfg.Recommender.FallbackPenalty,
		LOThreshold:     cfg.Recommender.LOThreshold,
	})
	rec := recommender.Recommend(courseID, row.State, mastery)
	if rec.NoRecommendation {
		metrics.Recommendations.WithLabelValues("no_policy").Inc()
	} else {
		metrics.Recommendations.WithLabelValues("ok").Inc()
		attachRationale(cfg, st, snap, &rec)
	}

	if err := printJSON(rec); err != nil {
		fatal(err)
	}
}

// attachRationale explains the top-ranked action against the policy snapshot
// and folds the per-feature contributions into the response. Failures leave
// the recommendation intact without a rationale.
func attachRationale(cfg *config.Config, st *store.Store, snap *qlearn.Snapshot, rec *recommend.Recommendation) {
	if snap == nil || len(rec.Ranked) == 0 {
		return
	}
	observed, err := st.ObservedStates(cfg.Explainer.BackgroundSize)
	if err != nil || len(observed) == 0 {
		observed = snap.States()
	}
	if len(observed) == 0 {
		return
	}
	explainer, err := explain.New(snap, observed, explain.Config{
		BackgroundSize: cfg.Explainer.BackgroundSize,
		SampleBudget:   cfg.Explainer.SampleBudget,
		Seed:           cfg.Explainer.Seed,
	})
	if err != nil {
		return
	}
	attr, err := explainer.Explain(rec.State, rec.Ranked[0].Action)
	if err != nil {
		return
	}
	metrics.Explanations.Inc()
	for _, f := range attr.Features {
		rec.Rationale = append(rec.Rationale, recommend.RationaleFeature{Feature: f.Feature, Phi: f.Phi})
	}
}
