package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/stempath/internal/explain"
	"github.com/antigravity-dev/stempath/internal/metrics"
	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/state"
	"github.com/antigravity-dev/stempath/internal/store"
	"github.com/antigravity-dev/stempath/internal/vocab"
)

var (
	explainState  string
	explainAction string
	explainPolicy string
)

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Attribute a policy decision to the state features",
	Long: `Compute Shapley attributions for a (state, action) pair over the policy
artifact, against a background sampled from observed states. The state is the
canonical key "cluster|module|progress|score|phase|engagement"; without
--action the policy's best action for the state is explained.`,
	Run: runExplain,
}

func init() {
	explainCmd.Flags().StringVar(&explainState, "state", "", "state key (required)")
	explainCmd.Flags().StringVar(&explainAction, "action", "", "action to explain (defaults to the policy's best)")
	explainCmd.Flags().StringVar(&explainPolicy, "policy", "policy.json", "policy artifact path")
	explainCmd.MarkFlagRequired("state")
	rootCmd.AddCommand(explainCmd)
}

func runExplain(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}

	s, err := state.ParseKey(explainState)
	if err != nil {
		fatal(err)
	}

	artifact, err := qlearn.LoadArtifact(explainPolicy)
	if err != nil {
		fatal(err)
	}
	snap, err := artifact.Snapshot()
	if err != nil {
		fatal(err)
	}

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	observed, err := st.ObservedStates(cfg.Explainer.BackgroundSize)
	if err != nil {
		fatal(err)
	}
	if len(observed) == 0 {
		// With no observed states yet, the policy's own support stands in.
		observed = snap.States()
	}

	explainer, err := explain.New(snap, observed, explain.Config{
		BackgroundSize: cfg.Explainer.BackgroundSize,
		SampleBudget:   cfg.Explainer.SampleBudget,
		Seed:           cfg.Explainer.Seed,
	})
	if err != nil {
		fatal(err)
	}

	action := vocab.Action(explainAction)
	if explainAction == "" {
		row, ok := snap.Q(s)
		if !ok {
			fatal(fmt.Errorf("state %s unseen by policy %s; pass --action", explainState, snap.Version()))
		}
		best, bestV := vocab.Action(""), -1e18
		for _, a := range vocab.Actions() {
			if v, ok := row[a]; ok && v > bestV {
				best, bestV = a, v
			}
		}
		action = best
	}

	attr, err := explainer.Explain(s, action)
	if err != nil {
		fatal(err)
	}
	metrics.Explanations.Inc()

	if err := printJSON(attr); err != nil {
		fatal(err)
	}
}
