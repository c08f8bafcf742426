// Package metrics registers the Prometheus collectors shared across the
// pipeline, training, and serving surfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsEnriched counts normalized events produced by the enricher.
	EventsEnriched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stempath",
		Name:      "events_enriched_total",
		Help:      "Normalized events produced by the enricher.",
	})

	// EventsSkipped counts events dropped by isolated per-event failures.
	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stempath",
		Name:      "events_skipped_total",
		Help:      "Events dropped by isolated failures, by reason.",
	}, []string{"reason"})

	// StatesBuilt counts states written to the store.
	StatesBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stempath",
		Name:      "states_built_total",
		Help:      "States built and persisted.",
	})

	// TrainingEpisodes counts completed training episodes.
	TrainingEpisodes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stempath",
		Name:      "training_episodes_total",
		Help:      "Completed training episodes.",
	})

	// TrainingEpisodeReward tracks the per-episode reward distribution.
	TrainingEpisodeReward = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stempath",
		Name:      "training_episode_reward",
		Help:      "Total reward per training episode.",
		Buckets:   prometheus.LinearBuckets(-20, 10, 12),
	})

	// Recommendations counts recommendation requests by outcome.
	Recommendations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stempath",
		Name:      "recommendations_total",
		Help:      "Recommendation requests, by outcome.",
	}, []string{"outcome"})

	// Explanations counts attribution computations.
	Explanations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stempath",
		Name:      "explanations_total",
		Help:      "Shapley attributions computed.",
	})
)
