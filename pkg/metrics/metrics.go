// Package metrics holds the Prometheus collectors of an annotation run.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Candidate outcomes
const (
	OutcomeMatched  = "matched"
	OutcomeNoMatch  = "no_match"
	OutcomeUnusable = "unusable"
	OutcomeSkipped  = "skipped"

	// Not annotated and not stored
	OutcomeDuplicate = "duplicate"
	OutcomeTooHeavy  = "too_heavy"
)

var (
	// CandidatesTotal counts processed candidates by outcome
	CandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fragkey_candidates_total",
		Help: "Candidate molecules processed, by outcome",
	}, []string{"outcome"})

	// FragmentsGenerated tracks the fragment count per enumerated candidate
	FragmentsGenerated = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fragkey_fragments_generated",
		Help:    "Fragments enumerated per candidate molecule",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1 to ~260k
	})

	// CandidateDuration tracks the time spent per candidate
	CandidateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fragkey_candidate_duration_seconds",
		Help:    "Time spent annotating one candidate molecule",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
	})

	// HitsTotal counts top-level hits stored
	HitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fragkey_hits_total",
		Help: "Top-level peak hits produced",
	})
)

// WriteFile dumps the default registry in text exposition format.
func WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
