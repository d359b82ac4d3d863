// Package health scores connection reliability and records fleet-level
// system metrics.
package health

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/jobs"
)

// Score weighting: recent job outcomes and the failure streak dominate;
// recency is a smaller corrective.
const (
	successRateWeight = 0.4
	failureWeight     = 0.4
	recencyWeight     = 0.2

	// successRateWindow is how many finished jobs feed the success rate.
	successRateWindow = 20

	// failurePenalty is deducted per consecutive failure, to a floor of 0.
	failurePenalty = 15

	// stalenessPenaltyPerDay is deducted per day without a success once the
	// last success is more than a day old.
	stalenessPenaltyPerDay = 10
)

// Status thresholds.
const (
	healthyThreshold = 80
	warningThreshold = 50
)

// Score computes a 0-100 health score:
//
//	0.4*success_rate + 0.4*failure_component + 0.2*recency_component
//
// where the failure component is 100 with no consecutive failures and loses
// 15 points per failure, and the recency component is 100 while the last
// success is within 24 hours, losing 10 points per day of age after that.
// Connections that have never succeeded take the full recency component so
// they start healthy.
func Score(successRate float64, consecutiveFailures int, lastSuccessAt *time.Time, now time.Time) int {
	sr := 100 * clamp01(successRate)

	failure := 100.0
	if consecutiveFailures > 0 {
		failure = math.Max(0, 100-float64(failurePenalty*consecutiveFailures))
	}

	recency := 100.0
	if lastSuccessAt != nil {
		if age := now.Sub(*lastSuccessAt); age > 24*time.Hour {
			recency = math.Max(0, 100-(age.Hours()/24)*stalenessPenaltyPerDay)
		}
	}

	score := successRateWeight*sr + failureWeight*failure + recencyWeight*recency

	rounded := int(math.Round(score))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

// StatusFor classifies a score.
func StatusFor(score int) domain.HealthStatus {
	switch {
	case score >= healthyThreshold:
		return domain.HealthHealthy
	case score >= warningThreshold:
		return domain.HealthWarning
	default:
		return domain.HealthCritical
	}
}

// Scorer recomputes and persists connection health scores after sync runs.
type Scorer struct {
	jobs  *jobs.Repository
	conns *connections.Repository
	log   zerolog.Logger
}

// NewScorer creates a health scorer.
func NewScorer(jobsRepo *jobs.Repository, conns *connections.Repository, log zerolog.Logger) *Scorer {
	return &Scorer{
		jobs:  jobsRepo,
		conns: conns,
		log:   log.With().Str("component", "health_scorer").Logger(),
	}
}

// Rescore computes the connection's current score and persists it. Returns
// the new score.
func (s *Scorer) Rescore(conn *domain.Connection, now time.Time) (int, error) {
	successRate, err := s.jobs.SuccessRate(conn.ID, successRateWindow)
	if err != nil {
		return 0, err
	}

	score := Score(successRate, conn.ConsecutiveFailures, conn.LastSuccessAt, now)
	if err := s.conns.SetHealthScore(conn.ID, score); err != nil {
		return 0, err
	}

	if StatusFor(score) != domain.HealthHealthy {
		s.log.Warn().
			Str("connection_id", conn.ID).
			Int("score", score).
			Int("consecutive_failures", conn.ConsecutiveFailures).
			Msg("Connection health degraded")
	}
	return score, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
