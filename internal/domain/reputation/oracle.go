package reputation

import (
	"context"

	"github.com/sentinelSCA/sentinel/internal/domain/policy"
)

// Float oracle parameters. New agents start at OracleDefault and every
// decision nudges the score, clamped to [0,1].
const (
	OracleDefault     = 1.0
	OracleDeltaAllow  = 0.01
	OracleDeltaReview = -0.03
	OracleDeltaDeny   = -0.08
)

// Oracle stores the float reputation score per agent.
type Oracle interface {
	// Score returns the agent's current score, OracleDefault when unseen.
	Score(ctx context.Context, agent string) (float64, error)
	// Update applies the decision delta and returns the new score.
	Update(ctx context.Context, agent string, decision policy.Decision) (float64, error)
}

// OracleDelta returns the float score delta for a decision.
func OracleDelta(d policy.Decision) float64 {
	switch d {
	case policy.Allow:
		return OracleDeltaAllow
	case policy.Review:
		return OracleDeltaReview
	case policy.Deny:
		return OracleDeltaDeny
	default:
		return 0
	}
}

// ApplyOracleDelta applies a decision to a score and clamps to [0,1].
func ApplyOracleDelta(score float64, d policy.Decision) float64 {
	score += OracleDelta(d)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
