// Package risk implements RiskCombiner (SPEC_FULL.md §4.4): combining the
// isolation score and a weighted rule score into a single combined score,
// then mapping that score to a risk tier.
package risk

import (
	"rba-core/internal/features"
	"rba-core/internal/models"
)

// Config mirrors spec.md §4.4's configuration surface.
type Config struct {
	UseWeightedRule bool
	Alpha           float64
	FeatureWeights  map[string]float64
	ThresholdLower  float64
	ThresholdUpper  float64
}

// Result is everything RiskCombiner.Combine produces for one attempt.
type Result struct {
	IFScore       float64
	RuleScore     float64
	CombinedScore float64
	Tier          models.RiskTier
}

// Combiner is stateless; it only needs the loaded Config.
type Combiner struct {
	cfg Config
}

func New(cfg Config) *Combiner {
	return &Combiner{cfg: cfg}
}

// Combine computes the rule score from v (when enabled), blends it with
// ifScore, and maps the result to a tier.
func (c *Combiner) Combine(ifScore float64, v features.Vector) Result {
	if !c.cfg.UseWeightedRule {
		return Result{
			IFScore:       ifScore,
			RuleScore:     0,
			CombinedScore: ifScore,
			Tier:          tierFor(ifScore, c.cfg.ThresholdLower, c.cfg.ThresholdUpper),
		}
	}

	weights := NormalizeWeights(c.cfg.FeatureWeights)
	vm := v.Map()

	var ruleScore float64
	for name, w := range weights {
		ruleScore += w * vm[name]
	}

	combined := c.cfg.Alpha*ifScore + (1-c.cfg.Alpha)*ruleScore
	return Result{
		IFScore:       ifScore,
		RuleScore:     ruleScore,
		CombinedScore: combined,
		Tier:          tierFor(combined, c.cfg.ThresholdLower, c.cfg.ThresholdUpper),
	}
}

// NormalizeWeights scales weights so they sum to 1, falling back to a
// uniform distribution over features.Order when every input weight is zero
// or the map is empty. A feature missing from the map gets weight 0.
// Negative weights are treated as absent (0), matching "positive number" in
// spec.md §4.4.
func NormalizeWeights(weights map[string]float64) map[string]float64 {
	var sum float64
	cleaned := make(map[string]float64, len(features.Order))
	for _, name := range features.Order {
		w := weights[name]
		if w < 0 {
			w = 0
		}
		cleaned[name] = w
		sum += w
	}

	normalized := make(map[string]float64, len(features.Order))
	if sum == 0 {
		uniform := 1.0 / float64(len(features.Order))
		for _, name := range features.Order {
			normalized[name] = uniform
		}
		return normalized
	}
	for _, name := range features.Order {
		normalized[name] = cleaned[name] / sum
	}
	return normalized
}

func tierFor(combined, lower, upper float64) models.RiskTier {
	switch {
	case combined <= lower:
		return models.RiskTierLow
	case combined <= upper:
		return models.RiskTierMedium
	default:
		return models.RiskTierHigh
	}
}

// FailedAttemptResult is the fixed result recorded for a failed-credentials
// attempt per §4.6: combinedScore=0, tier=High.
func FailedAttemptResult() Result {
	return Result{IFScore: 0, RuleScore: 0, CombinedScore: 0, Tier: models.RiskTierHigh}
}
