// Package aggregate combines per-stage scores into the final weighted
// recommendation.
package aggregate

import (
	"github.com/opensource-health/kestrel/internal/domain"
)

// edgeTolerance absorbs float64 rounding when comparing a score against
// the inclusive band edges.
const edgeTolerance = 1e-9

// Outcome is the aggregator's result for one case.
type Outcome struct {
	WeightedScore     *float64
	Recommendation    domain.Recommendation
	Confidence        domain.Confidence
	FeatureImportance []domain.StageContribution

	// SucceededWeight is the renormalization denominator W.
	SucceededWeight float64

	// MandatoryFailed names mandatory stages that did not succeed.
	MandatoryFailed []string
}

// Aggregate computes the weighted score over stages that succeeded,
// renormalizing weights over exactly those stages. This is a deliberate
// policy choice: a case with one failed low-weight stage stays scorable,
// at the cost of silently shifting effective weights — the pipeline
// surfaces every skipped stage in the decision path so the shift is
// visible in the audit trail.
//
// Uncertainty never defaults to approve: all-stages-failed and
// mandatory-stage-failed both force review_required.
func Aggregate(def *domain.PipelineDefinition, results []domain.StageResult) Outcome {
	out := Outcome{}

	var sum, w float64
	anyFailed := false
	for i, r := range results {
		if i >= len(def.Stages) {
			break
		}
		stg := def.Stages[i]
		if r.Succeeded() {
			sum += stg.Weight * *r.Score
			w += stg.Weight
		} else {
			anyFailed = true
			if stg.Mandatory {
				out.MandatoryFailed = append(out.MandatoryFailed, stg.Name)
			}
		}
	}
	out.SucceededWeight = w

	if w == 0 {
		out.Recommendation = domain.RecommendReview
		out.Confidence = domain.ConfidenceLow
		return out
	}

	score := sum / w
	out.WeightedScore = &score

	if def.RequireExplanation {
		out.FeatureImportance = featureImportance(def, results, score, w)
	}

	// Band edges are inclusive. threshold±band is compared through the
	// signed margin with a small tolerance so an exact-edge score is not
	// pushed into the band by rounding (0.7-0.05 != 0.65 in float64).
	band := def.IndeterminateBand
	margin := score - def.DecisionThreshold
	switch {
	case len(out.MandatoryFailed) > 0:
		out.Recommendation = domain.RecommendReview
	case margin >= band-edgeTolerance:
		out.Recommendation = domain.RecommendApprove
	case margin <= -(band - edgeTolerance):
		out.Recommendation = domain.RecommendDeny
	default:
		out.Recommendation = domain.RecommendReview
	}

	out.Confidence = confidence(score, def.DecisionThreshold, band, anyFailed, out.Recommendation)
	return out
}

// featureImportance computes each succeeded stage's normalized share of
// the weighted score, with impact signed relative to the 0.5 midpoint.
func featureImportance(def *domain.PipelineDefinition, results []domain.StageResult, score, w float64) []domain.StageContribution {
	contribs := make([]domain.StageContribution, 0, len(results))
	for i, r := range results {
		if i >= len(def.Stages) || !r.Succeeded() {
			continue
		}
		stg := def.Stages[i]

		var contribution float64
		if score > 0 {
			contribution = (stg.Weight * *r.Score) / (score * w)
		}

		impact := "neutral"
		if *r.Score > 0.5 {
			impact = "positive"
		} else if *r.Score < 0.5 {
			impact = "negative"
		}

		contribs = append(contribs, domain.StageContribution{
			StageName:    stg.Name,
			Score:        *r.Score,
			Weight:       stg.Weight,
			Contribution: contribution,
			Impact:       impact,
		})
	}
	return contribs
}

// confidence grades how far the score sits from the indeterminate band,
// downgraded one level when any stage failed. review_required is always
// low confidence: it is an escalation, not a verdict.
func confidence(score, threshold, band float64, anyFailed bool, rec domain.Recommendation) domain.Confidence {
	if rec == domain.RecommendReview {
		return domain.ConfidenceLow
	}

	margin := score - threshold
	if margin < 0 {
		margin = -margin
	}
	margin -= band

	level := domain.ConfidenceLow
	switch {
	case margin >= 0.2:
		level = domain.ConfidenceHigh
	case margin >= 0.05:
		level = domain.ConfidenceMedium
	}

	if anyFailed {
		switch level {
		case domain.ConfidenceHigh:
			level = domain.ConfidenceMedium
		case domain.ConfidenceMedium:
			level = domain.ConfidenceLow
		}
	}
	return level
}
