//go:build property
// +build property

package aggregate_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opensource-health/kestrel/internal/aggregate"
	"github.com/opensource-health/kestrel/internal/domain"
)

// Run with: go test -tags property ./internal/aggregate/

type stageInput struct {
	Weight float64
	Score  float64
}

func buildDef(inputs []stageInput) *domain.PipelineDefinition {
	def := &domain.PipelineDefinition{
		Name:              "prop",
		DecisionThreshold: 0.7,
		IndeterminateBand: 0.05,
	}
	for i := range inputs {
		def.Stages = append(def.Stages, domain.PipelineStage{
			Name:   "stage",
			Weight: inputs[i].Weight,
			Model:  domain.ModelSpec{Type: domain.ModelMLClassifier},
		})
	}
	return def
}

func buildResults(inputs []stageInput) []domain.StageResult {
	results := make([]domain.StageResult, 0, len(inputs))
	for i := range inputs {
		s := inputs[i].Score
		results = append(results, domain.StageResult{
			StageName:  "stage",
			Score:      &s,
			ErrorState: domain.StageSuccess,
		})
	}
	return results
}

func genStages() gopter.Gen {
	genStage := gopter.CombineGens(
		gen.Float64Range(0.01, 1.0),
		gen.Float64Range(0.0, 1.0),
	).Map(func(vals []interface{}) stageInput {
		return stageInput{Weight: vals[0].(float64), Score: vals[1].(float64)}
	})
	return gen.SliceOfN(4, genStage)
}

func TestWeightedScoreBoundedByStageScores(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("score stays within [min, max] of stage scores", prop.ForAll(
		func(inputs []stageInput) bool {
			out := aggregate.Aggregate(buildDef(inputs), buildResults(inputs))
			if out.WeightedScore == nil {
				return false
			}
			lo, hi := 1.0, 0.0
			for _, in := range inputs {
				if in.Score < lo {
					lo = in.Score
				}
				if in.Score > hi {
					hi = in.Score
				}
			}
			const eps = 1e-9
			return *out.WeightedScore >= lo-eps && *out.WeightedScore <= hi+eps
		},
		genStages(),
	))

	properties.TestingRun(t)
}

func TestWeightScalingInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("scaling every weight by a constant leaves the score unchanged", prop.ForAll(
		func(inputs []stageInput, factor float64) bool {
			base := aggregate.Aggregate(buildDef(inputs), buildResults(inputs))

			scaled := make([]stageInput, len(inputs))
			copy(scaled, inputs)
			for i := range scaled {
				scaled[i].Weight *= factor
			}
			rescored := aggregate.Aggregate(buildDef(scaled), buildResults(scaled))

			if base.WeightedScore == nil || rescored.WeightedScore == nil {
				return false
			}
			diff := *base.WeightedScore - *rescored.WeightedScore
			if diff < 0 {
				diff = -diff
			}
			return diff < 1e-9
		},
		genStages(),
		gen.Float64Range(0.1, 100.0),
	))

	properties.TestingRun(t)
}

func recommendationRank(r domain.Recommendation) int {
	switch r {
	case domain.RecommendApprove:
		return 2
	case domain.RecommendReview:
		return 1
	default:
		return 0
	}
}

func TestRaisingThresholdNeverMakesDecisionMorePermissive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("recommendation is monotone non-increasing in the threshold", prop.ForAll(
		func(inputs []stageInput, t1, t2 float64) bool {
			lo, hi := t1, t2
			if lo > hi {
				lo, hi = hi, lo
			}

			defLo := buildDef(inputs)
			defLo.DecisionThreshold = lo
			defHi := buildDef(inputs)
			defHi.DecisionThreshold = hi

			recLo := aggregate.Aggregate(defLo, buildResults(inputs)).Recommendation
			recHi := aggregate.Aggregate(defHi, buildResults(inputs)).Recommendation

			return recommendationRank(recLo) >= recommendationRank(recHi)
		},
		genStages(),
		gen.Float64Range(0.0, 1.0),
		gen.Float64Range(0.0, 1.0),
	))

	properties.TestingRun(t)
}

func TestRaisingOneScoreNeverLowersTheResult(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("weighted score is monotone in each stage score", prop.ForAll(
		func(inputs []stageInput, idx int, bump float64) bool {
			i := idx % len(inputs)

			before := aggregate.Aggregate(buildDef(inputs), buildResults(inputs))

			raised := make([]stageInput, len(inputs))
			copy(raised, inputs)
			raised[i].Score += (1.0 - raised[i].Score) * bump
			after := aggregate.Aggregate(buildDef(raised), buildResults(raised))

			if before.WeightedScore == nil || after.WeightedScore == nil {
				return false
			}
			return *after.WeightedScore >= *before.WeightedScore-1e-9
		},
		genStages(),
		gen.IntRange(0, 3),
		gen.Float64Range(0.0, 1.0),
	))

	properties.TestingRun(t)
}
