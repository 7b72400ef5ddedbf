package aggregate

import (
	"math"
	"testing"

	"github.com/opensource-health/kestrel/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func fourStageDef(threshold, band float64) *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name: "standard-audit",
		Stages: []domain.PipelineStage{
			{Name: "medical_validation", Weight: 0.3, Model: domain.ModelSpec{Type: domain.ModelTransformer}},
			{Name: "fraud_detection", Weight: 0.3, Model: domain.ModelSpec{Type: domain.ModelMLClassifier}},
			{Name: "pattern_analysis", Weight: 0.2, Model: domain.ModelSpec{Type: domain.ModelDeepLearning}},
			{Name: "expert_review", Weight: 0.2, Model: domain.ModelSpec{Type: domain.ModelLLM}},
		},
		DecisionThreshold: threshold,
		IndeterminateBand: band,
	}
}

func success(name string, score float64) domain.StageResult {
	return domain.StageResult{
		StageName:  name,
		Score:      ptr(score),
		Confidence: domain.ConfidenceHigh,
		ErrorState: domain.StageSuccess,
	}
}

func failed(name string, state domain.ErrorState) domain.StageResult {
	return domain.StageResult{
		StageName:  name,
		ErrorState: state,
	}
}

func TestAggregateAllStagesSucceed(t *testing.T) {
	def := fourStageDef(0.75, 0)

	results := []domain.StageResult{
		success("medical_validation", 0.92),
		success("fraud_detection", 0.15),
		success("pattern_analysis", 0.40),
		success("expert_review", 0.89),
	}

	out := Aggregate(def, results)

	if out.WeightedScore == nil {
		t.Fatal("expected a weighted score")
	}
	// 0.3*0.92 + 0.3*0.15 + 0.2*0.40 + 0.2*0.89 = 0.579
	if math.Abs(*out.WeightedScore-0.579) > 1e-9 {
		t.Errorf("expected weighted score 0.579, got %f", *out.WeightedScore)
	}
	if out.SucceededWeight != 1.0 {
		t.Errorf("expected succeeded weight 1.0, got %f", out.SucceededWeight)
	}
	if out.Recommendation != domain.RecommendDeny {
		t.Errorf("expected deny below threshold, got %s", out.Recommendation)
	}
}

func TestAggregateRenormalizesOverSucceededStages(t *testing.T) {
	def := fourStageDef(0.75, 0)

	results := []domain.StageResult{
		success("medical_validation", 0.92),
		failed("fraud_detection", domain.StageTimeout),
		success("pattern_analysis", 0.40),
		success("expert_review", 0.89),
	}

	out := Aggregate(def, results)

	if out.WeightedScore == nil {
		t.Fatal("expected a weighted score")
	}
	// (0.276 + 0.08 + 0.178) / 0.7 = 0.762857...
	want := (0.3*0.92 + 0.2*0.40 + 0.2*0.89) / 0.7
	if math.Abs(*out.WeightedScore-want) > 1e-9 {
		t.Errorf("expected weighted score %f, got %f", want, *out.WeightedScore)
	}
	if math.Abs(out.SucceededWeight-0.7) > 1e-9 {
		t.Errorf("expected succeeded weight 0.7, got %f", out.SucceededWeight)
	}
	if out.Recommendation != domain.RecommendApprove {
		t.Errorf("expected approve after renormalization, got %s", out.Recommendation)
	}
}

func TestAggregateAllStagesFailed(t *testing.T) {
	def := fourStageDef(0.75, 0.05)

	results := []domain.StageResult{
		failed("medical_validation", domain.StageBackendError),
		failed("fraud_detection", domain.StageBackendError),
		failed("pattern_analysis", domain.StageBackendError),
		failed("expert_review", domain.StageBackendError),
	}

	out := Aggregate(def, results)

	if out.WeightedScore != nil {
		t.Errorf("expected nil weighted score, got %f", *out.WeightedScore)
	}
	if out.Recommendation != domain.RecommendReview {
		t.Errorf("expected review_required, got %s", out.Recommendation)
	}
	if out.Confidence != domain.ConfidenceLow {
		t.Errorf("expected low confidence, got %s", out.Confidence)
	}
}

func TestAggregateMandatoryStageFailureForcesReview(t *testing.T) {
	def := fourStageDef(0.5, 0.05)
	def.Stages[1].Mandatory = true

	results := []domain.StageResult{
		success("medical_validation", 0.95),
		failed("fraud_detection", domain.StageBackendError),
		success("pattern_analysis", 0.95),
		success("expert_review", 0.95),
	}

	out := Aggregate(def, results)

	// Score would approve, but the failed mandatory stage overrides it.
	if out.Recommendation != domain.RecommendReview {
		t.Errorf("expected review_required on mandatory failure, got %s", out.Recommendation)
	}
	if len(out.MandatoryFailed) != 1 || out.MandatoryFailed[0] != "fraud_detection" {
		t.Errorf("expected fraud_detection in MandatoryFailed, got %v", out.MandatoryFailed)
	}
	if out.WeightedScore == nil {
		t.Error("expected weighted score to still be computed for the audit trail")
	}
	if out.Confidence != domain.ConfidenceLow {
		t.Errorf("expected low confidence for escalation, got %s", out.Confidence)
	}
}

func TestAggregateBandEdges(t *testing.T) {
	// threshold 0.7, band 0.05: approve >= 0.75, deny <= 0.65
	cases := []struct {
		name      string
		threshold float64
		band      float64
		score     float64
		want      domain.Recommendation
	}{
		{"AtApproveEdge", 0.7, 0.05, 0.75, domain.RecommendApprove},
		{"JustBelowApproveEdge", 0.7, 0.05, 0.749, domain.RecommendReview},
		{"AtDenyEdge", 0.7, 0.05, 0.65, domain.RecommendDeny},
		{"JustAboveDenyEdge", 0.7, 0.05, 0.651, domain.RecommendReview},
		{"Midpoint", 0.7, 0.05, 0.70, domain.RecommendReview},
		// 0.3-0.1 and 0.3+0.1 both round away from the exact edge.
		{"AtDenyEdgeRoundedDown", 0.3, 0.1, 0.2, domain.RecommendDeny},
		{"AtApproveEdgeRoundedUp", 0.3, 0.1, 0.4, domain.RecommendApprove},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := &domain.PipelineDefinition{
				Name: "edge",
				Stages: []domain.PipelineStage{
					{Name: "only", Weight: 1.0, Model: domain.ModelSpec{Type: domain.ModelMLClassifier}},
				},
				DecisionThreshold: tc.threshold,
				IndeterminateBand: tc.band,
			}
			out := Aggregate(def, []domain.StageResult{success("only", tc.score)})
			if out.Recommendation != tc.want {
				t.Errorf("score %f: expected %s, got %s", tc.score, tc.want, out.Recommendation)
			}
		})
	}
}

func TestAggregateDeterministic(t *testing.T) {
	def := fourStageDef(0.75, 0.05)
	results := []domain.StageResult{
		success("medical_validation", 0.92),
		success("fraud_detection", 0.15),
		success("pattern_analysis", 0.40),
		success("expert_review", 0.89),
	}

	first := Aggregate(def, results)
	for i := 0; i < 100; i++ {
		again := Aggregate(def, results)
		if *again.WeightedScore != *first.WeightedScore {
			t.Fatalf("run %d: score %f differs from %f", i, *again.WeightedScore, *first.WeightedScore)
		}
		if again.Recommendation != first.Recommendation {
			t.Fatalf("run %d: recommendation changed", i)
		}
	}
}

func TestAggregateConfidenceDowngradedOnPartialFailure(t *testing.T) {
	def := fourStageDef(0.5, 0.05)

	clean := []domain.StageResult{
		success("medical_validation", 0.95),
		success("fraud_detection", 0.95),
		success("pattern_analysis", 0.95),
		success("expert_review", 0.95),
	}
	partial := []domain.StageResult{
		success("medical_validation", 0.95),
		success("fraud_detection", 0.95),
		success("pattern_analysis", 0.95),
		failed("expert_review", domain.StageTimeout),
	}

	cleanOut := Aggregate(def, clean)
	partialOut := Aggregate(def, partial)

	if cleanOut.Confidence != domain.ConfidenceHigh {
		t.Errorf("expected high confidence with clean margin, got %s", cleanOut.Confidence)
	}
	if partialOut.Confidence != domain.ConfidenceMedium {
		t.Errorf("expected confidence downgraded to medium, got %s", partialOut.Confidence)
	}
}

func TestFeatureImportance(t *testing.T) {
	def := fourStageDef(0.75, 0)
	def.RequireExplanation = true

	results := []domain.StageResult{
		success("medical_validation", 0.92),
		success("fraud_detection", 0.15),
		success("pattern_analysis", 0.40),
		success("expert_review", 0.89),
	}

	out := Aggregate(def, results)

	if len(out.FeatureImportance) != 4 {
		t.Fatalf("expected 4 contributions, got %d", len(out.FeatureImportance))
	}

	var total float64
	for _, c := range out.FeatureImportance {
		total += c.Contribution
	}
	if math.Abs(total-1.0) > 1e-9 {
		t.Errorf("contributions should sum to 1, got %f", total)
	}

	// fraud_detection scored below the midpoint
	for _, c := range out.FeatureImportance {
		switch c.StageName {
		case "fraud_detection":
			if c.Impact != "negative" {
				t.Errorf("expected negative impact for fraud_detection, got %s", c.Impact)
			}
		case "medical_validation":
			if c.Impact != "positive" {
				t.Errorf("expected positive impact for medical_validation, got %s", c.Impact)
			}
		}
	}
}

func TestFeatureImportanceSkippedWhenNotRequired(t *testing.T) {
	def := fourStageDef(0.75, 0)
	def.RequireExplanation = false

	out := Aggregate(def, []domain.StageResult{success("medical_validation", 0.9)})
	if out.FeatureImportance != nil {
		t.Errorf("expected no feature importance, got %v", out.FeatureImportance)
	}
}
