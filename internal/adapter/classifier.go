package adapter

import (
	"context"
	"net/http"

	"github.com/opensource-health/kestrel/internal/domain"
)

// ClassifierAdapter invokes a gradient-boosted fraud classifier. The
// backend reports a fraud probability; the normalized score inverts it
// (score = 1 - p_fraud) so that, like every other stage, higher means
// more legitimate.
type ClassifierAdapter struct {
	Client *http.Client
}

type classifierRequest struct {
	Features     map[string]any `json:"features"`
	ModelVersion string         `json:"model_version,omitempty"`
}

type classifierResponse struct {
	FraudProbability  float64            `json:"fraud_probability"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}

func (a *ClassifierAdapter) Invoke(ctx context.Context, spec domain.ModelSpec, facts *domain.CaseFacts, _ map[string]any) (*domain.ModelOutput, error) {
	flat := facts.Flatten()
	features := flat
	if len(spec.Features) > 0 {
		features = make(map[string]any, len(spec.Features))
		for _, f := range spec.Features {
			if v, ok := flat[f]; ok {
				features[f] = v
			}
		}
	}

	req := classifierRequest{Features: features, ModelVersion: spec.Version}

	var resp classifierResponse
	if err := postJSON(ctx, a.Client, spec.Endpoint, req, &resp); err != nil {
		return nil, err
	}
	if err := checkUnit("fraud_probability", resp.FraudProbability); err != nil {
		return nil, err
	}

	score := 1.0 - resp.FraudProbability

	evidence := map[string]any{
		"fraud_probability": resp.FraudProbability,
	}
	for k, v := range resp.FeatureImportance {
		evidence["importance."+k] = v
	}

	return &domain.ModelOutput{
		Score:      score,
		Confidence: confidenceFromMargin(score),
		Evidence:   evidence,
	}, nil
}
