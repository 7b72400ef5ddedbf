package adapter

import (
	"context"
	"net/http"

	"github.com/opensource-health/kestrel/internal/domain"
)

// TransformerAdapter invokes a transformer-classifier serving endpoint
// (medical-text validation). The backend reports a legitimacy probability
// in [0,1], which is already the common scale, so the normalized score is
// the probability itself and confidence follows the midpoint-margin rule.
type TransformerAdapter struct {
	Client *http.Client
}

type transformerRequest struct {
	Text           string   `json:"text"`
	Codes          []string `json:"codes,omitempty"`
	SequenceLength int      `json:"sequence_length,omitempty"`
	ModelVersion   string   `json:"model_version,omitempty"`
}

type transformerResponse struct {
	Probability float64            `json:"probability"`
	Label       string             `json:"label,omitempty"`
	TokenCount  int                `json:"token_count,omitempty"`
	Attention   map[string]float64 `json:"attention,omitempty"`
}

func (a *TransformerAdapter) Invoke(ctx context.Context, spec domain.ModelSpec, facts *domain.CaseFacts, _ map[string]any) (*domain.ModelOutput, error) {
	req := transformerRequest{
		Text:           facts.MedicalText,
		Codes:          append(append([]string{}, facts.ProcedureCodes...), facts.DiagnosisCodes...),
		SequenceLength: spec.SequenceLength,
		ModelVersion:   spec.Version,
	}

	var resp transformerResponse
	if err := postJSON(ctx, a.Client, spec.Endpoint, req, &resp); err != nil {
		return nil, err
	}
	if err := checkUnit("probability", resp.Probability); err != nil {
		return nil, err
	}

	evidence := map[string]any{
		"label":       resp.Label,
		"token_count": resp.TokenCount,
	}
	for k, v := range resp.Attention {
		evidence["attention."+k] = v
	}

	return &domain.ModelOutput{
		Score:      resp.Probability,
		Confidence: confidenceFromMargin(resp.Probability),
		Evidence:   evidence,
	}, nil
}
