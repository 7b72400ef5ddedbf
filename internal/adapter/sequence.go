package adapter

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/opensource-health/kestrel/internal/domain"
)

// SequenceAdapter invokes a deep-learning sequence model that scores a
// case's procedure-code sequence against learned billing patterns. The
// backend reports an unbounded non-negative anomaly score; normalization
// maps it to [0,1] with score = exp(-anomaly), so a zero anomaly is a
// perfectly ordinary sequence (score 1.0) and the score decays smoothly
// toward 0 as the anomaly grows.
type SequenceAdapter struct {
	Client *http.Client
}

type sequenceRequest struct {
	Sequence       []string `json:"sequence"`
	EntityID       string   `json:"entity_id"`
	SequenceLength int      `json:"sequence_length,omitempty"`
	ModelVersion   string   `json:"model_version,omitempty"`
}

type sequenceResponse struct {
	AnomalyScore float64   `json:"anomaly_score"`
	NearestMotif string    `json:"nearest_motif,omitempty"`
	Embedding    []float64 `json:"embedding,omitempty"`
}

func (a *SequenceAdapter) Invoke(ctx context.Context, spec domain.ModelSpec, facts *domain.CaseFacts, _ map[string]any) (*domain.ModelOutput, error) {
	req := sequenceRequest{
		Sequence:       facts.ProcedureCodes,
		EntityID:       facts.ProviderID,
		SequenceLength: spec.SequenceLength,
		ModelVersion:   spec.Version,
	}

	var resp sequenceResponse
	if err := postJSON(ctx, a.Client, spec.Endpoint, req, &resp); err != nil {
		return nil, err
	}
	if resp.AnomalyScore < 0 || math.IsNaN(resp.AnomalyScore) || math.IsInf(resp.AnomalyScore, 0) {
		return nil, fmt.Errorf("%w: anomaly_score %v", domain.ErrInvalidResponse, resp.AnomalyScore)
	}

	score := math.Exp(-resp.AnomalyScore)

	return &domain.ModelOutput{
		Score:      score,
		Confidence: confidenceFromMargin(score),
		Evidence: map[string]any{
			"anomaly_score": resp.AnomalyScore,
			"nearest_motif": resp.NearestMotif,
		},
	}, nil
}
