// Package adapter provides the uniform model-invocation interface and one
// concrete backend per model type.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

// ModelAdapter invokes one class of scoring backend and normalizes its
// native output into the common score/confidence/evidence record.
// Adapters hold no per-case state; a cancelled invocation leaves no
// partial side effects.
type ModelAdapter interface {
	// Invoke runs the model for one case. evidence carries the outputs of
	// earlier pipeline stages so downstream models (expert review) can
	// reference them.
	Invoke(ctx context.Context, spec domain.ModelSpec, facts *domain.CaseFacts, evidence map[string]any) (*domain.ModelOutput, error)
}

// Registry maps model types to their adapter implementation.
type Registry struct {
	adapters map[domain.ModelType]ModelAdapter
}

// NewRegistry builds the adapter registry from configuration.
// The LLM backend is only registered when an API key is configured.
func NewRegistry(ctx context.Context, cfg domain.ModelsConfig) (*Registry, error) {
	timeout := time.Duration(cfg.HTTPTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	r := &Registry{adapters: map[domain.ModelType]ModelAdapter{
		domain.ModelTransformer:  &TransformerAdapter{Client: client},
		domain.ModelMLClassifier: &ClassifierAdapter{Client: client},
		domain.ModelDeepLearning: &SequenceAdapter{Client: client},
	}}

	if cfg.GeminiAPIKey != "" {
		llm, err := NewLLMAdapter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize llm adapter: %w", err)
		}
		r.adapters[domain.ModelLLM] = llm
	}

	return r, nil
}

// Register overrides or adds an adapter for a model type.
func (r *Registry) Register(t domain.ModelType, a ModelAdapter) {
	r.adapters[t] = a
}

// Get returns the adapter for a model type.
func (r *Registry) Get(t domain.ModelType) (ModelAdapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

// Invoke dispatches to the adapter registered for spec.Type.
func (r *Registry) Invoke(ctx context.Context, spec domain.ModelSpec, facts *domain.CaseFacts, evidence map[string]any) (*domain.ModelOutput, error) {
	a, ok := r.adapters[spec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for model type %q", domain.ErrBackendUnavailable, spec.Type)
	}
	return a.Invoke(ctx, spec, facts, evidence)
}

// confidenceFromMargin maps a [0,1] score to a qualitative confidence by
// its distance from the 0.5 midpoint: margin >= 0.4 is high, >= 0.2 is
// medium, anything closer is low. Deterministic by construction.
func confidenceFromMargin(score float64) domain.Confidence {
	margin := score - 0.5
	if margin < 0 {
		margin = -margin
	}
	switch {
	case margin >= 0.4:
		return domain.ConfidenceHigh
	case margin >= 0.2:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// postJSON performs one JSON POST against a serving endpoint and decodes
// the response, classifying transport failures into the adapter error
// taxonomy: deadline -> ErrTimeout, connection/5xx -> ErrBackendUnavailable,
// 4xx or undecodable body -> ErrInvalidResponse.
func postJSON(ctx context.Context, client *http.Client, url string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", domain.ErrInvalidResponse, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return domain.ErrTimeout
		}
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	// The raw payload rides along in invalid-response errors so a broken
	// backend can be diagnosed from the stage-failure log alone.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: backend returned %d: %s", domain.ErrBackendUnavailable, resp.StatusCode, snippet(raw))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: backend returned %d: %s", domain.ErrInvalidResponse, resp.StatusCode, snippet(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v: %s", domain.ErrInvalidResponse, err, snippet(raw))
	}
	return nil
}

// snippet renders a raw backend payload for an error message, truncated
// and with newlines flattened.
func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return strconv.Quote(s)
}

// checkUnit validates that a backend-reported value is a proper [0,1]
// probability. Out-of-range values are invalid responses, not retried.
func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %s %v out of [0,1]", domain.ErrInvalidResponse, name, v)
	}
	return nil
}
