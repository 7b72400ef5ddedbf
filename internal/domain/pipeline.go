package domain

import (
	"fmt"
	"time"
)

// ModelType identifies the kind of scoring backend a stage delegates to.
type ModelType string

const (
	ModelTransformer  ModelType = "transformer"
	ModelLLM          ModelType = "llm"
	ModelMLClassifier ModelType = "ml_classifier"
	ModelDeepLearning ModelType = "deep_learning"
)

// ModelSpec identifies one scoring backend and its invocation parameters.
// Immutable once loaded into a snapshot.
type ModelSpec struct {
	Name     string    `json:"name" yaml:"name"`
	Version  string    `json:"version" yaml:"version"`
	Type     ModelType `json:"type" yaml:"type"`
	Provider string    `json:"provider" yaml:"provider"`

	// Endpoint is the serving URL for HTTP-backed models; ignored for the
	// LLM provider which carries its own client configuration.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Invocation parameters. Zero values mean "backend default".
	MaxTokens      int     `json:"maxTokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	SequenceLength int     `json:"sequenceLength,omitempty" yaml:"sequence_length,omitempty"`

	// Features declares the fact keys the model consumes.
	Features []string `json:"features,omitempty" yaml:"features,omitempty"`
}

// PipelineStage is one ordered scoring step in a pipeline definition.
type PipelineStage struct {
	Name      string    `json:"name" yaml:"name"`
	Model     ModelSpec `json:"model" yaml:"model"`
	Weight    float64   `json:"weight" yaml:"weight"`
	Mandatory bool      `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
}

// RetryConfig controls the stage executor's retry policy for retryable
// failures (timeouts, unavailable backends).
type RetryConfig struct {
	MaxRetries    int           `json:"maxRetries" yaml:"max_retries"`
	BaseBackoff   time.Duration `json:"baseBackoff" yaml:"base_backoff"`
	BackoffFactor float64       `json:"backoffFactor" yaml:"backoff_factor"`
	JitterPct     float64       `json:"jitterPct" yaml:"jitter_pct"` // 0.2 = ±20%
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		BaseBackoff:   200 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterPct:     0.2,
	}
}

// PipelineDefinition is a named, ordered sequence of stages plus the
// decision policy. Loaded once into a snapshot and read-only afterwards;
// hot reload replaces the whole snapshot atomically.
type PipelineDefinition struct {
	Name    string          `json:"name" yaml:"name"`
	Version string          `json:"version" yaml:"version"`
	Stages  []PipelineStage `json:"stages" yaml:"stages"`

	// DecisionThreshold and IndeterminateBand define the recommendation
	// bands: score >= threshold+band approves, score <= threshold-band
	// denies, anything between is review_required.
	DecisionThreshold  float64 `json:"decisionThreshold" yaml:"decision_threshold"`
	IndeterminateBand  float64 `json:"indeterminateBand" yaml:"indeterminate_band"`
	RequireExplanation bool    `json:"requireExplanation" yaml:"require_explanation"`

	// StageTimeout bounds each stage invocation; EvaluationTimeout bounds
	// the whole case evaluation.
	StageTimeout      time.Duration `json:"stageTimeout" yaml:"stage_timeout"`
	EvaluationTimeout time.Duration `json:"evaluationTimeout" yaml:"evaluation_timeout"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// Validate checks a definition at load time. Configuration errors here are
// fatal at startup: the engine must not serve with a half-loaded pipeline.
func (d *PipelineDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %s: at least one stage is required", d.Name)
	}
	if d.DecisionThreshold < 0 || d.DecisionThreshold > 1 {
		return fmt.Errorf("pipeline %s: decision_threshold must be in [0,1]", d.Name)
	}
	if d.IndeterminateBand < 0 || d.IndeterminateBand > 0.5 {
		return fmt.Errorf("pipeline %s: indeterminate_band must be in [0,0.5]", d.Name)
	}
	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("pipeline %s: stage name is required", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %s: duplicate stage %s", d.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Weight < 0 || s.Weight > 1 {
			return fmt.Errorf("pipeline %s: stage %s weight must be in [0,1]", d.Name, s.Name)
		}
		switch s.Model.Type {
		case ModelTransformer, ModelLLM, ModelMLClassifier, ModelDeepLearning:
		default:
			return fmt.Errorf("pipeline %s: stage %s has unknown model type %q", d.Name, s.Name, s.Model.Type)
		}
	}
	return nil
}
