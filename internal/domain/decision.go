package domain

import (
	"errors"
	"time"
)

// Errors surfaced by model adapters. Timeout and BackendUnavailable are
// retryable; InvalidResponse is not.
var (
	ErrTimeout            = errors.New("model invocation timed out")
	ErrBackendUnavailable = errors.New("model backend unavailable")
	ErrInvalidResponse    = errors.New("model returned invalid response")

	// ErrInvalidCaseFacts means the evaluation could not start at all.
	// Distinct from partial stage failure, which still completes.
	ErrInvalidCaseFacts = errors.New("invalid case facts")
)

// Confidence is the qualitative confidence attached to a score.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ModelOutput is the normalized result of one backend invocation.
type ModelOutput struct {
	Score      float64        `json:"score"` // always in [0,1], higher = more legitimate
	Confidence Confidence     `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
}

// ErrorState classifies the outcome of one stage run.
type ErrorState string

const (
	StageSuccess      ErrorState = "success"
	StageTimeout      ErrorState = "timeout"
	StageBackendError ErrorState = "backend_error"
)

// StageAttempt records one invocation attempt, including failed retries.
type StageAttempt struct {
	Number    int    `json:"number"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// StageResult is the immutable output of running one stage for one case.
// Score is nil when the stage did not produce a usable score.
type StageResult struct {
	StageName  string         `json:"stageName"`
	Score      *float64       `json:"score,omitempty"`
	Confidence Confidence     `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	ErrorState ErrorState     `json:"errorState"`
	LatencyMs  int64          `json:"latencyMs"`
	Attempts   []StageAttempt `json:"attempts,omitempty"`
}

// Succeeded reports whether the stage produced a score usable by the
// aggregator.
func (r *StageResult) Succeeded() bool {
	return r.ErrorState == StageSuccess && r.Score != nil
}

// Recommendation is the pipeline's verdict for a case.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendDeny    Recommendation = "deny"
	RecommendReview  Recommendation = "review_required"
)

// EvalState is the terminal state of a case evaluation.
type EvalState string

const (
	EvalPending   EvalState = "pending"
	EvalRunning   EvalState = "running"
	EvalCompleted EvalState = "completed"
	EvalFailed    EvalState = "failed"
)

// StageContribution is one entry of the feature-importance breakdown.
type StageContribution struct {
	StageName    string  `json:"stageName"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"` // normalized share of the weighted score
	Impact       string  `json:"impact"`       // "positive", "neutral", "negative" vs the 0.5 midpoint
}

// DecisionMetadata carries processing information for the audit trail.
type DecisionMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	PipelineName   string `json:"pipelineName"`
	PipelineVer    string `json:"pipelineVersion,omitempty"`
	StagesRun      int    `json:"stagesRun"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	StagesMs       int64  `json:"stagesMs"`
	MatcherMs      int64  `json:"matcherMs"`
	TotalMs        int64  `json:"totalMs"`
	EngineVersion  string `json:"engineVersion"`
}

// AggregateDecision is the immutable final output of one case evaluation.
// WeightedScore is nil when every stage failed.
type AggregateDecision struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	CaseID         string         `json:"caseId"`
	State          EvalState      `json:"state"`
	WeightedScore  *float64       `json:"weightedScore,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     Confidence     `json:"confidence"`

	// StageResults are stored in pipeline-declared order regardless of
	// completion order.
	StageResults []StageResult `json:"stageResults"`

	// FraudMatches are sorted severity descending, then rule name ascending.
	FraudMatches []FraudMatch `json:"fraudMatches,omitempty"`

	FeatureImportance []StageContribution `json:"featureImportance,omitempty"`

	// DecisionPath is the ordered, human-readable stage verdict trail,
	// including skipped stages.
	DecisionPath []string `json:"decisionPath"`

	Timestamp time.Time        `json:"timestamp"`
	Metadata  DecisionMetadata `json:"metadata"`
}

// Escalated reports whether the decision needs human attention.
func (d *AggregateDecision) Escalated() bool {
	return d.Recommendation == RecommendReview
}
