// Package pipeline orchestrates a full case evaluation: stage execution,
// fraud indicator matching, and score aggregation, producing an immutable
// decision record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-health/kestrel/internal/aggregate"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/metrics"
	"github.com/opensource-health/kestrel/internal/stage"
)

const engineVersion = "kestrel-1.0"

// ErrPipelineNotFound is returned when the requested pipeline is not in
// the current snapshot.
var ErrPipelineNotFound = errors.New("pipeline not found")

// Enricher fills derived facts (velocity counters, history aggregates)
// before evaluation. Enrichment failures degrade the facts, not the
// evaluation.
type Enricher interface {
	Enrich(ctx context.Context, facts *domain.CaseFacts) error
}

// Engine runs case evaluations against the current snapshot.
type Engine struct {
	store    *Store
	executor *stage.Executor
	enricher Enricher
	sink     domain.AuditSink
	recorder *metrics.Recorder
}

// NewEngine creates an evaluation engine. The enricher and sink may be
// nil.
func NewEngine(store *Store, executor *stage.Executor, enricher Enricher, sink domain.AuditSink, recorder *metrics.Recorder) *Engine {
	return &Engine{
		store:    store,
		executor: executor,
		enricher: enricher,
		sink:     sink,
		recorder: recorder,
	}
}

// Store exposes the snapshot store for reload handlers.
func (e *Engine) Store() *Store {
	return e.store
}

// Evaluate runs the named pipeline against the case facts. Individual
// stage failures are absorbed into the result; only facts that cannot be
// evaluated at all (validation failure, unknown pipeline) return an error,
// and then the decision carries the failed state.
func (e *Engine) Evaluate(ctx context.Context, pipelineName string, facts *domain.CaseFacts) (*domain.AggregateDecision, error) {
	start := time.Now()

	snap := e.store.Load()
	def, ok := snap.Pipeline(pipelineName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineName)
	}

	if err := facts.Validate(); err != nil {
		dec := &domain.AggregateDecision{
			ID:             uuid.New().String(),
			TenantID:       facts.TenantID,
			CaseID:         facts.CaseID,
			State:          domain.EvalFailed,
			Recommendation: domain.RecommendReview,
			Confidence:     domain.ConfidenceLow,
			DecisionPath:   []string{fmt.Sprintf("evaluation failed: %v", err)},
			Timestamp:      time.Now().UTC(),
			Metadata:       e.metadata(ctx, def, 0, 0, 0, 0, start),
		}
		// Failed evaluations are part of the audit trail too.
		e.record(ctx, facts.TenantID, dec)
		return dec, err
	}

	if def.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.EvaluationTimeout)
		defer cancel()
	}

	if e.enricher != nil {
		if err := e.enricher.Enrich(ctx, facts); err != nil {
			slog.Warn("history enrichment failed, evaluating without derived facts",
				"case_id", facts.CaseID, "error", err)
		}
	}

	// Fraud matching is independent of the stages and runs concurrently
	// with them.
	matchCh := make(chan matchOutcome, 1)
	go func() {
		ms := time.Now()
		matches := snap.Matcher.Evaluate(ctx, facts)
		matchCh <- matchOutcome{matches: matches, elapsed: time.Since(ms)}
	}()

	// Stages run sequentially: later stages see earlier stage evidence.
	results := make([]domain.StageResult, len(def.Stages))
	evidence := make(map[string]any)
	stagesStart := time.Now()
	for i, stg := range def.Stages {
		if ctx.Err() != nil {
			results[i] = domain.StageResult{
				StageName:  stg.Name,
				ErrorState: domain.StageTimeout,
			}
			continue
		}
		results[i] = e.executor.Run(ctx, stg, facts, evidence, def.StageTimeout, def.Retry)
		if results[i].Succeeded() {
			evidence[stg.Name] = results[i].Evidence
		}
	}
	stagesMs := time.Since(stagesStart).Milliseconds()

	mo := <-matchCh

	outcome := aggregate.Aggregate(def, results)

	dec := &domain.AggregateDecision{
		ID:                uuid.New().String(),
		TenantID:          facts.TenantID,
		CaseID:            facts.CaseID,
		State:             domain.EvalCompleted,
		WeightedScore:     outcome.WeightedScore,
		Recommendation:    outcome.Recommendation,
		Confidence:        outcome.Confidence,
		StageResults:      results,
		FraudMatches:      mo.matches,
		FeatureImportance: outcome.FeatureImportance,
		DecisionPath:      buildDecisionPath(def, results, mo.matches, outcome),
		Timestamp:         time.Now().UTC(),
		Metadata:          e.metadata(ctx, def, len(results), snap.Matcher.RuleCount(), stagesMs, mo.elapsed.Milliseconds(), start),
	}

	e.recorder.RecordDecision(ctx, def.Name, dec.Recommendation)
	e.record(ctx, facts.TenantID, dec)

	return dec, nil
}

// record hands a decision to the audit sink. Sink failures are logged,
// never fatal to the evaluation.
func (e *Engine) record(ctx context.Context, tenantID string, dec *domain.AggregateDecision) {
	if e.sink == nil {
		return
	}
	if err := e.sink.RecordDecision(ctx, tenantID, dec); err != nil {
		slog.Error("failed to record decision", "decision_id", dec.ID, "error", err)
	}
}

type matchOutcome struct {
	matches []domain.FraudMatch
	elapsed time.Duration
}

func (e *Engine) metadata(ctx context.Context, def *domain.PipelineDefinition, stagesRun, rules int, stagesMs, matcherMs int64, start time.Time) domain.DecisionMetadata {
	md := domain.DecisionMetadata{
		PipelineName:   def.Name,
		PipelineVer:    def.Version,
		StagesRun:      stagesRun,
		RulesEvaluated: rules,
		StagesMs:       stagesMs,
		MatcherMs:      matcherMs,
		TotalMs:        time.Since(start).Milliseconds(),
		EngineVersion:  engineVersion,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		md.TraceID = sc.TraceID().String()
	}
	return md
}

// buildDecisionPath produces the ordered human-readable trail for the
// audit record. Every stage appears, including the skipped ones.
func buildDecisionPath(def *domain.PipelineDefinition, results []domain.StageResult, matches []domain.FraudMatch, outcome aggregate.Outcome) []string {
	path := make([]string, 0, len(results)+2)
	for i, r := range results {
		weight := 0.0
		if i < len(def.Stages) {
			weight = def.Stages[i].Weight
		}
		switch {
		case r.Succeeded():
			path = append(path, fmt.Sprintf("stage %s: score=%.3f (weight %.2f)", r.StageName, *r.Score, weight))
		case r.ErrorState == domain.StageTimeout:
			// Timed-out stages are excluded from the score whether they
			// were attempted or never reached; the attempt count in the
			// stage result keeps the distinction.
			path = append(path, fmt.Sprintf("stage %s: skipped (timeout)", r.StageName))
		default:
			path = append(path, fmt.Sprintf("stage %s: failed (%s)", r.StageName, r.ErrorState))
		}
	}

	triggered := 0
	for _, m := range matches {
		if m.Matched {
			triggered++
		}
	}
	if triggered > 0 {
		path = append(path, fmt.Sprintf("fraud indicators: %d of %d triggered", triggered, len(matches)))
	}

	if outcome.WeightedScore != nil {
		path = append(path, fmt.Sprintf("decision: %s (score %.3f over weight %.2f)", outcome.Recommendation, *outcome.WeightedScore, outcome.SucceededWeight))
	} else {
		path = append(path, fmt.Sprintf("decision: %s (no usable stage scores)", outcome.Recommendation))
	}
	for _, name := range outcome.MandatoryFailed {
		path = append(path, fmt.Sprintf("mandatory stage %s failed, forcing review", name))
	}
	return path
}
