// Package metrics exposes the engine's OpenTelemetry instruments:
// per-stage latency and errors, decision distribution, and fraud-match
// counters. Export wiring (OTLP, Prometheus bridge) is the host's concern.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opensource-health/kestrel/internal/domain"
)

// Recorder holds the engine's metric instruments. A nil *Recorder is a
// valid no-op so components never need conditional wiring.
type Recorder struct {
	stageLatency metric.Float64Histogram
	stageErrors  metric.Int64Counter
	decisions    metric.Int64Counter
	fraudMatches metric.Int64Counter
}

// NewRecorder creates the instruments on the global meter provider.
func NewRecorder() (*Recorder, error) {
	meter := otel.Meter("kestrel-engine")

	stageLatency, err := meter.Float64Histogram("kestrel.stage.latency",
		metric.WithDescription("Per-stage model invocation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage latency histogram: %w", err)
	}

	stageErrors, err := meter.Int64Counter("kestrel.stage.errors",
		metric.WithDescription("Stage invocation failures by error state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage error counter: %w", err)
	}

	decisions, err := meter.Int64Counter("kestrel.decisions",
		metric.WithDescription("Aggregate decisions by recommendation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision counter: %w", err)
	}

	fraudMatches, err := meter.Int64Counter("kestrel.fraud.matches",
		metric.WithDescription("Fraud indicator matches by rule and severity"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fraud match counter: %w", err)
	}

	return &Recorder{
		stageLatency: stageLatency,
		stageErrors:  stageErrors,
		decisions:    decisions,
		fraudMatches: fraudMatches,
	}, nil
}

// RecordStage records one finished stage run.
func (r *Recorder) RecordStage(ctx context.Context, stage string, state domain.ErrorState, latencyMs int64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("state", string(state)),
	)
	r.stageLatency.Record(ctx, float64(latencyMs), attrs)
	if state != domain.StageSuccess {
		r.stageErrors.Add(ctx, 1, attrs)
	}
}

// RecordDecision counts one aggregate decision.
func (r *Recorder) RecordDecision(ctx context.Context, pipeline string, rec domain.Recommendation) {
	if r == nil {
		return
	}
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("recommendation", string(rec)),
	))
}

// RecordFraudMatch counts one matched fraud indicator.
func (r *Recorder) RecordFraudMatch(ctx context.Context, rule string, severity domain.Severity) {
	if r == nil {
		return
	}
	r.fraudMatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.String("severity", string(severity)),
	))
}
