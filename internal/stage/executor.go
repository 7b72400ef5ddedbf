// Package stage runs individual pipeline stages with timeout, retry, and
// circuit-breaking around the model adapters.
package stage

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/opensource-health/kestrel/internal/adapter"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/metrics"
)

// Executor invokes one pipeline stage per call. Timeouts and unavailable
// backends are retried with exponential backoff and jitter; invalid
// responses fail immediately. Errors never propagate past Run — they are
// absorbed into the StageResult's error state.
type Executor struct {
	adapters *adapter.Registry
	recorder *metrics.Recorder

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewExecutor creates a stage executor.
func NewExecutor(adapters *adapter.Registry, recorder *metrics.Recorder) *Executor {
	return &Executor{
		adapters: adapters,
		recorder: recorder,
		breakers: make(map[string]*breaker),
	}
}

// Run executes one stage for one case and always returns a StageResult.
// evidence carries the accumulated outputs of earlier stages.
func (e *Executor) Run(ctx context.Context, stg domain.PipelineStage, facts *domain.CaseFacts, evidence map[string]any, timeout time.Duration, retry domain.RetryConfig) domain.StageResult {
	start := time.Now()

	result := domain.StageResult{
		StageName:  stg.Name,
		Confidence: domain.ConfidenceLow,
	}

	br := e.breakerFor(stg.Model.Name)

	var out *domain.ModelOutput
	var err error
	for attempt := 0; ; attempt++ {
		attemptStart := time.Now()

		if !br.Allow() {
			err = domain.ErrBackendUnavailable
		} else {
			out, err = e.invokeOnce(ctx, stg, facts, evidence, timeout)
			if err == nil {
				br.Success()
			} else if errors.Is(err, domain.ErrBackendUnavailable) {
				br.Failure()
			}
		}

		rec := domain.StageAttempt{
			Number:    attempt + 1,
			LatencyMs: time.Since(attemptStart).Milliseconds(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		result.Attempts = append(result.Attempts, rec)

		if err == nil || !retryable(err) || attempt >= retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			// The pipeline deadline overrides remaining retries.
			err = domain.ErrTimeout
			break
		}

		wait := backoffDelay(retry, attempt)
		slog.Debug("retrying stage",
			"stage", stg.Name,
			"attempt", attempt+1,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = domain.ErrTimeout
		}
		if errors.Is(err, domain.ErrTimeout) && ctx.Err() != nil {
			break
		}
	}

	result.LatencyMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		result.Score = &out.Score
		result.Confidence = out.Confidence
		result.Evidence = out.Evidence
		result.ErrorState = domain.StageSuccess
	case errors.Is(err, domain.ErrTimeout):
		result.ErrorState = domain.StageTimeout
	default:
		result.ErrorState = domain.StageBackendError
	}

	if err != nil {
		slog.Warn("stage failed",
			"stage", stg.Name,
			"model", stg.Model.Name,
			"state", result.ErrorState,
			"attempts", len(result.Attempts),
			"error", err,
		)
	}

	e.recorder.RecordStage(ctx, stg.Name, result.ErrorState, result.LatencyMs)

	return result
}

// invokeOnce runs a single adapter invocation under the per-stage timeout.
func (e *Executor) invokeOnce(ctx context.Context, stg domain.PipelineStage, facts *domain.CaseFacts, evidence map[string]any, timeout time.Duration) (*domain.ModelOutput, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := e.adapters.Invoke(ctx, stg.Model, facts, evidence)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.ErrTimeout
		}
		return nil, err
	}
	if out.Score < 0 || out.Score > 1 || math.IsNaN(out.Score) {
		return nil, domain.ErrInvalidResponse
	}
	return out, nil
}

// retryable reports whether the error class is worth another attempt.
// InvalidResponse is deterministic and never retried.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrBackendUnavailable)
}

// backoffDelay computes base * factor^attempt with proportional jitter.
func backoffDelay(retry domain.RetryConfig, attempt int) time.Duration {
	base := retry.BaseBackoff
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	factor := retry.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}

	d := float64(base) * math.Pow(factor, float64(attempt))
	if retry.JitterPct > 0 {
		// jitter in [-pct, +pct]
		d += d * retry.JitterPct * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func (e *Executor) breakerFor(model string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[model]
	if !ok {
		b = newBreaker(5, 10*time.Second)
		e.breakers[model] = b
	}
	return b
}
