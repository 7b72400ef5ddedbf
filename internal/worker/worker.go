// Package worker provides async case processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/pipeline"
)

// Worker evaluates cases published on the event bus. The API layer
// persists the case and queues a lightweight reference message; the
// worker reloads the facts and runs the pipeline. Decision persistence
// and result publishing happen through the engine's audit sink.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	cache  domain.Cache
	engine *pipeline.Engine

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string

	// DefaultPipeline is used when a message names no pipeline.
	DefaultPipeline string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, engine *pipeline.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		cache:  cache,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker(cfg)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID, cfg); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker(cfg Config) error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicCaseSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processCase(ctx, msg.TenantID, msg, cfg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string, cfg Config) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicCaseSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processCase(ctx, tenantID, msg, cfg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicCaseSubmitted,
	)

	return nil
}

// CaseMessage is the message payload for async case evaluation.
type CaseMessage struct {
	CaseID   string `json:"caseId"`
	TenantID string `json:"tenantId,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
}

// processCase loads a queued case and evaluates it through the pipeline.
func (w *Worker) processCase(ctx context.Context, tenantID string, msg *domain.Message, cfg Config) error {
	start := time.Now()

	var caseMsg CaseMessage
	if err := json.Unmarshal(msg.Payload, &caseMsg); err != nil {
		slog.Error("failed to parse case message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if caseMsg.TenantID != "" {
		tenantID = caseMsg.TenantID
	}

	if caseMsg.CaseID == "" {
		return fmt.Errorf("case message %s carries no case id", msg.ID)
	}

	pipelineName := caseMsg.Pipeline
	if pipelineName == "" {
		pipelineName = cfg.DefaultPipeline
	}

	slog.Debug("processing case",
		"case_id", caseMsg.CaseID,
		"tenant_id", tenantID,
		"pipeline", pipelineName,
	)

	facts, err := w.loadFacts(ctx, tenantID, caseMsg.CaseID)
	if err != nil {
		slog.Error("failed to load case facts",
			"case_id", caseMsg.CaseID,
			"error", err,
		)
		return err
	}

	decision, err := w.engine.Evaluate(ctx, pipelineName, facts)
	if err != nil {
		slog.Error("case evaluation failed",
			"case_id", caseMsg.CaseID,
			"error", err,
		)
		return err
	}

	slog.Info("case processed",
		"case_id", caseMsg.CaseID,
		"tenant_id", tenantID,
		"recommendation", decision.Recommendation,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// loadFacts fetches the facts cached at submission, falling back to the
// persisted case record.
func (w *Worker) loadFacts(ctx context.Context, tenantID, caseID string) (*domain.CaseFacts, error) {
	if w.cache != nil {
		if facts, err := w.cache.GetFacts(ctx, tenantID, caseID); err == nil && facts != nil {
			return facts, nil
		}
	}
	if w.repo == nil {
		return nil, fmt.Errorf("case %s not in cache and no repository configured", caseID)
	}
	c, err := w.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	return &c.Facts, nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
