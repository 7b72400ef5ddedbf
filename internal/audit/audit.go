// Package audit persists and publishes completed decisions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-health/kestrel/internal/domain"
)

// RepoSink appends decisions to the repository.
type RepoSink struct {
	repo domain.Repository
}

// NewRepoSink creates a repository-backed sink.
func NewRepoSink(repo domain.Repository) *RepoSink {
	return &RepoSink{repo: repo}
}

func (s *RepoSink) RecordDecision(ctx context.Context, tenantID string, d *domain.AggregateDecision) error {
	if err := s.repo.SaveDecision(ctx, tenantID, d); err != nil {
		return fmt.Errorf("save decision %s: %w", d.ID, err)
	}
	return nil
}

// BusSink publishes decisions on the event bus. Escalated decisions are
// additionally published on the review topic so review queues do not need
// to filter the full decision stream.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink creates an event-bus-backed sink.
func NewBusSink(bus domain.EventBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) RecordDecision(ctx context.Context, tenantID string, d *domain.AggregateDecision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ID, err)
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicDecision, payload); err != nil {
		return fmt.Errorf("publish decision %s: %w", d.ID, err)
	}
	if d.Escalated() {
		if err := s.bus.Publish(ctx, tenantID, domain.TopicReview, payload); err != nil {
			return fmt.Errorf("publish review %s: %w", d.ID, err)
		}
	}
	return nil
}

// MultiSink fans a decision out to several sinks. Every sink is attempted
// even when an earlier one fails.
type MultiSink struct {
	sinks []domain.AuditSink
}

// NewMultiSink combines sinks; nil entries are dropped.
func NewMultiSink(sinks ...domain.AuditSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) RecordDecision(ctx context.Context, tenantID string, d *domain.AggregateDecision) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.RecordDecision(ctx, tenantID, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
