// Package history derives per-entity claim history facts used by
// volume and statistical fraud rules.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

// Service computes windowed claim counts and amount sums for providers
// and patients. Counters go through the cache when available so hot
// entities do not hammer the database.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a history service. The cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// Enrich fills the derived history facts on the case. Existing keys are
// preserved: callers may submit precomputed history and skip the lookup.
func (s *Service) Enrich(ctx context.Context, facts *domain.CaseFacts) error {
	if s.repo == nil {
		return nil
	}
	if facts.History == nil {
		facts.History = make(map[string]float64)
	}

	now := time.Now().UTC()
	type window struct {
		countKey, sumKey string
		since            time.Time
	}
	windows := []window{
		{"provider_daily_claims", "provider_daily_amount", now.Add(-24 * time.Hour)},
		{"provider_monthly_claims", "provider_monthly_amount", now.AddDate(0, -1, 0)},
	}

	for _, w := range windows {
		if _, ok := facts.History[w.countKey]; !ok {
			count, err := s.repo.CountClaimsByEntity(ctx, facts.TenantID, facts.ProviderID, w.since)
			if err != nil {
				return fmt.Errorf("count claims for %s: %w", facts.ProviderID, err)
			}
			facts.History[w.countKey] = float64(count)
		}
		if _, ok := facts.History[w.sumKey]; !ok {
			sum, err := s.repo.SumClaimAmountByEntity(ctx, facts.TenantID, facts.ProviderID, w.since)
			if err != nil {
				return fmt.Errorf("sum claim amounts for %s: %w", facts.ProviderID, err)
			}
			facts.History[w.sumKey] = sum
		}
	}

	if facts.PatientID != "" {
		if _, ok := facts.History["patient_daily_claims"]; !ok {
			count, err := s.repo.CountClaimsByEntity(ctx, facts.TenantID, facts.PatientID, now.Add(-24*time.Hour))
			if err != nil {
				return fmt.Errorf("count claims for %s: %w", facts.PatientID, err)
			}
			facts.History["patient_daily_claims"] = float64(count)
		}
	}

	return nil
}

// RecordSubmission bumps the in-window submission counters for the
// entities on the case. Counter failures are non-fatal for the caller.
func (s *Service) RecordSubmission(ctx context.Context, facts *domain.CaseFacts) error {
	if s.cache == nil {
		return nil
	}
	keys := []struct {
		key    string
		window time.Duration
	}{
		{"claims:daily:" + facts.ProviderID, 24 * time.Hour},
		{"claims:monthly:" + facts.ProviderID, 30 * 24 * time.Hour},
	}
	for _, k := range keys {
		if _, err := s.cache.IncrementCounter(ctx, facts.TenantID, k.key, k.window); err != nil {
			return fmt.Errorf("increment %s: %w", k.key, err)
		}
	}
	return nil
}
