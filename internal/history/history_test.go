package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

type countingRepo struct {
	domain.Repository
	counts map[string]int64
	sums   map[string]float64
	err    error

	countCalls int
}

func (r *countingRepo) CountClaimsByEntity(ctx context.Context, tenantID, entityID string, since time.Time) (int64, error) {
	r.countCalls++
	if r.err != nil {
		return 0, r.err
	}
	return r.counts[entityID], nil
}

func (r *countingRepo) SumClaimAmountByEntity(ctx context.Context, tenantID, entityID string, since time.Time) (float64, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.sums[entityID], nil
}

type counterCache struct {
	domain.Cache
	counters map[string]int64
	err      error
}

func (c *counterCache) IncrementCounter(ctx context.Context, tenantID, key string, window time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.counters == nil {
		c.counters = make(map[string]int64)
	}
	c.counters[key]++
	return c.counters[key], nil
}

func historyFacts() *domain.CaseFacts {
	return &domain.CaseFacts{
		TenantID:   "tenant-a",
		CaseID:     "case-1",
		ProviderID: "prov-1",
		PatientID:  "pat-1",
	}
}

func TestEnrichFillsWindowedFacts(t *testing.T) {
	repo := &countingRepo{
		counts: map[string]int64{"prov-1": 12, "pat-1": 3},
		sums:   map[string]float64{"prov-1": 48000},
	}
	svc := NewService(repo, nil)

	facts := historyFacts()
	if err := svc.Enrich(context.Background(), facts); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	for _, key := range []string{
		"provider_daily_claims",
		"provider_daily_amount",
		"provider_monthly_claims",
		"provider_monthly_amount",
		"patient_daily_claims",
	} {
		if _, ok := facts.History[key]; !ok {
			t.Errorf("missing history key %s", key)
		}
	}
	if facts.History["provider_daily_claims"] != 12 {
		t.Errorf("expected 12 daily claims, got %f", facts.History["provider_daily_claims"])
	}
	if facts.History["patient_daily_claims"] != 3 {
		t.Errorf("expected 3 patient claims, got %f", facts.History["patient_daily_claims"])
	}
}

func TestEnrichPreservesCallerHistory(t *testing.T) {
	repo := &countingRepo{counts: map[string]int64{"prov-1": 12}}
	svc := NewService(repo, nil)

	facts := historyFacts()
	facts.PatientID = ""
	facts.History = map[string]float64{
		"provider_daily_claims":   75,
		"provider_daily_amount":   1,
		"provider_monthly_claims": 2,
		"provider_monthly_amount": 3,
	}

	if err := svc.Enrich(context.Background(), facts); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if facts.History["provider_daily_claims"] != 75 {
		t.Errorf("caller-provided value overwritten: %f", facts.History["provider_daily_claims"])
	}
	if repo.countCalls != 0 {
		t.Errorf("expected no repository lookups for precomputed history, got %d", repo.countCalls)
	}
}

func TestEnrichWithoutRepoIsNoop(t *testing.T) {
	svc := NewService(nil, nil)
	facts := historyFacts()
	if err := svc.Enrich(context.Background(), facts); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(facts.History) != 0 {
		t.Errorf("expected no history, got %v", facts.History)
	}
}

func TestEnrichPropagatesRepoError(t *testing.T) {
	repo := &countingRepo{err: errors.New("db down")}
	svc := NewService(repo, nil)

	if err := svc.Enrich(context.Background(), historyFacts()); err == nil {
		t.Fatal("expected an error from the failing repository")
	}
}

func TestRecordSubmissionBumpsCounters(t *testing.T) {
	cache := &counterCache{}
	svc := NewService(nil, cache)

	facts := historyFacts()
	if err := svc.RecordSubmission(context.Background(), facts); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	if err := svc.RecordSubmission(context.Background(), facts); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}

	if cache.counters["claims:daily:prov-1"] != 2 {
		t.Errorf("expected daily counter 2, got %d", cache.counters["claims:daily:prov-1"])
	}
	if cache.counters["claims:monthly:prov-1"] != 2 {
		t.Errorf("expected monthly counter 2, got %d", cache.counters["claims:monthly:prov-1"])
	}
}

func TestRecordSubmissionWithoutCacheIsNoop(t *testing.T) {
	svc := NewService(nil, nil)
	if err := svc.RecordSubmission(context.Background(), historyFacts()); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
}

func TestRecordSubmissionCounterError(t *testing.T) {
	cache := &counterCache{err: errors.New("redis down")}
	svc := NewService(nil, cache)

	if err := svc.RecordSubmission(context.Background(), historyFacts()); err == nil {
		t.Fatal("expected counter error to surface")
	}
}
