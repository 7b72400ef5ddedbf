package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

func excessiveBillingRule() *domain.FraudIndicatorRule {
	return &domain.FraudIndicatorRule{
		ID:       "rule-volume-001",
		Name:     "Excessive Billing",
		Category: "billing",
		Severity: domain.SeverityHigh,
		RuleType: domain.RuleVolume,
		Active:   true,
		Condition: domain.Condition{
			All: []domain.Condition{
				{Field: "provider_daily_claims", Op: ">", Value: 50},
				{Field: "provider_monthly_amount", Op: ">", Value: 500000},
			},
		},
	}
}

func billingFacts(dailyClaims, monthlyAmount float64) *domain.CaseFacts {
	return &domain.CaseFacts{
		TenantID:    "tenant-a",
		CaseID:      "case-1",
		ProviderID:  "prov-9",
		PatientID:   "pat-3",
		ClaimType:   "outpatient",
		ClaimAmount: 1200,
		SubmittedAt: time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC),
		History: map[string]float64{
			"provider_daily_claims":   dailyClaims,
			"provider_monthly_amount": monthlyAmount,
		},
	}
}

func newTestMatcher(t *testing.T, rules ...*domain.FraudIndicatorRule) *Matcher {
	t.Helper()
	m, err := NewMatcher(rules, nil, 4)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	return m
}

func TestExcessiveBillingMatched(t *testing.T) {
	m := newTestMatcher(t, excessiveBillingRule())

	matches := m.Evaluate(context.Background(), billingFacts(60, 600000))
	triggered := Matched(matches)

	if len(triggered) != 1 {
		t.Fatalf("expected 1 triggered rule, got %d", len(triggered))
	}
	if triggered[0].RuleName != "Excessive Billing" {
		t.Errorf("unexpected rule name %q", triggered[0].RuleName)
	}
	if triggered[0].Severity != domain.SeverityHigh {
		t.Errorf("unexpected severity %q", triggered[0].Severity)
	}
	if triggered[0].Evidence["provider_daily_claims"] != 60.0 {
		t.Errorf("expected evidence to capture daily claims, got %v", triggered[0].Evidence)
	}
	if triggered[0].Evidence["provider_monthly_amount"] != 600000.0 {
		t.Errorf("expected evidence to capture monthly amount, got %v", triggered[0].Evidence)
	}
}

func TestExcessiveBillingNotMatchedBelowVolume(t *testing.T) {
	m := newTestMatcher(t, excessiveBillingRule())

	matches := m.Evaluate(context.Background(), billingFacts(40, 600000))

	if len(matches) != 1 {
		t.Fatalf("expected 1 evaluation result, got %d", len(matches))
	}
	if matches[0].Matched {
		t.Error("rule should not match when daily claims are under the limit")
	}
}

func TestThresholdIsStrictlyGreater(t *testing.T) {
	m := newTestMatcher(t, excessiveBillingRule())

	matches := m.Evaluate(context.Background(), billingFacts(50, 600000))
	if matches[0].Matched {
		t.Error("exactly 50 claims must not match a > 50 condition")
	}

	matches = m.Evaluate(context.Background(), billingFacts(51, 500001))
	if !matches[0].Matched {
		t.Error("51 claims over 500001 should match")
	}
}

func TestMalformedRuleSkippedOthersLoad(t *testing.T) {
	rules := make([]*domain.FraudIndicatorRule, 0, 16)
	for i := 0; i < 15; i++ {
		r := excessiveBillingRule()
		r.ID = fmt.Sprintf("rule-%03d", i)
		r.Name = fmt.Sprintf("Rule %03d", i)
		rules = append(rules, r)
	}
	rules = append(rules, &domain.FraudIndicatorRule{
		ID:       "rule-bad",
		Name:     "Broken",
		Severity: domain.SeverityLow,
		RuleType: domain.RuleThreshold,
		Active:   true,
		// empty condition node
	})

	m := newTestMatcher(t, rules...)

	if m.RuleCount() != 15 {
		t.Errorf("expected 15 loaded rules, got %d", m.RuleCount())
	}
}

func TestInactiveRulesIgnored(t *testing.T) {
	r := excessiveBillingRule()
	r.Active = false

	m := newTestMatcher(t, r)

	if m.RuleCount() != 0 {
		t.Errorf("expected 0 loaded rules, got %d", m.RuleCount())
	}
	if matches := m.Evaluate(context.Background(), billingFacts(60, 600000)); matches != nil {
		t.Errorf("expected no results from an empty matcher, got %v", matches)
	}
}

func TestMatchesSortedBySeverityThenName(t *testing.T) {
	mkRule := func(id, name string, sev domain.Severity) *domain.FraudIndicatorRule {
		return &domain.FraudIndicatorRule{
			ID:       id,
			Name:     name,
			Severity: sev,
			RuleType: domain.RuleThreshold,
			Active:   true,
			Condition: domain.Condition{
				Field: "claim_amount", Op: ">", Value: 0,
			},
		}
	}

	m := newTestMatcher(t,
		mkRule("r1", "Beta", domain.SeverityMedium),
		mkRule("r2", "Zulu", domain.SeverityCritical),
		mkRule("r3", "Alpha", domain.SeverityMedium),
		mkRule("r4", "Echo", domain.SeverityLow),
	)

	matches := m.Evaluate(context.Background(), billingFacts(60, 600000))

	want := []string{"Zulu", "Alpha", "Beta", "Echo"}
	if len(matches) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(matches))
	}
	for i, name := range want {
		if matches[i].RuleName != name {
			t.Errorf("position %d: expected %s, got %s", i, name, matches[i].RuleName)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	m := newTestMatcher(t, excessiveBillingRule())
	facts := billingFacts(60, 600000)

	first := m.Evaluate(context.Background(), facts)
	for i := 0; i < 50; i++ {
		again := m.Evaluate(context.Background(), facts)
		if len(again) != len(first) {
			t.Fatalf("run %d: result count changed", i)
		}
		for j := range again {
			if again[j].Matched != first[j].Matched || again[j].RuleID != first[j].RuleID {
				t.Fatalf("run %d: result %d differs", i, j)
			}
		}
	}
}

func TestRuntimeTypeErrorIsNoMatch(t *testing.T) {
	r := &domain.FraudIndicatorRule{
		ID:       "rule-ext",
		Name:     "Extra Numeric",
		Severity: domain.SeverityMedium,
		RuleType: domain.RuleThreshold,
		Active:   true,
		Condition: domain.Condition{
			Field: "custom_score", Op: ">", Value: 10,
		},
	}
	m := newTestMatcher(t, r)

	facts := billingFacts(60, 600000)
	facts.Extra = map[string]any{"custom_score": "not-a-number"}

	matches := m.Evaluate(context.Background(), facts)

	if matches[0].Matched {
		t.Error("type error during evaluation must not count as a match")
	}
	if matches[0].Evidence["evaluation_error"] == nil {
		t.Error("expected the evaluation error recorded as evidence")
	}
}

func TestMissingFactIsNoMatch(t *testing.T) {
	m := newTestMatcher(t, excessiveBillingRule())

	facts := billingFacts(60, 600000)
	facts.History = nil

	matches := m.Evaluate(context.Background(), facts)
	if matches[0].Matched {
		t.Error("missing history facts must not match")
	}
}

func TestGeographicDistanceRule(t *testing.T) {
	r := &domain.FraudIndicatorRule{
		ID:       "rule-geo-001",
		Name:     "Distant Patient",
		Severity: domain.SeverityMedium,
		RuleType: domain.RuleGeographic,
		Active:   true,
		Condition: domain.Condition{
			Distance: &domain.DistanceCond{MinKm: 100},
		},
	}
	m := newTestMatcher(t, r)

	// one degree of longitude at latitude 10 is about 109 km
	far := billingFacts(0, 0)
	far.ProviderLat, far.ProviderLng = 10, 10
	far.PatientLat, far.PatientLng = 10, 11

	matches := m.Evaluate(context.Background(), far)
	if !matches[0].Matched {
		t.Error("expected a match at ~109 km with min 100 km")
	}

	near := billingFacts(0, 0)
	near.ProviderLat, near.ProviderLng = 10, 10
	near.PatientLat, near.PatientLng = 10, 10.1

	matches = m.Evaluate(context.Background(), near)
	if matches[0].Matched {
		t.Error("expected no match at ~11 km with min 100 km")
	}
}

func TestGeographicRuleRequiresBothLocations(t *testing.T) {
	r := &domain.FraudIndicatorRule{
		ID:       "rule-geo-002",
		Name:     "Distant Patient",
		Severity: domain.SeverityCritical,
		RuleType: domain.RuleGeographic,
		Active:   true,
		Condition: domain.Condition{
			Distance: &domain.DistanceCond{MinKm: 500},
		},
	}
	m := newTestMatcher(t, r)

	// Patient location unknown: the distance must not be computed against
	// an implicit (0,0).
	facts := billingFacts(0, 0)
	facts.ProviderLat, facts.ProviderLng = 48.85, 2.35

	if m.Evaluate(context.Background(), facts)[0].Matched {
		t.Error("rule must not match when patient coordinates are missing")
	}

	facts.PatientLat, facts.PatientLng = 48.85, 2.35
	if m.Evaluate(context.Background(), facts)[0].Matched {
		t.Error("rule must not match when both parties share a location")
	}
}

func TestTimeRangeRuleWrapsMidnight(t *testing.T) {
	r := &domain.FraudIndicatorRule{
		ID:       "rule-time-001",
		Name:     "After Hours Submission",
		Severity: domain.SeverityLow,
		RuleType: domain.RuleTemporal,
		Active:   true,
		Condition: domain.Condition{
			TimeRange: &domain.TimeRangeCond{FromHour: 22, ToHour: 6},
		},
	}
	m := newTestMatcher(t, r)

	night := billingFacts(0, 0)
	night.SubmittedAt = time.Date(2025, 6, 10, 23, 15, 0, 0, time.UTC)
	if !m.Evaluate(context.Background(), night)[0].Matched {
		t.Error("23:15 should fall in the 22..6 window")
	}

	earlyMorning := billingFacts(0, 0)
	earlyMorning.SubmittedAt = time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	if !m.Evaluate(context.Background(), earlyMorning)[0].Matched {
		t.Error("03:00 should fall in the 22..6 window")
	}

	midday := billingFacts(0, 0)
	midday.SubmittedAt = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	if m.Evaluate(context.Background(), midday)[0].Matched {
		t.Error("12:00 should not fall in the 22..6 window")
	}
}

func TestValidateForType(t *testing.T) {
	cases := []struct {
		name string
		rule *domain.FraudIndicatorRule
	}{
		{
			name: "TemporalWithoutTimeCondition",
			rule: &domain.FraudIndicatorRule{
				ID: "t1", Name: "Temporal", Severity: domain.SeverityLow,
				RuleType:  domain.RuleTemporal,
				Condition: domain.Condition{Field: "claim_amount", Op: ">", Value: 100},
				Active:    true,
			},
		},
		{
			name: "GeographicWithoutGeoCondition",
			rule: &domain.FraudIndicatorRule{
				ID: "g1", Name: "Geo", Severity: domain.SeverityLow,
				RuleType:  domain.RuleGeographic,
				Condition: domain.Condition{Field: "claim_amount", Op: ">", Value: 100},
				Active:    true,
			},
		},
		{
			name: "VolumeWithoutCountField",
			rule: &domain.FraudIndicatorRule{
				ID: "v1", Name: "Volume", Severity: domain.SeverityLow,
				RuleType:  domain.RuleVolume,
				Condition: domain.Condition{Field: "claim_amount", Op: ">", Value: 100},
				Active:    true,
			},
		},
		{
			name: "VerificationWithoutBoolFlag",
			rule: &domain.FraudIndicatorRule{
				ID: "f1", Name: "Verify", Severity: domain.SeverityLow,
				RuleType:  domain.RuleVerification,
				Condition: domain.Condition{Field: "claim_amount", Op: ">", Value: 100},
				Active:    true,
			},
		},
		{
			name: "UnknownRuleType",
			rule: &domain.FraudIndicatorRule{
				ID: "u1", Name: "Unknown", Severity: domain.SeverityLow,
				RuleType:  domain.RuleType("bogus"),
				Condition: domain.Condition{Field: "claim_amount", Op: ">", Value: 100},
				Active:    true,
			},
		},
		{
			name: "UnknownSeverity",
			rule: &domain.FraudIndicatorRule{
				ID: "s1", Name: "Severity", Severity: domain.Severity("extreme"),
				RuleType:  domain.RuleThreshold,
				Condition: domain.Condition{Field: "claim_amount", Op: ">", Value: 100},
				Active:    true,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMatcher(t, tc.rule)
			if m.RuleCount() != 0 {
				t.Errorf("expected rule to be rejected, but it loaded")
			}
		})
	}
}

func TestVerificationRuleOnFlags(t *testing.T) {
	r := &domain.FraudIndicatorRule{
		ID:       "rule-ver-001",
		Name:     "Missing Documentation",
		Severity: domain.SeverityMedium,
		RuleType: domain.RuleVerification,
		Active:   true,
		Condition: domain.Condition{
			Field: "documentation_missing", Op: "==", Value: true,
		},
	}
	m := newTestMatcher(t, r)

	facts := billingFacts(0, 0)
	facts.Flags = map[string]bool{"documentation_missing": true}

	if !m.Evaluate(context.Background(), facts)[0].Matched {
		t.Error("expected verification rule to match the set flag")
	}

	facts.Flags["documentation_missing"] = false
	if m.Evaluate(context.Background(), facts)[0].Matched {
		t.Error("expected no match when the flag is cleared")
	}
}

func TestNotCondition(t *testing.T) {
	r := &domain.FraudIndicatorRule{
		ID:       "rule-not-001",
		Name:     "Foreign Provider",
		Severity: domain.SeverityMedium,
		RuleType: domain.RuleGeographic,
		Active:   true,
		Condition: domain.Condition{
			Not: &domain.Condition{Field: "provider_country", Op: "==", Value: "BR"},
		},
	}
	m := newTestMatcher(t, r)

	foreign := billingFacts(0, 0)
	foreign.ProviderCountry = "AR"
	if !m.Evaluate(context.Background(), foreign)[0].Matched {
		t.Error("expected match for a non-BR provider")
	}

	local := billingFacts(0, 0)
	local.ProviderCountry = "BR"
	if m.Evaluate(context.Background(), local)[0].Matched {
		t.Error("expected no match for a BR provider")
	}
}
