package domain

import "fmt"

// Severity grades a fraud indicator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities for deterministic match sorting.
// Higher is more severe; unknown severities rank lowest.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// RuleType selects the evaluation strategy for a fraud indicator rule.
type RuleType string

const (
	RuleThreshold       RuleType = "threshold"
	RulePattern         RuleType = "pattern"
	RuleTemporal        RuleType = "temporal"
	RuleGeographic      RuleType = "geographic"
	RuleStatistical     RuleType = "statistical"
	RuleVerification    RuleType = "verification"
	RuleRelationship    RuleType = "relationship"
	RuleNetworkAnalysis RuleType = "network_analysis"
	RuleVolume          RuleType = "volume"
	RuleLogic           RuleType = "logic"
)

// KnownRuleType reports whether t is one of the supported strategies.
func KnownRuleType(t RuleType) bool {
	switch t {
	case RuleThreshold, RulePattern, RuleTemporal, RuleGeographic,
		RuleStatistical, RuleVerification, RuleRelationship,
		RuleNetworkAnalysis, RuleVolume, RuleLogic:
		return true
	}
	return false
}

// Condition is the structured condition tree of a fraud indicator rule.
// Exactly one variant must be set per node: a boolean composite (All, Any,
// Not), a field comparison, a time-range check, or a geo-distance check.
type Condition struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Condition  `json:"not,omitempty" yaml:"not,omitempty"`

	// Comparison leaf: fact <op> value.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string `json:"op,omitempty" yaml:"op,omitempty"` // > >= < <= == !=
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`

	// Time-range leaf over submitted_hour: matches FromHour <= h < ToHour,
	// wrapping midnight when FromHour > ToHour.
	TimeRange *TimeRangeCond `json:"timeRange,omitempty" yaml:"time_range,omitempty"`

	// Distance leaf over the provider/patient coordinates.
	Distance *DistanceCond `json:"distance,omitempty" yaml:"distance,omitempty"`
}

// TimeRangeCond matches the case submission hour against a daily window.
type TimeRangeCond struct {
	FromHour int `json:"fromHour" yaml:"from_hour"`
	ToHour   int `json:"toHour" yaml:"to_hour"`
}

// DistanceCond matches when provider and patient locations are further
// apart than MinKm.
type DistanceCond struct {
	MinKm float64 `json:"minKm" yaml:"min_km"`
}

// Kind returns the variant of this node, or an error when the node is
// ambiguous or empty. Malformed nodes cause the rule to be skipped at load.
func (c *Condition) Kind() (string, error) {
	set := 0
	kind := ""
	mark := func(k string) {
		set++
		kind = k
	}
	if len(c.All) > 0 {
		mark("all")
	}
	if len(c.Any) > 0 {
		mark("any")
	}
	if c.Not != nil {
		mark("not")
	}
	if c.Field != "" {
		mark("cmp")
	}
	if c.TimeRange != nil {
		mark("time_range")
	}
	if c.Distance != nil {
		mark("distance")
	}
	if set == 0 {
		return "", fmt.Errorf("empty condition node")
	}
	if set > 1 {
		return "", fmt.Errorf("condition node mixes variants")
	}
	return kind, nil
}

// FraudIndicatorRule is one declarative fraud-detection rule. Loaded from
// the rule store; read-only during evaluation.
type FraudIndicatorRule struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Category    string    `json:"category" yaml:"category"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	RuleType    RuleType  `json:"ruleType" yaml:"rule_type"`
	Condition   Condition `json:"condition" yaml:"condition"`
	Active      bool      `json:"active" yaml:"active"`
}

// FraudMatch is the immutable result of evaluating one rule against one
// case's facts.
type FraudMatch struct {
	RuleID   string         `json:"ruleId"`
	RuleName string         `json:"ruleName"`
	Category string         `json:"category"`
	Severity Severity       `json:"severity"`
	Matched  bool           `json:"matched"`
	Evidence map[string]any `json:"evidence,omitempty"`
}
