package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/metrics"
)

// CompiledIndicator holds one fraud rule with its pre-compiled program.
type CompiledIndicator struct {
	Rule    *domain.FraudIndicatorRule
	Program cel.Program

	// fields are the fact keys the condition references, captured as
	// evidence when the rule matches.
	fields []string
}

// Matcher evaluates a fixed set of compiled fraud indicators against case
// facts. A Matcher is immutable after construction; hot reload builds a
// new Matcher and swaps the snapshot pointer.
type Matcher struct {
	indicators []*CompiledIndicator
	recorder   *metrics.Recorder
	maxWorkers int
}

// NewMatcher compiles the given rules. Rules with malformed conditions are
// skipped with a logged validation error and never abort the batch;
// inactive rules are ignored.
func NewMatcher(rules []*domain.FraudIndicatorRule, recorder *metrics.Recorder, maxWorkers int) (*Matcher, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	m := &Matcher{recorder: recorder, maxWorkers: maxWorkers}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		compiled, err := compileRule(env, rule)
		if err != nil {
			slog.Error("skipping malformed fraud rule",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"rule_type", rule.RuleType,
				"error", err,
			)
			continue
		}
		m.indicators = append(m.indicators, compiled)
	}

	return m, nil
}

// RuleCount returns the number of loaded (valid, active) indicators.
func (m *Matcher) RuleCount() int {
	return len(m.indicators)
}

// Rules returns the loaded rule configurations.
func (m *Matcher) Rules() []*domain.FraudIndicatorRule {
	rules := make([]*domain.FraudIndicatorRule, len(m.indicators))
	for i, c := range m.indicators {
		rules[i] = c.Rule
	}
	return rules
}

// Evaluate runs every indicator against the facts. Rules are independent
// and evaluated in parallel; the evaluation is pure, so the same facts and
// rule set always yield the same matches. Results are returned sorted by
// severity descending, then rule name ascending.
func (m *Matcher) Evaluate(ctx context.Context, facts *domain.CaseFacts) []domain.FraudMatch {
	if len(m.indicators) == 0 {
		return nil
	}

	activation := map[string]any{"facts": facts.Flatten()}

	matches := make([]domain.FraudMatch, len(m.indicators))
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.maxWorkers)

	for i, ind := range m.indicators {
		wg.Add(1)
		go func(idx int, ind *CompiledIndicator) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			matches[idx] = m.evaluateOne(ctx, ind, activation)
		}(i, ind)
	}

	wg.Wait()

	sort.SliceStable(matches, func(i, j int) bool {
		ri := domain.SeverityRank(matches[i].Severity)
		rj := domain.SeverityRank(matches[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return matches[i].RuleName < matches[j].RuleName
	})

	return matches
}

// Matched filters an Evaluate result down to the triggered indicators,
// preserving order.
func Matched(all []domain.FraudMatch) []domain.FraudMatch {
	out := make([]domain.FraudMatch, 0, len(all))
	for _, m := range all {
		if m.Matched {
			out = append(out, m)
		}
	}
	return out
}

func (m *Matcher) evaluateOne(ctx context.Context, ind *CompiledIndicator, activation map[string]any) domain.FraudMatch {
	match := domain.FraudMatch{
		RuleID:   ind.Rule.ID,
		RuleName: ind.Rule.Name,
		Category: ind.Rule.Category,
		Severity: ind.Rule.Severity,
	}

	out, _, err := ind.Program.Eval(activation)
	if err != nil {
		// A runtime type error (e.g. a fact with an unexpected type) is a
		// no-match, not a crash of the batch.
		slog.Warn("fraud rule evaluation error",
			"rule_id", ind.Rule.ID,
			"error", err,
		)
		match.Evidence = map[string]any{"evaluation_error": err.Error()}
		return match
	}

	if b, ok := out.(types.Bool); ok && bool(b) {
		match.Matched = true
		match.Evidence = snapshotEvidence(activation, ind.fields)
		m.recorder.RecordFraudMatch(ctx, ind.Rule.Name, ind.Rule.Severity)
	}

	return match
}

// snapshotEvidence captures the fact values the condition referenced, so
// the audit trail shows what triggered the match.
func snapshotEvidence(activation map[string]any, fields []string) map[string]any {
	facts, _ := activation["facts"].(map[string]any)
	ev := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := facts[f]; ok {
			ev[f] = v
		}
	}
	return ev
}

func compileRule(env *cel.Env, rule *domain.FraudIndicatorRule) (*CompiledIndicator, error) {
	if rule.ID == "" || rule.Name == "" {
		return nil, fmt.Errorf("rule id and name are required")
	}
	if !domain.KnownRuleType(rule.RuleType) {
		return nil, fmt.Errorf("unknown rule type %q", rule.RuleType)
	}
	if domain.SeverityRank(rule.Severity) == 0 {
		return nil, fmt.Errorf("unknown severity %q", rule.Severity)
	}
	if err := validateForType(rule); err != nil {
		return nil, err
	}

	expr, err := Translate(&rule.Condition)
	if err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	return &CompiledIndicator{
		Rule:    rule,
		Program: program,
		fields:  CollectFields(&rule.Condition),
	}, nil
}

// validateForType enforces the structural requirements of each rule-type
// strategy beyond generic tree well-formedness.
func validateForType(rule *domain.FraudIndicatorRule) error {
	switch rule.RuleType {
	case domain.RuleTemporal:
		if !hasTimeRange(&rule.Condition) {
			return fmt.Errorf("temporal rule requires a time_range or submitted_hour condition")
		}
	case domain.RuleGeographic:
		if !hasGeo(&rule.Condition) {
			return fmt.Errorf("geographic rule requires a distance or country condition")
		}
	case domain.RuleVolume:
		if !hasFieldSuffix(&rule.Condition, "_count", "_claims") {
			return fmt.Errorf("volume rule requires a windowed count field")
		}
	case domain.RuleVerification, domain.RuleLogic:
		if !hasBoolLeaf(&rule.Condition) {
			return fmt.Errorf("%s rule requires boolean flag conditions", rule.RuleType)
		}
	}
	return nil
}

func hasTimeRange(c *domain.Condition) bool {
	return anyNode(c, func(n *domain.Condition) bool {
		return n.TimeRange != nil || n.Field == "submitted_hour"
	})
}

func hasGeo(c *domain.Condition) bool {
	return anyNode(c, func(n *domain.Condition) bool {
		return n.Distance != nil || strings.HasSuffix(n.Field, "_country")
	})
}

func hasFieldSuffix(c *domain.Condition, suffixes ...string) bool {
	return anyNode(c, func(n *domain.Condition) bool {
		for _, s := range suffixes {
			if strings.HasSuffix(n.Field, s) || strings.Contains(n.Field, strings.TrimPrefix(s, "_")) {
				return true
			}
		}
		return false
	})
}

func hasBoolLeaf(c *domain.Condition) bool {
	return anyNode(c, func(n *domain.Condition) bool {
		if n.Field == "" {
			return false
		}
		_, isBool := n.Value.(bool)
		return isBool
	})
}

func anyNode(c *domain.Condition, pred func(*domain.Condition) bool) bool {
	if c == nil {
		return false
	}
	if pred(c) {
		return true
	}
	for i := range c.All {
		if anyNode(&c.All[i], pred) {
			return true
		}
	}
	for i := range c.Any {
		if anyNode(&c.Any[i], pred) {
			return true
		}
	}
	return anyNode(c.Not, pred)
}
