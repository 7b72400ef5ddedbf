package fraud

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-health/kestrel/internal/domain"
)

// Translate renders a condition tree into a CEL expression over the
// `facts` map. Field accesses are guarded with membership checks so a
// missing fact makes the leaf false instead of erroring the whole rule.
func Translate(c *domain.Condition) (string, error) {
	kind, err := c.Kind()
	if err != nil {
		return "", err
	}

	switch kind {
	case "all":
		return translateComposite(c.All, "&&")
	case "any":
		return translateComposite(c.Any, "||")
	case "not":
		inner, err := Translate(c.Not)
		if err != nil {
			return "", err
		}
		return "!(" + inner + ")", nil
	case "cmp":
		return translateComparison(c)
	case "time_range":
		return translateTimeRange(c.TimeRange)
	case "distance":
		return translateDistance(c.Distance)
	default:
		return "", fmt.Errorf("unknown condition kind %q", kind)
	}
}

func translateComposite(children []domain.Condition, op string) (string, error) {
	parts := make([]string, 0, len(children))
	for i := range children {
		expr, err := Translate(&children[i])
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+expr+")")
	}
	return strings.Join(parts, " "+op+" "), nil
}

func translateComparison(c *domain.Condition) (string, error) {
	guard := fmt.Sprintf("(%q in facts)", c.Field)
	access := fmt.Sprintf("facts[%q]", c.Field)

	switch c.Op {
	case ">", ">=", "<", "<=":
		lit, err := numberLiteral(c.Value)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", c.Field, err)
		}
		return fmt.Sprintf("%s && double(%s) %s %s", guard, access, c.Op, lit), nil

	case "==", "!=":
		lit, err := valueLiteral(c.Value)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", c.Field, err)
		}
		if _, numeric := toFloat(c.Value); numeric {
			access = "double(" + access + ")"
		}
		return fmt.Sprintf("%s && %s %s %s", guard, access, c.Op, lit), nil

	case "in":
		list, ok := c.Value.([]any)
		if !ok {
			return "", fmt.Errorf("field %s: op 'in' requires a list value", c.Field)
		}
		lits := make([]string, 0, len(list))
		for _, v := range list {
			lit, err := valueLiteral(v)
			if err != nil {
				return "", fmt.Errorf("field %s: %w", c.Field, err)
			}
			lits = append(lits, lit)
		}
		return fmt.Sprintf("%s && %s in [%s]", guard, access, strings.Join(lits, ", ")), nil

	case "":
		return "", fmt.Errorf("field %s: operator is required", c.Field)
	default:
		return "", fmt.Errorf("field %s: unknown operator %q", c.Field, c.Op)
	}
}

func translateTimeRange(tr *domain.TimeRangeCond) (string, error) {
	if tr.FromHour < 0 || tr.FromHour > 23 || tr.ToHour < 0 || tr.ToHour > 24 {
		return "", fmt.Errorf("time_range hours out of range: %d..%d", tr.FromHour, tr.ToHour)
	}
	h := `int(facts["submitted_hour"])`
	guard := `("submitted_hour" in facts)`
	if tr.FromHour <= tr.ToHour {
		return fmt.Sprintf("%s && %s >= %d && %s < %d", guard, h, tr.FromHour, h, tr.ToHour), nil
	}
	// Window wraps midnight, e.g. 22..6.
	return fmt.Sprintf("%s && (%s >= %d || %s < %d)", guard, h, tr.FromHour, h, tr.ToHour), nil
}

func translateDistance(d *domain.DistanceCond) (string, error) {
	if d.MinKm <= 0 {
		return "", fmt.Errorf("distance min_km must be positive")
	}
	guard := `("provider_lat" in facts) && ("patient_lat" in facts)`
	call := `distance_km(double(facts["provider_lat"]), double(facts["provider_lng"]), double(facts["patient_lat"]), double(facts["patient_lng"]))`
	return fmt.Sprintf("%s && %s > %s", guard, call, floatLiteral(d.MinKm)), nil
}

// CollectFields returns the sorted set of fact keys a condition tree
// references, used to snapshot evidence values on a match.
func CollectFields(c *domain.Condition) []string {
	set := make(map[string]bool)
	collectFields(c, set)
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func collectFields(c *domain.Condition, set map[string]bool) {
	if c == nil {
		return
	}
	if c.Field != "" {
		set[c.Field] = true
	}
	if c.TimeRange != nil {
		set["submitted_hour"] = true
	}
	if c.Distance != nil {
		set["provider_lat"] = true
		set["provider_lng"] = true
		set["patient_lat"] = true
		set["patient_lng"] = true
	}
	for i := range c.All {
		collectFields(&c.All[i], set)
	}
	for i := range c.Any {
		collectFields(&c.Any[i], set)
	}
	collectFields(c.Not, set)
}

func numberLiteral(v any) (string, error) {
	f, ok := toFloat(v)
	if !ok {
		return "", fmt.Errorf("expected numeric value, got %T", v)
	}
	return floatLiteral(f), nil
}

func valueLiteral(v any) (string, error) {
	if f, ok := toFloat(v); ok {
		return floatLiteral(f), nil
	}
	switch t := v.(type) {
	case string:
		return strconv.Quote(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func floatLiteral(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
