package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Operators supported by leaf conditions.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpIn           = "in"
	OpNotIn        = "not_in"
	OpContains     = "contains"
	OpMatches      = "matches"
)

// Condition gates a step on the current execution context. A leaf condition
// compares the value at Field against Value using Op; All and Any nest
// sub-conditions with AND/OR semantics. Exactly one of the three forms may
// be set.
type Condition struct {
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	Op    string `yaml:"op,omitempty" json:"op,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`

	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
}

func (c Condition) validate() error {
	if len(c.All) > 0 || len(c.Any) > 0 {
		if c.Field != "" || c.Op != "" {
			return fmt.Errorf("condition mixes a field comparison with a group")
		}
		if len(c.All) > 0 && len(c.Any) > 0 {
			return fmt.Errorf("condition declares both all and any groups")
		}
		for i := range c.All {
			if err := c.All[i].validate(); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := c.Any[i].validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition missing field")
	}
	switch c.Op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpContains:
	case OpIn, OpNotIn:
		if _, ok := asList(c.Value); !ok {
			return fmt.Errorf("condition %s %s: value must be a list", c.Field, c.Op)
		}
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("condition %s matches: value must be a string pattern", c.Field)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("condition %s matches: %w", c.Field, err)
		}
	case "":
		return fmt.Errorf("condition on %s missing operator", c.Field)
	default:
		return fmt.Errorf("condition on %s: unsupported operator %q", c.Field, c.Op)
	}
	return nil
}

// Evaluate reports whether the condition holds for ctx. A missing field
// matches only an equality check against an explicit null; every other
// comparison against a missing field is false.
func (c Condition) Evaluate(ctx *Context) (bool, error) {
	if len(c.All) > 0 {
		for i := range c.All {
			ok, err := c.All[i].Evaluate(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(c.Any) > 0 {
		for i := range c.Any {
			ok, err := c.Any[i].Evaluate(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	actual, found := ctx.Lookup(c.Field)
	if !found {
		return c.Op == OpEqual && c.Value == nil, nil
	}

	switch c.Op {
	case OpEqual:
		return looseEqual(actual, c.Value), nil
	case OpNotEqual:
		return !looseEqual(actual, c.Value), nil
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		cmp, err := compareOrdered(actual, c.Value)
		if err != nil {
			return false, fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		switch c.Op {
		case OpGreater:
			return cmp > 0, nil
		case OpLess:
			return cmp < 0, nil
		case OpGreaterEqual:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn, OpNotIn:
		list, ok := asList(c.Value)
		if !ok {
			return false, fmt.Errorf("condition on %s: %s value is not a list", c.Field, c.Op)
		}
		member := false
		for _, candidate := range list {
			if looseEqual(actual, candidate) {
				member = true
				break
			}
		}
		if c.Op == OpIn {
			return member, nil
		}
		return !member, nil
	case OpContains:
		return containsValue(actual, c.Value, c.Field)
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("condition on %s: matches value is not a string", c.Field)
		}
		text, ok := actual.(string)
		if !ok {
			return false, nil
		}
		matched, err := regexp.MatchString(pattern, text)
		if err != nil {
			return false, fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		return matched, nil
	}
	return false, fmt.Errorf("condition on %s: unsupported operator %q", c.Field, c.Op)
}

// looseEqual compares scalars with numeric coercion so that values surviving
// a JSON round-trip (float64) still match integer literals from YAML.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func compareOrdered(a, b any) (int, error) {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot order %T against %T", a, b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot order %T against %T", a, b)
		}
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order %T values", a)
}

func containsValue(actual, needle any, field string) (bool, error) {
	switch hay := actual.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("condition on %s: contains against a string needs a string value", field)
		}
		return strings.Contains(hay, s), nil
	case []any:
		for _, item := range hay {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("condition on %s: contains requires a string or list field", field)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}
