// Package condition evaluates condition node predicates against a run
// context. Evaluation is pure: the same config and context always select the
// same branch label.
package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pitabwire/flowdesk/model"
)

// EvaluationError reports a predicate that could not be evaluated: a missing
// field or a non-numeric value under an ordinal operator.
type EvaluationError struct {
	Field    string
	Operator model.Operator
	Reason   string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %s %s: %s", e.Field, e.Operator, e.Reason)
}

// Evaluate returns the branch label selected by cfg: "true" or "false".
// A single predicate is tested directly; and/or combine their predicates,
// stopping at the first false (and) or the first true (or).
func Evaluate(cfg model.ConditionConfig, data map[string]any) (string, error) {
	if len(cfg.Predicates) == 0 {
		return "", &EvaluationError{Reason: "no predicates configured"}
	}

	var result bool
	switch cfg.Logic {
	case "":
		ok, err := Test(cfg.Predicates[0], data)
		if err != nil {
			return "", err
		}
		result = ok
	case model.LogicAnd:
		result = true
		for _, p := range cfg.Predicates {
			ok, err := Test(p, data)
			if err != nil {
				return "", err
			}
			if !ok {
				result = false
				break
			}
		}
	case model.LogicOr:
		for _, p := range cfg.Predicates {
			ok, err := Test(p, data)
			if err != nil {
				return "", err
			}
			if ok {
				result = true
				break
			}
		}
	default:
		return "", &EvaluationError{Reason: fmt.Sprintf("unknown logic %q", cfg.Logic)}
	}

	return strconv.FormatBool(result), nil
}

// Test evaluates one predicate.
func Test(p model.Predicate, data map[string]any) (bool, error) {
	v, ok := Lookup(data, p.Field)
	if !ok {
		return false, &EvaluationError{Field: p.Field, Operator: p.Operator, Reason: "field not present in context"}
	}

	switch p.Operator {
	case model.OpGreaterThan, model.OpLessThan:
		lhs, ok := ToNumber(v)
		if !ok {
			return false, &EvaluationError{Field: p.Field, Operator: p.Operator, Reason: fmt.Sprintf("context value %v is not numeric", v)}
		}
		rhs, ok := ToNumber(p.Operand)
		if !ok {
			return false, &EvaluationError{Field: p.Field, Operator: p.Operator, Reason: fmt.Sprintf("operand %v is not numeric", p.Operand)}
		}
		if p.Operator == model.OpGreaterThan {
			return lhs > rhs, nil
		}
		return lhs < rhs, nil

	case model.OpEquals:
		return text(v) == text(p.Operand), nil

	case model.OpContains:
		needle := text(p.Operand)
		if list, isList := v.([]any); isList {
			for _, item := range list {
				if text(item) == needle {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(text(v), needle), nil
	}

	return false, &EvaluationError{Field: p.Field, Operator: p.Operator, Reason: "unknown operator"}
}

// ToNumber parses v as a finite float64. Numbers of any Go numeric kind,
// json.Number and numeric-looking strings are accepted.
func ToNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// text renders v the way string operators compare it.
func text(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
