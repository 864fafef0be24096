// Package condition evaluates the typed comparison conditions attached to
// branching nodes. Conditions arrive as an OR-of-ANDs matrix: the outer list
// is satisfied when any inner list has every condition true.
//
// Values are coerced per operator family. Text operators stringify their
// operands (non-strings JSON-encoded), numeric operators coerce through
// float64 with failures reading as 0, boolean operators recognise
// true/1/yes and false/0/no case-insensitively, and list operators accept
// native slices or JSON array strings. Any other conversion failure makes
// the condition false rather than an error.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operator names a comparison. The constants below are the full supported
// set; unknown operators evaluate to false.
type Operator string

const (
	TextContains            Operator = "TEXT_CONTAINS"
	TextDoesNotContain      Operator = "TEXT_DOES_NOT_CONTAIN"
	TextExactlyMatches      Operator = "TEXT_EXACTLY_MATCHES"
	TextDoesNotExactlyMatch Operator = "TEXT_DOES_NOT_EXACTLY_MATCH"
	TextStartsWith          Operator = "TEXT_STARTS_WITH"
	TextDoesNotStartWith    Operator = "TEXT_DOES_NOT_START_WITH"
	TextEndsWith            Operator = "TEXT_ENDS_WITH"
	TextDoesNotEndWith      Operator = "TEXT_DOES_NOT_END_WITH"
	TextIsEmpty             Operator = "TEXT_IS_EMPTY"
	TextIsNotEmpty          Operator = "TEXT_IS_NOT_EMPTY"

	NumberIsGreaterThan Operator = "NUMBER_IS_GREATER_THAN"
	NumberIsLessThan    Operator = "NUMBER_IS_LESS_THAN"
	NumberIsEqualTo     Operator = "NUMBER_IS_EQUAL_TO"

	BooleanIsTrue  Operator = "BOOLEAN_IS_TRUE"
	BooleanIsFalse Operator = "BOOLEAN_IS_FALSE"

	Exists       Operator = "EXISTS"
	DoesNotExist Operator = "DOES_NOT_EXIST"

	ListContains       Operator = "LIST_CONTAINS"
	ListDoesNotContain Operator = "LIST_DOES_NOT_CONTAIN"
	ListIsEmpty        Operator = "LIST_IS_EMPTY"
	ListIsNotEmpty     Operator = "LIST_IS_NOT_EMPTY"
)

// Condition is a single comparison between two already-resolved values.
type Condition struct {
	Operator    Operator `json:"operator"`
	FirstValue  any      `json:"firstValue"`
	SecondValue any      `json:"secondValue"`
}

// BranchTypeFallback marks a branch that fires only when every regular
// branch evaluated false.
const BranchTypeFallback = "FALLBACK"

// Branch pairs a condition matrix with branch metadata for multi-way
// routing nodes.
type Branch struct {
	ID         string        `json:"id,omitempty"`
	Label      string        `json:"label,omitempty"`
	BranchType string        `json:"branchType,omitempty"`
	Conditions [][]Condition `json:"conditions"`
}

// Evaluate reports whether any inner group has all of its conditions true.
// An empty outer list is false; an empty inner group is vacuously true.
func Evaluate(groups [][]Condition) bool {
	for _, group := range groups {
		if matchGroup(group) {
			return true
		}
	}
	return false
}

// EvaluateBranches returns the truth value of each branch in order. Regular
// branches evaluate their own condition matrix; fallback branches are true
// exactly when every regular branch is false.
func EvaluateBranches(branches []Branch) []bool {
	results := make([]bool, len(branches))
	anyRegular := false
	for i, b := range branches {
		if b.BranchType == BranchTypeFallback {
			continue
		}
		results[i] = Evaluate(b.Conditions)
		if results[i] {
			anyRegular = true
		}
	}
	for i, b := range branches {
		if b.BranchType == BranchTypeFallback {
			results[i] = !anyRegular
		}
	}
	return results
}

func matchGroup(group []Condition) bool {
	for _, c := range group {
		if !Match(c) {
			return false
		}
	}
	return true
}

// Match evaluates a single condition. Unknown operators are false.
func Match(c Condition) bool {
	op := Operator(strings.ToUpper(strings.TrimSpace(string(c.Operator))))
	switch op {
	case TextContains:
		return strings.Contains(text(c.FirstValue), text(c.SecondValue))
	case TextDoesNotContain:
		return !strings.Contains(text(c.FirstValue), text(c.SecondValue))
	case TextExactlyMatches:
		return text(c.FirstValue) == text(c.SecondValue)
	case TextDoesNotExactlyMatch:
		return text(c.FirstValue) != text(c.SecondValue)
	case TextStartsWith:
		return strings.HasPrefix(text(c.FirstValue), text(c.SecondValue))
	case TextDoesNotStartWith:
		return !strings.HasPrefix(text(c.FirstValue), text(c.SecondValue))
	case TextEndsWith:
		return strings.HasSuffix(text(c.FirstValue), text(c.SecondValue))
	case TextDoesNotEndWith:
		return !strings.HasSuffix(text(c.FirstValue), text(c.SecondValue))
	case TextIsEmpty:
		return text(c.FirstValue) == ""
	case TextIsNotEmpty:
		return text(c.FirstValue) != ""
	case NumberIsGreaterThan:
		return number(c.FirstValue) > number(c.SecondValue)
	case NumberIsLessThan:
		return number(c.FirstValue) < number(c.SecondValue)
	case NumberIsEqualTo:
		return number(c.FirstValue) == number(c.SecondValue)
	case BooleanIsTrue:
		b, ok := boolean(c.FirstValue)
		return ok && b
	case BooleanIsFalse:
		b, ok := boolean(c.FirstValue)
		return ok && !b
	case Exists:
		return c.FirstValue != nil
	case DoesNotExist:
		return c.FirstValue == nil
	case ListContains:
		items, ok := list(c.FirstValue)
		return ok && listHas(items, c.SecondValue)
	case ListDoesNotContain:
		items, ok := list(c.FirstValue)
		return ok && !listHas(items, c.SecondValue)
	case ListIsEmpty:
		items, ok := list(c.FirstValue)
		return ok && len(items) == 0
	case ListIsNotEmpty:
		items, ok := list(c.FirstValue)
		return ok && len(items) > 0
	default:
		return false
	}
}

// text stringifies a value the way templates do: strings pass through,
// everything else is JSON-encoded.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", t)
	}
}

// number coerces to float64. Unparseable values read as 0.
func number(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// boolean coerces to bool. The second return reports whether the value was
// recognisable at all.
func boolean(v any) (value, ok bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		if t == 1 {
			return true, true
		}
		if t == 0 {
			return false, true
		}
	case int:
		if t == 1 {
			return true, true
		}
		if t == 0 {
			return false, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// list coerces to a slice. Strings are accepted when they parse as a JSON
// array.
func list(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") {
			var out []any
			if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
				return out, true
			}
		}
	}
	return nil, false
}

func listHas(items []any, want any) bool {
	target := text(want)
	for _, item := range items {
		if text(item) == target {
			return true
		}
	}
	return false
}
