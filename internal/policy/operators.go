package policy

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Operator compares an extracted value with a policy operand.
type Operator string

const (
	OpEndsWith    Operator = "endsWith"
	OpStartsWith  Operator = "startsWith"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpEqual       Operator = "equal"
	OpNotEqual    Operator = "notEqual"
	OpRegex       Operator = "regex"
)

// Operators lists every supported operator.
var Operators = []Operator{OpEndsWith, OpStartsWith, OpContains, OpNotContains, OpEqual, OpNotEqual, OpRegex}

// Valid reports whether op is supported.
func (op Operator) Valid() bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// Match applies op to value. Comparisons are case-sensitive. Only equal and
// notEqual accept non-string values, which compare by their JSON encoding
// (true, 42, null). An invalid regular expression never matches.
func (op Operator) Match(value any, operand string) bool {
	s, isString := value.(string)
	switch op {
	case OpEqual:
		return scalarText(value) == operand
	case OpNotEqual:
		return scalarText(value) != operand
	}
	if !isString {
		return false
	}
	switch op {
	case OpEndsWith:
		return strings.HasSuffix(s, operand)
	case OpStartsWith:
		return strings.HasPrefix(s, operand)
	case OpContains:
		return strings.Contains(s, operand)
	case OpNotContains:
		return !strings.Contains(s, operand)
	case OpRegex:
		re, err := compileRegex(operand)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	}
	return false
}

func scalarText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// regexCache holds compiled regex operands keyed by pattern text.
var regexCache = newPatternCache()

func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexCache.get(pattern)
}
