package rules

import (
	"fmt"
	"net"
	"regexp"
)

// Condition checks one aspect of introspection data. fieldValue is already
// resolved from the rule's "field" path; params carries the condition's
// own arguments from the stored rule JSON (e.g. "value" for eq/lt/gt).
//
// This mirrors ironic-inspector's plugins/rules.py condition classes —
// SimpleCondition and its Eq/Lt/Gt/Le/Ge/Ne subclasses, EmptyCondition,
// NetCondition, and the regex-backed Matches/Contains conditions — as Go
// funcs registered in a Registry instead of a class hierarchy.
type Condition func(fieldValue interface{}, present bool, params map[string]interface{}) (bool, error)

func conditionEq(fieldValue interface{}, present bool, params map[string]interface{}) (bool, error) {
	if !present {
		return false, nil
	}
	want, ok := params["value"]
	if !ok {
		return false, fmt.Errorf("rules: eq condition requires a \"value\" parameter")
	}
	return toString(fieldValue) == toString(want), nil
}

func conditionNe(fieldValue interface{}, present bool, params map[string]interface{}) (bool, error) {
	eq, err := conditionEq(fieldValue, present, params)
	return !eq, err
}

func numericCompare(name string, cmp func(a, b float64) bool) Condition {
	return func(fieldValue interface{}, present bool, params map[string]interface{}) (bool, error) {
		if !present {
			return false, nil
		}
		want, ok := params["value"]
		if !ok {
			return false, fmt.Errorf("rules: %s condition requires a \"value\" parameter", name)
		}
		a, err := toFloat(fieldValue)
		if err != nil {
			return false, err
		}
		b, err := toFloat(want)
		if err != nil {
			return false, err
		}
		return cmp(a, b), nil
	}
}

func conditionEmpty(fieldValue interface{}, present bool, _ map[string]interface{}) (bool, error) {
	if !present {
		return true, nil
	}
	return isEmptyValue(fieldValue), nil
}

func conditionNet(fieldValue interface{}, present bool, params map[string]interface{}) (bool, error) {
	if !present {
		return false, nil
	}
	cidr, ok := params["value"].(string)
	if !ok {
		return false, fmt.Errorf("rules: net condition requires a string \"value\" parameter")
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, fmt.Errorf("rules: net condition: invalid CIDR %q: %w", cidr, err)
	}
	ip := net.ParseIP(toString(fieldValue))
	if ip == nil {
		return false, nil
	}
	return network.Contains(ip), nil
}

// regexCondition builds a Condition backed by regexp.MatchString. When
// anchor is true (the "matches" operator) the pattern is wrapped so it must
// match the entire field value, mirroring Python's re.match semantics
// (implicitly anchored at the start) rather than Go's unanchored default —
// otherwise value "4" would satisfy field "24" matching pattern "4$".
func regexCondition(anchor bool) Condition {
	return func(fieldValue interface{}, present bool, params map[string]interface{}) (bool, error) {
		if !present {
			return false, nil
		}
		pattern, ok := params["value"].(string)
		if !ok {
			return false, fmt.Errorf("rules: regex condition requires a string \"value\" parameter")
		}
		if anchor {
			pattern = "^(?:" + pattern + ")$"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("rules: invalid regular expression %q: %w", pattern, err)
		}
		return re.MatchString(toString(fieldValue)), nil
	}
}

// builtinConditions are registered on every new Registry. Names match
// spec.md's condition operator list literally (is-empty, in-net) rather
// than plugins/rules.py's class names (EmptyCondition, NetCondition).
func builtinConditions() map[string]Condition {
	return map[string]Condition{
		"eq":       conditionEq,
		"ne":       conditionNe,
		"lt":       numericCompare("lt", func(a, b float64) bool { return a < b }),
		"gt":       numericCompare("gt", func(a, b float64) bool { return a > b }),
		"le":       numericCompare("le", func(a, b float64) bool { return a <= b }),
		"ge":       numericCompare("ge", func(a, b float64) bool { return a >= b }),
		"is-empty": conditionEmpty,
		"in-net":   conditionNet,
		"matches":  regexCondition(true),
		"contains": regexCondition(false),
	}
}
