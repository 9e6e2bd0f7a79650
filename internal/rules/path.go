package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// segmentKind distinguishes a plain map-key path segment from an indexed
// ("foo[3]") or wildcard ("foo[*]") one.
type segmentKind int

const (
	segPlain segmentKind = iota
	segIndex
	segWildcard
)

// splitSegment splits "name[3]" into ("name", segIndex, 3), "name[*]" into
// ("name", segWildcard, 0), or returns (segment, segPlain, 0) when there is
// no subscript.
func splitSegment(segment string) (string, segmentKind, int) {
	open := strings.IndexByte(segment, '[')
	if open < 0 || !strings.HasSuffix(segment, "]") {
		return segment, segPlain, 0
	}
	inner := segment[open+1 : len(segment)-1]
	if inner == "*" {
		return segment[:open], segWildcard, 0
	}
	idx, err := strconv.Atoi(inner)
	if err != nil {
		return segment, segPlain, 0
	}
	return segment[:open], segIndex, idx
}

// resolvePath walks a dot-separated path (with optional "[index]" or "[*]"
// subscripts, e.g. "inventory.interfaces[*].ipv4_address") against nested
// data, mirroring the path resolution ironic-inspector's rules and
// node_cache.py plugins share. It returns every value the path resolved to
// — more than one only when a "[*]" segment was traversed — and whether the
// path was present at all, distinguishing "field missing" from "field
// present but an empty list" per spec.md §4.3/§9.
func resolvePath(root map[string]interface{}, path string) (values []interface{}, present bool) {
	current := []interface{}{root}
	present = true

	for _, segment := range strings.Split(path, ".") {
		if len(current) == 0 {
			// A prior wildcard yielded no elements; there is nothing left
			// to look up, but the path itself was already found present.
			continue
		}

		name, kind, index := splitSegment(segment)
		var next []interface{}
		found := false

		for _, cur := range current {
			m, ok := cur.(map[string]interface{})
			if !ok {
				continue
			}
			v, ok := m[name]
			if !ok {
				continue
			}
			found = true

			switch kind {
			case segWildcard:
				if list, ok := v.([]interface{}); ok {
					next = append(next, list...)
				}
			case segIndex:
				if list, ok := v.([]interface{}); ok && index >= 0 && index < len(list) {
					next = append(next, list[index])
				}
			default:
				next = append(next, v)
			}
		}

		if !found {
			present = false
		}
		current = next
	}

	return current, present
}

// resolveField resolves a condition's field path against either the
// submission data or the remote node object, per the two schemes spec.md
// §4.3 documents: "data://<dotpath>" and bare paths read data; "node://
// <dotpath>" reads the remote node.
func resolveField(data, node map[string]interface{}, path string) ([]interface{}, bool) {
	switch {
	case strings.HasPrefix(path, "node://"):
		return resolvePath(node, strings.TrimPrefix(path, "node://"))
	case strings.HasPrefix(path, "data://"):
		return resolvePath(data, strings.TrimPrefix(path, "data://"))
	default:
		return resolvePath(data, path)
	}
}

// firstValue reduces a resolvePath result to the single value formatted
// action parameters need — templating has no "multiple" policy, so the
// first match is used, matching the non-wildcard common case.
func firstValue(values []interface{}, present bool) (interface{}, bool) {
	if !present || len(values) == 0 {
		return nil, false
	}
	return values[0], true
}

// resolveBracketChain resolves "[key1][key2]..." against root, used for the
// "{data[inventory][bmc_address]}" templated-parameter syntax spec.md §6
// shows literally.
func resolveBracketChain(root map[string]interface{}, chain string) (interface{}, bool) {
	var current interface{} = root
	for len(chain) > 0 {
		if chain[0] != '[' {
			return nil, false
		}
		closeIdx := strings.IndexByte(chain, ']')
		if closeIdx < 0 {
			return nil, false
		}
		key := chain[1:closeIdx]
		chain = chain[closeIdx+1:]

		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[key]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// resolveTemplateRef resolves one "{...}" template reference against either
// the submission data or the remote node, supporting both the bracket-chain
// syntax from spec.md §6 ("data[inventory][bmc_address]") and a bare dotted
// path (defaulting to data, with the same "data://"/"node://" scheme
// prefixes resolveField accepts) for simple cases like "{memory_mb}".
func resolveTemplateRef(ref string, data, node map[string]interface{}) (interface{}, bool) {
	switch {
	case strings.HasPrefix(ref, "data["):
		return resolveBracketChain(data, strings.TrimPrefix(ref, "data"))
	case strings.HasPrefix(ref, "node["):
		return resolveBracketChain(node, strings.TrimPrefix(ref, "node"))
	default:
		values, present := resolveField(data, node, ref)
		return firstValue(values, present)
	}
}

// isEmptyValue reports whether v is one of the "empty" values the original
// EmptyCondition treats as absent: nil, "", an empty slice, or an empty map.
func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("rules: cannot coerce %q to a number", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("rules: cannot coerce %T to a number", v)
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
