// Package rules implements the introspection rules engine: stored
// condition/action pairs evaluated against every node that finishes
// pre-processing, grounded directly on ironic-inspector's
// plugins/rules.py. A rule matches when every one of its conditions is
// true (optionally inverted); a matching rule runs every one of its
// actions in order.
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hashicorp/go-multierror"
)

// ConditionSpec is one stored condition: which plugin to run ("op"), the
// introspection data field it reads ("field"), whether to invert the
// result, the reduction policy for "[*]"-wildcarded fields ("multiple"),
// and any plugin-specific parameters (e.g. "value" for eq/lt/gt).
type ConditionSpec struct {
	Op       string
	Field    string
	Invert   bool
	Multiple string
	Params   map[string]interface{}
}

// UnmarshalJSON accepts a flat JSON object where "op", "field", "invert",
// and "multiple" are reserved keys and everything else becomes a plugin
// parameter, e.g.:
//
//	{"op": "eq", "field": "inventory.cpu.count", "value": 4}
func (c *ConditionSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Params = map[string]interface{}{}
	for k, v := range raw {
		switch k {
		case "op":
			c.Op, _ = v.(string)
		case "field":
			c.Field, _ = v.(string)
		case "invert":
			c.Invert, _ = v.(bool)
		case "multiple":
			c.Multiple, _ = v.(string)
		default:
			c.Params[k] = v
		}
	}
	return nil
}

// MarshalJSON flattens Op/Field/Invert/Multiple and Params back into one object.
func (c ConditionSpec) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"op": c.Op, "field": c.Field}
	if c.Invert {
		out["invert"] = true
	}
	if c.Multiple != "" {
		out["multiple"] = c.Multiple
	}
	for k, v := range c.Params {
		out[k] = v
	}
	return json.Marshal(out)
}

// ActionSpec is one stored action: which plugin to run ("action") and its
// parameters, e.g.:
//
//	{"action": "set-capability", "name": "boot_mode", "value": "uefi"}
type ActionSpec struct {
	Action string
	Params map[string]interface{}
}

func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Params = map[string]interface{}{}
	for k, v := range raw {
		if k == "action" {
			a.Action, _ = v.(string)
			continue
		}
		a.Params[k] = v
	}
	return nil
}

func (a ActionSpec) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"action": a.Action}
	for k, v := range a.Params {
		out[k] = v
	}
	return json.Marshal(out)
}

// Spec is one complete stored rule: its conditions (ANDed together) and
// the actions to run when all of them hold.
type Spec struct {
	ID          uuid.UUID
	Description string
	Conditions  []ConditionSpec
	Actions     []ActionSpec
	ScopeUUID   *uuid.UUID
}

// Matches evaluates every condition in s against data and node, returning
// true only if all of them hold (after applying each condition's Invert
// flag). node is the remote node object ("node://"-scoped fields resolve
// against it); it may be nil if the caller has none to offer.
func (s Spec) Matches(registry *Registry, data, node map[string]interface{}) (bool, error) {
	for _, cond := range s.Conditions {
		plugin, err := registry.condition(cond.Op)
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", s.ID, err)
		}
		values, present := resolveField(data, node, cond.Field)
		ok, err := evaluateMultiple(plugin, values, present, cond.Multiple, cond.Params)
		if err != nil {
			return false, fmt.Errorf("rule %s: condition %s on field %q: %w", s.ID, cond.Op, cond.Field, err)
		}
		if cond.Invert {
			ok = !ok
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evaluateMultiple reduces a (possibly wildcard-expanded) field resolution
// down to one boolean per spec.md §4.3's "multiple" policy: "any" (default)
// is true if any element satisfies the condition, "all" requires every
// element to, and "first"/"last" apply the condition to just that one
// element. A field with no resolved values (absent, or present as an empty
// list) runs the condition once against (nil, present) so plugins like
// is-empty still see the distinction spec.md §9 calls out.
func evaluateMultiple(plugin Condition, values []interface{}, present bool, multiple string, params map[string]interface{}) (bool, error) {
	if len(values) == 0 {
		return plugin(nil, present, params)
	}

	switch multiple {
	case "first":
		return plugin(values[0], true, params)
	case "last":
		return plugin(values[len(values)-1], true, params)
	case "all":
		for _, v := range values {
			ok, err := plugin(v, true, params)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "any", "":
		for _, v := range values {
			ok, err := plugin(v, true, params)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("rules: unknown multiple policy %q", multiple)
	}
}

// Apply evaluates every rule in specs against data/node and, for each rule
// that matches and is in scope for nodeUUID, runs its actions against
// target. Action failures across different rules are aggregated and all
// returned together rather than aborting on the first one, so one
// misconfigured rule does not prevent the rest from applying. node is the
// remote node object threaded through to condition resolution and
// templated action parameters (spec.md §4.3's "access to the submission
// data and the remote node"); it may be nil.
func Apply(ctx context.Context, registry *Registry, specs []Spec, nodeUUID uuid.UUID, target Target, data, node map[string]interface{}) error {
	var result *multierror.Error

	for _, spec := range specs {
		if spec.ScopeUUID != nil && *spec.ScopeUUID != nodeUUID {
			continue
		}

		matched, err := spec.Matches(registry, data, node)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !matched {
			continue
		}

		for _, act := range spec.Actions {
			plugin, err := registry.action(act.Action)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("rule %s: %w", spec.ID, err))
				continue
			}
			if err := plugin(ctx, target, act.Params, data, node); err != nil {
				result = multierror.Append(result, fmt.Errorf("rule %s: action %s: %w", spec.ID, act.Action, err))
			}
		}
	}

	return result.ErrorOrNil()
}
