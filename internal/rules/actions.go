package rules

import (
	"context"
	"fmt"
	"regexp"
)

// PatchOp is a single JSON-patch-style operation applied to a node's
// properties on the bare-metal control plane (driver_info, properties,
// capabilities, ...).
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// Target is what rule actions mutate: the bare-metal node record itself,
// not the introspection cache. internal/bmclient's client satisfies this.
type Target interface {
	Patch(ctx context.Context, ops []PatchOp) error
	UpdateCapabilities(ctx context.Context, updates map[string]string) error
	ExtendAttribute(ctx context.Context, path string, value interface{}, unique bool) error
}

// Action applies one rule action to target using the rule's stored params,
// the current introspection data, and the remote node object (used for
// templated parameters — see formatValue — both are available per
// spec.md §4.3, node may be nil).
//
// This mirrors plugins/rules.py's FailAction, SetAttributeAction,
// SetCapabilityAction, and ExtendAttributeAction.
type Action func(ctx context.Context, target Target, params map[string]interface{}, data, node map[string]interface{}) error

// ErrRuleFailed is returned by the "fail" action — a rule explicitly
// asking that the node be failed with a custom message.
type ErrRuleFailed struct{ Message string }

func (e *ErrRuleFailed) Error() string { return e.Message }

func actionFail(_ context.Context, _ Target, params map[string]interface{}, data, node map[string]interface{}) error {
	msg, ok := params["message"].(string)
	if !ok {
		return fmt.Errorf("rules: fail action requires a \"message\" parameter")
	}
	return &ErrRuleFailed{Message: formatValue(msg, data, node)}
}

func actionSetAttribute(ctx context.Context, target Target, params map[string]interface{}, data, node map[string]interface{}) error {
	path, ok := params["path"].(string)
	if !ok {
		return fmt.Errorf("rules: set-attribute action requires a \"path\" parameter")
	}
	value, ok := params["value"]
	if !ok {
		return fmt.Errorf("rules: set-attribute action requires a \"value\" parameter")
	}
	return target.Patch(ctx, []PatchOp{{Op: "add", Path: path, Value: formatParam(value, data, node)}})
}

func actionSetCapability(ctx context.Context, target Target, params map[string]interface{}, data, node map[string]interface{}) error {
	name, ok := params["name"].(string)
	if !ok {
		return fmt.Errorf("rules: set-capability action requires a \"name\" parameter")
	}
	value := "true"
	if v, ok := params["value"]; ok {
		value = toString(formatParam(v, data, node))
	}
	return target.UpdateCapabilities(ctx, map[string]string{name: value})
}

func actionExtendAttribute(ctx context.Context, target Target, params map[string]interface{}, data, node map[string]interface{}) error {
	path, ok := params["path"].(string)
	if !ok {
		return fmt.Errorf("rules: extend-attribute action requires a \"path\" parameter")
	}
	value, ok := params["value"]
	if !ok {
		return fmt.Errorf("rules: extend-attribute action requires a \"value\" parameter")
	}
	unique, _ := params["unique"].(bool)
	return target.ExtendAttribute(ctx, path, formatParam(value, data, node), unique)
}

// builtinActions are registered on every new Registry.
func builtinActions() map[string]Action {
	return map[string]Action{
		"fail":             actionFail,
		"set-attribute":    actionSetAttribute,
		"set-capability":   actionSetCapability,
		"extend-attribute": actionExtendAttribute,
	}
}

var templateRef = regexp.MustCompile(`\{([^{}]+)\}`)

// formatParam applies formatValue to v when it's a string; other JSON
// value types pass through unchanged.
func formatParam(v interface{}, data, node map[string]interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return formatValue(s, data, node)
}

// formatValue substitutes "{...}" template references in s with values
// resolved from data or node — both the bracket-chain syntax spec.md §6
// shows literally ("{data[inventory][bmc_address]}") and bare dotted paths
// — mirroring the FORMATTED_PARAMS mechanism in plugins/rules.py (which
// uses %-formatting against the data dict, here extended with "access to
// the submission data and the remote node" per spec.md §4.3).
func formatValue(s string, data, node map[string]interface{}) string {
	return templateRef.ReplaceAllStringFunc(s, func(match string) string {
		ref := match[1 : len(match)-1]
		v, ok := resolveTemplateRef(ref, data, node)
		if !ok {
			return match
		}
		return toString(v)
	})
}
