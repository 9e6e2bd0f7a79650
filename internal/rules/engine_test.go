package rules

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

type fakeTarget struct {
	patches      []PatchOp
	capabilities map[string]string
	extended     map[string][]interface{}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{capabilities: map[string]string{}, extended: map[string][]interface{}{}}
}

func (f *fakeTarget) Patch(_ context.Context, ops []PatchOp) error {
	f.patches = append(f.patches, ops...)
	return nil
}

func (f *fakeTarget) UpdateCapabilities(_ context.Context, updates map[string]string) error {
	for k, v := range updates {
		f.capabilities[k] = v
	}
	return nil
}

func (f *fakeTarget) ExtendAttribute(_ context.Context, path string, value interface{}, unique bool) error {
	existing := f.extended[path]
	if unique {
		for _, v := range existing {
			if v == value {
				return nil
			}
		}
	}
	f.extended[path] = append(existing, value)
	return nil
}

func TestApplySetCapabilityWhenConditionMatches(t *testing.T) {
	data := map[string]interface{}{
		"inventory": map[string]interface{}{
			"cpu": map[string]interface{}{"count": float64(4)},
		},
	}
	specs := []Spec{
		{
			ID: uuid.New(),
			Conditions: []ConditionSpec{
				{Op: "ge", Field: "inventory.cpu.count", Params: map[string]interface{}{"value": float64(4)}},
			},
			Actions: []ActionSpec{
				{Action: "set-capability", Params: map[string]interface{}{"name": "cpu_vt", "value": "true"}},
			},
		},
	}

	target := newFakeTarget()
	if err := Apply(context.Background(), NewRegistry(), specs, uuid.New(), target, data, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if target.capabilities["cpu_vt"] != "true" {
		t.Fatalf("capability cpu_vt = %q, want \"true\"", target.capabilities["cpu_vt"])
	}
}

func TestApplySkipsNonMatchingRule(t *testing.T) {
	data := map[string]interface{}{"inventory": map[string]interface{}{"cpu": map[string]interface{}{"count": float64(2)}}}
	specs := []Spec{
		{
			Conditions: []ConditionSpec{
				{Op: "ge", Field: "inventory.cpu.count", Params: map[string]interface{}{"value": float64(4)}},
			},
			Actions: []ActionSpec{{Action: "set-capability", Params: map[string]interface{}{"name": "cpu_vt"}}},
		},
	}

	target := newFakeTarget()
	if err := Apply(context.Background(), NewRegistry(), specs, uuid.New(), target, data, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := target.capabilities["cpu_vt"]; ok {
		t.Fatalf("capability set on a rule whose condition did not match")
	}
}

func TestApplyScopedRuleIgnoredForOtherNode(t *testing.T) {
	scope := uuid.New()
	other := uuid.New()
	specs := []Spec{
		{
			ScopeUUID:  &scope,
			Conditions: nil,
			Actions:    []ActionSpec{{Action: "set-capability", Params: map[string]interface{}{"name": "x"}}},
		},
	}

	target := newFakeTarget()
	if err := Apply(context.Background(), NewRegistry(), specs, other, target, map[string]interface{}{}, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(target.capabilities) != 0 {
		t.Fatalf("out-of-scope rule still applied")
	}
}

func TestApplyExtendAttributeUnique(t *testing.T) {
	specs := []Spec{
		{
			Actions: []ActionSpec{
				{Action: "extend-attribute", Params: map[string]interface{}{"path": "/properties/tags", "value": "gpu", "unique": true}},
			},
		},
	}

	target := newFakeTarget()
	ctx := context.Background()
	reg := NewRegistry()
	if err := Apply(ctx, reg, specs, uuid.New(), target, map[string]interface{}{}, nil); err != nil {
		t.Fatalf("Apply (first): %v", err)
	}
	if err := Apply(ctx, reg, specs, uuid.New(), target, map[string]interface{}{}, nil); err != nil {
		t.Fatalf("Apply (second): %v", err)
	}
	if got := len(target.extended["/properties/tags"]); got != 1 {
		t.Fatalf("extended[/properties/tags] has %d entries, want 1 (unique)", got)
	}
}

func TestApplyFailActionIsReportedAsError(t *testing.T) {
	specs := []Spec{
		{
			Actions: []ActionSpec{{Action: "fail", Params: map[string]interface{}{"message": "no disks found"}}},
		},
	}

	target := newFakeTarget()
	err := Apply(context.Background(), NewRegistry(), specs, uuid.New(), target, map[string]interface{}{}, nil)
	if err == nil {
		t.Fatalf("Apply returned nil error for a fail action")
	}
}
