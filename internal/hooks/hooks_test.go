package hooks

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/rules"
)

type fakeTarget struct {
	patches      []rules.PatchOp
	capabilities map[string]string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{capabilities: map[string]string{}}
}

func (f *fakeTarget) Patch(_ context.Context, ops []rules.PatchOp) error {
	f.patches = append(f.patches, ops...)
	return nil
}

func (f *fakeTarget) UpdateCapabilities(_ context.Context, updates map[string]string) error {
	for k, v := range updates {
		f.capabilities[k] = v
	}
	return nil
}

func (f *fakeTarget) ExtendAttribute(_ context.Context, _ string, _ interface{}, _ bool) error {
	return nil
}

func TestPCIDevicesHookCountsMatchingAliases(t *testing.T) {
	hook := PCIDevicesHook([]PCIAlias{
		{VendorID: "15b3", ProductID: "1013", Name: "nic_mlx"},
	})

	data := map[string]interface{}{
		"pci_devices": []interface{}{
			map[string]interface{}{"vendor_id": "15b3", "product_id": "1013"},
			map[string]interface{}{"vendor_id": "15b3", "product_id": "1013"},
			map[string]interface{}{"vendor_id": "8086", "product_id": "10d3"},
		},
	}

	target := newFakeTarget()
	if err := hook(context.Background(), data, target); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if target.capabilities["nic_mlx"] != "2" {
		t.Fatalf("nic_mlx = %q, want \"2\"", target.capabilities["nic_mlx"])
	}
}

func TestPCIDevicesHookNoDevicesIsNoop(t *testing.T) {
	hook := PCIDevicesHook([]PCIAlias{{VendorID: "15b3", ProductID: "1013", Name: "nic_mlx"}})
	target := newFakeTarget()
	if err := hook(context.Background(), map[string]interface{}{}, target); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if len(target.capabilities) != 0 {
		t.Fatalf("capabilities set with no pci_devices present")
	}
}

func TestCapabilitiesHookDetectsBootModeAndCPUFlags(t *testing.T) {
	hook := CapabilitiesHook(CapabilitiesHookOptions{StoreBootMode: true})

	data := map[string]interface{}{
		"inventory": map[string]interface{}{
			"boot": map[string]interface{}{"current_boot_mode": "uefi"},
			"cpu":  map[string]interface{}{"flags": []interface{}{"vmx", "aes"}},
		},
	}

	target := newFakeTarget()
	if err := hook(context.Background(), data, target); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if target.capabilities["boot_mode"] != "uefi" {
		t.Fatalf("boot_mode = %q, want uefi", target.capabilities["boot_mode"])
	}
	if target.capabilities["cpu_vt"] != "true" || target.capabilities["cpu_aes"] != "true" {
		t.Fatalf("cpu capabilities not set from flags: %v", target.capabilities)
	}
}

func TestCapabilitiesHookBootModeDisabled(t *testing.T) {
	hook := CapabilitiesHook(CapabilitiesHookOptions{StoreBootMode: false})

	data := map[string]interface{}{
		"inventory": map[string]interface{}{
			"boot": map[string]interface{}{"current_boot_mode": "bios"},
			"cpu":  map[string]interface{}{"flags": []interface{}{}},
		},
	}

	target := newFakeTarget()
	if err := hook(context.Background(), data, target); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if _, ok := target.capabilities["boot_mode"]; ok {
		t.Fatalf("boot_mode recorded while StoreBootMode is false")
	}
}

func TestSchedulingPropertiesHookPrefersRootDisk(t *testing.T) {
	hook := SchedulingPropertiesHook()

	data := map[string]interface{}{
		"root_disk": map[string]interface{}{"name": "/dev/sda", "size": float64(100 * bytesPerGB)},
		"inventory": map[string]interface{}{
			"disks": []interface{}{
				map[string]interface{}{"name": "/dev/sdb", "size": float64(40 * bytesPerGB)},
			},
		},
	}

	target := newFakeTarget()
	if err := hook(context.Background(), data, target); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if len(target.patches) != 1 || target.patches[0].Value != "100" {
		t.Fatalf("patches = %+v, want local_gb=100 from root_disk", target.patches)
	}
}

func TestSchedulingPropertiesHookFallsBackToFirstDisk(t *testing.T) {
	hook := SchedulingPropertiesHook()

	data := map[string]interface{}{
		"inventory": map[string]interface{}{
			"disks": []interface{}{
				map[string]interface{}{"name": "/dev/sda", "size": float64(40 * bytesPerGB)},
			},
		},
	}

	target := newFakeTarget()
	if err := hook(context.Background(), data, target); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if len(target.patches) != 1 || target.patches[0].Value != "40" {
		t.Fatalf("patches = %+v, want local_gb=40 from first disk", target.patches)
	}
}

func TestParseBootInterfaceMAC(t *testing.T) {
	mac, err := ParseBootInterfaceMAC("01-52-54-00-11-22-33")
	if err != nil {
		t.Fatalf("ParseBootInterfaceMAC: %v", err)
	}
	if mac != "52:54:00:11:22:33" {
		t.Fatalf("mac = %q, want 52:54:00:11:22:33", mac)
	}

	if _, err := ParseBootInterfaceMAC("not-a-boot-interface"); err == nil {
		t.Fatalf("expected an error for a malformed boot_interface")
	}
}

func TestRegistryRunsHooksInOrderAndAggregatesPreHookFailures(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	var order []string
	reg.RegisterPreHook("first", func(_ context.Context, _ map[string]interface{}) error {
		order = append(order, "first")
		return nil
	})
	reg.RegisterPreHook("second", func(_ context.Context, _ map[string]interface{}) error {
		order = append(order, "second")
		return assertError{"boom"}
	})

	failures := reg.RunPreHooks(context.Background(), map[string]interface{}{})
	if len(failures) != 1 {
		t.Fatalf("got %d pre-hook failures, want 1", len(failures))
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("hooks did not run in registration order: %v", order)
	}
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
