package hooks

import (
	"context"
	"fmt"

	"github.com/baremetal-inspector/inspector/internal/rules"
)

// PCIAlias maps a (vendor_id, product_id) pair reported in a PCI device
// entry to a capability name, grounded on plugins/pci_devices.py's
// "alias" option.
type PCIAlias struct {
	VendorID  string
	ProductID string
	Name      string
}

type pciAliasKey struct {
	vendorID  string
	productID string
}

// PCIDevicesHook counts PCI devices matching the configured aliases and
// records one capability per matched alias, set to the number of matching
// devices found — ported from PciDevicesHook.before_update.
func PCIDevicesHook(aliases []PCIAlias) PostHook {
	index := make(map[pciAliasKey]string, len(aliases))
	for _, a := range aliases {
		index[pciAliasKey{a.VendorID, a.ProductID}] = a.Name
	}

	return func(ctx context.Context, data map[string]interface{}, target rules.Target) error {
		raw, ok := data["pci_devices"]
		if !ok {
			return nil
		}
		devices, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("hooks: pci_devices: expected an array, got %T", raw)
		}

		counts := map[string]int{}
		for _, item := range devices {
			dev, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			vendorID, _ := dev["vendor_id"].(string)
			productID, _ := dev["product_id"].(string)
			name, matched := index[pciAliasKey{vendorID, productID}]
			if !matched {
				continue
			}
			counts[name]++
		}
		if len(counts) == 0 {
			return nil
		}

		caps := make(map[string]string, len(counts))
		for name, count := range counts {
			caps[name] = fmt.Sprintf("%d", count)
		}
		return target.UpdateCapabilities(ctx, caps)
	}
}
