package hooks

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/baremetal-inspector/inspector/internal/rules"
)

const bytesPerGB = 1024 * 1024 * 1024

// SchedulingPropertiesHook resolves scheduling properties (currently just
// local_gb) from the submitted inventory and patches them onto the node's
// properties. When a top-level root_disk entry is present it is preferred
// over the first inventory.disks[] entry — ironic-inspector's own
// root_disk resolution, dropped from spec.md's distillation but present
// in the original scheduling plugin.
func SchedulingPropertiesHook() PostHook {
	return func(ctx context.Context, data map[string]interface{}, target rules.Target) error {
		disk, ok := resolveRootDisk(data)
		if !ok {
			return nil
		}
		size, ok := diskSizeBytes(disk)
		if !ok || size <= 0 {
			return nil
		}
		localGB := size / bytesPerGB

		return target.Patch(ctx, []rules.PatchOp{
			{Op: "add", Path: "/properties/local_gb", Value: strconv.FormatInt(localGB, 10)},
		})
	}
}

func resolveRootDisk(data map[string]interface{}) (map[string]interface{}, bool) {
	if rd, ok := data["root_disk"].(map[string]interface{}); ok {
		return rd, true
	}
	inventory, _ := data["inventory"].(map[string]interface{})
	disks, _ := inventory["disks"].([]interface{})
	if len(disks) == 0 {
		return nil, false
	}
	first, ok := disks[0].(map[string]interface{})
	return first, ok
}

func diskSizeBytes(disk map[string]interface{}) (int64, bool) {
	switch v := disk["size"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ParseBootInterfaceMAC parses the "01-<mac-with-dashes>" boot_interface
// format ironic-inspector's ramdisk agent sends to identify the PXE boot
// NIC, returning the MAC address in colon-separated form.
func ParseBootInterfaceMAC(bootInterface string) (string, error) {
	const prefix = "01-"
	if !strings.HasPrefix(bootInterface, prefix) {
		return "", fmt.Errorf("hooks: boot_interface %q does not have the expected %q prefix", bootInterface, prefix)
	}
	mac := strings.ReplaceAll(strings.TrimPrefix(bootInterface, prefix), "-", ":")
	if len(strings.Split(mac, ":")) != 6 {
		return "", fmt.Errorf("hooks: boot_interface %q does not decode to a MAC address", bootInterface)
	}
	return mac, nil
}
