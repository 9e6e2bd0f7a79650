package hooks

import (
	"context"

	"github.com/baremetal-inspector/inspector/internal/rules"
)

// DefaultCPUFlagsMapping is the built-in CPU-flag-to-capability mapping
// ported from plugins/capabilities.py's DEFAULT_CPU_FLAGS_MAPPING.
var DefaultCPUFlagsMapping = map[string]string{
	"vmx":     "cpu_vt",
	"svm":     "cpu_vt",
	"aes":     "cpu_aes",
	"pse":     "cpu_hugepages",
	"pdpe1gb": "cpu_hugepages_1g",
	"smx":     "cpu_txt",
}

// CapabilitiesHookOptions configures CapabilitiesHook.
type CapabilitiesHookOptions struct {
	// StoreBootMode mirrors the capabilities.boot_mode config option:
	// when false the boot_mode capability is never recorded.
	StoreBootMode bool
	// CPUFlagsMapping defaults to DefaultCPUFlagsMapping when nil.
	CPUFlagsMapping map[string]string
}

// CapabilitiesHook records the current boot mode and any matching CPU
// flags as node capabilities, ported from CapabilitiesHook.before_update.
func CapabilitiesHook(opts CapabilitiesHookOptions) PostHook {
	mapping := opts.CPUFlagsMapping
	if mapping == nil {
		mapping = DefaultCPUFlagsMapping
	}

	return func(ctx context.Context, data map[string]interface{}, target rules.Target) error {
		caps := map[string]string{}

		inventory, _ := data["inventory"].(map[string]interface{})

		if opts.StoreBootMode {
			if boot, ok := inventory["boot"].(map[string]interface{}); ok {
				if mode, ok := boot["current_boot_mode"].(string); ok && mode != "" {
					caps["boot_mode"] = mode
				}
			}
		}

		if cpu, ok := inventory["cpu"].(map[string]interface{}); ok {
			if rawFlags, ok := cpu["flags"].([]interface{}); ok {
				present := make(map[string]bool, len(rawFlags))
				for _, f := range rawFlags {
					if s, ok := f.(string); ok {
						present[s] = true
					}
				}
				for flag, capName := range mapping {
					if present[flag] {
						caps[capName] = "true"
					}
				}
			}
		}

		if len(caps) == 0 {
			return nil
		}
		return target.UpdateCapabilities(ctx, caps)
	}
}
