// Package hooks implements the pre-processing and post-processing hook
// registries described in spec.md §4.6. Pre-hooks run before a node is
// looked up and may only inspect/annotate the raw introspection data;
// post-hooks run after a node is identified and may mutate the node
// through a rules.Target (the same interface rule actions use).
package hooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/nodecache"
	"github.com/baremetal-inspector/inspector/internal/rules"
)

// PreHook inspects or annotates raw introspection data before node lookup.
// Returning an error fails this hook but — mirroring
// process.py's _run_pre_hooks — does not stop the remaining pre-hooks from
// running; every failure is collected and only surfaces after node lookup
// completes, so the coordinator can still record which node failed.
type PreHook func(ctx context.Context, data map[string]interface{}) error

// PostHook runs once a node has been identified, with the opportunity to
// patch node properties/capabilities via target.
type PostHook func(ctx context.Context, data map[string]interface{}, target rules.Target) error

type namedPreHook struct {
	name string
	fn   PreHook
}

type namedPostHook struct {
	name string
	fn   PostHook
}

// NodeNotFoundHook is consulted when node lookup fails to match any cached
// node (spec.md §4.4 step 3, §4.6) — it may synthesize/enroll a node for
// the submission and return it, or return nodecache.ErrNotFoundInCache (or
// any other error) to let the original lookup failure stand. The returned
// NodeInfo's lock may or may not already be held; the caller checks
// Locked() and acquires it if not.
type NodeNotFoundHook func(ctx context.Context, data map[string]interface{}) (*nodecache.NodeInfo, error)

// Registry holds the ordered list of pre- and post-hooks the pipeline
// runs for every submission. Order matters — hooks run in registration
// order, matching the Python stevedore extension manager's iteration
// order over entry points.
type Registry struct {
	pre          []namedPreHook
	post         []namedPostHook
	nodeNotFound NodeNotFoundHook
	logger       *zap.Logger
}

// NewRegistry returns an empty Registry. Built-in hooks (pci_devices,
// capabilities) are registered by the caller via RegisterPostHook — they
// are not wired in automatically, so a deployment can opt out of any of
// them.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.Named("hooks")}
}

// RegisterPreHook appends a named pre-processing hook.
func (r *Registry) RegisterPreHook(name string, fn PreHook) {
	r.pre = append(r.pre, namedPreHook{name, fn})
}

// RegisterPostHook appends a named post-processing hook.
func (r *Registry) RegisterPostHook(name string, fn PostHook) {
	r.post = append(r.post, namedPostHook{name, fn})
}

// RegisterNodeNotFoundHook sets the hook consulted when node lookup misses.
// There is only ever one — registering again replaces it.
func (r *Registry) RegisterNodeNotFoundHook(fn NodeNotFoundHook) {
	r.nodeNotFound = fn
}

// NodeNotFoundHook returns the registered node-not-found hook, or nil if
// none was registered.
func (r *Registry) NodeNotFoundHook() NodeNotFoundHook {
	return r.nodeNotFound
}

// RunPreHooks runs every registered pre-hook against data, returning the
// names and errors of the ones that failed. It never stops early.
func (r *Registry) RunPreHooks(ctx context.Context, data map[string]interface{}) []error {
	var failures []error
	for _, h := range r.pre {
		if err := h.fn(ctx, data); err != nil {
			r.logger.Error("pre-processing hook failed", zap.String("hook", h.name), zap.Error(err))
			failures = append(failures, fmt.Errorf("pre-processing hook %s: %w", h.name, err))
		}
	}
	return failures
}

// RunPostHooks runs every registered post-hook against data and target, in
// registration order. Unlike pre-hooks, a post-hook error stops subsequent
// post-hooks and is returned immediately — by the time post-hooks run the
// node is already identified, so a partial, inconsistent patch set is
// worse than stopping early.
func (r *Registry) RunPostHooks(ctx context.Context, data map[string]interface{}, target rules.Target) error {
	for _, h := range r.post {
		if err := h.fn(ctx, data, target); err != nil {
			return fmt.Errorf("post-processing hook %s: %w", h.name, err)
		}
	}
	return nil
}
