package nodecache

import (
	"context"
	"fmt"
	"time"

	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/repository"
)

// RemoteNodeFetcher is the subset of the bare-metal control-plane client
// NodeInfo needs to lazily load the remote node object and its ports.
// internal/bmclient's client satisfies this structurally.
type RemoteNodeFetcher interface {
	GetNodeObject(ctx context.Context) (map[string]interface{}, error)
	ListPortMACs(ctx context.Context) ([]string, error)
}

// AcquireLock blocks until this node's lock is obtained or ctx is done. It
// is a no-op if the handle already holds the lock.
func (n *NodeInfo) AcquireLock(ctx context.Context) error {
	if n.lock.Held() {
		return nil
	}
	handle, err := n.cache.locks.Acquire(ctx, n.UUID.String())
	if err != nil {
		return fmt.Errorf("nodecache: acquire lock: %w", err)
	}
	n.lock = handle
	return nil
}

// TryAcquireLock attempts to obtain this node's lock without blocking.
func (n *NodeInfo) TryAcquireLock() bool {
	if n.lock.Held() {
		return true
	}
	handle, ok := n.cache.locks.TryAcquire(n.UUID.String())
	if !ok {
		return false
	}
	n.lock = handle
	return true
}

// ReleaseLock releases this node's lock, if held. Safe to call more than
// once or on a NodeInfo that never held the lock.
func (n *NodeInfo) ReleaseLock() {
	n.lock.Release()
}

// Locked reports whether this handle currently holds the node's lock.
func (n *NodeInfo) Locked() bool {
	return n.lock.Held()
}

// Attributes returns this node's lookup attributes, fetching and caching
// them from storage on first access. Call InvalidateCache to force a
// re-fetch after attributes may have changed out from under this handle.
func (n *NodeInfo) Attributes(ctx context.Context) (map[string][]string, error) {
	if n.attributesLoaded {
		return n.attributes, nil
	}
	rows, err := n.cache.attrs.ListByNode(ctx, n.UUID)
	if err != nil {
		return nil, fmt.Errorf("nodecache: attributes: %w", err)
	}
	out := map[string][]string{}
	for _, r := range rows {
		out[r.Name] = append(out[r.Name], r.Value)
	}
	n.attributes = out
	n.attributesLoaded = true
	return out, nil
}

// AddAttribute registers (name, value) as an additional lookup key for
// this node. Returns ErrDuplicateAttribute if the pair is already owned by
// another node.
func (n *NodeInfo) AddAttribute(ctx context.Context, name, value string) error {
	attr := &db.Attribute{NodeUUID: n.UUID, Name: name, Value: value}
	if err := n.cache.attrs.Create(ctx, attr); err != nil {
		if err == repository.ErrDuplicateAttribute {
			return ErrDuplicateAttribute
		}
		return fmt.Errorf("nodecache: add attribute: %w", err)
	}
	if n.attributesLoaded {
		n.attributes[name] = append(n.attributes[name], value)
	}
	return nil
}

// Options returns this node's transient processing options, fetching and
// caching them from storage on first access.
func (n *NodeInfo) Options(ctx context.Context) (map[string]string, error) {
	if n.optionsLoaded {
		return n.options, nil
	}
	rows, err := n.cache.opts.ListByNode(ctx, n.UUID)
	if err != nil {
		return nil, fmt.Errorf("nodecache: options: %w", err)
	}
	out := make(map[string]string, len(rows))
	for k, v := range rows {
		out[k] = string(v)
	}
	n.options = out
	n.optionsLoaded = true
	return out, nil
}

// SetOption creates or overwrites a single processing option for this node.
func (n *NodeInfo) SetOption(ctx context.Context, name, value string) error {
	if err := n.cache.opts.Set(ctx, n.UUID, name, db.EncryptedString(value)); err != nil {
		return fmt.Errorf("nodecache: set option: %w", err)
	}
	if n.optionsLoaded {
		n.options[name] = value
	}
	return nil
}

// RemoteNode returns the bare-metal control plane's node object, fetching
// and caching it on first access via client. This is the object rule
// conditions/actions resolve "node://"-scoped fields against (spec.md
// §4.3's "access to the submission data and the remote node").
func (n *NodeInfo) RemoteNode(ctx context.Context, client RemoteNodeFetcher) (map[string]interface{}, error) {
	if n.remoteNodeLoaded {
		return n.remoteNode, nil
	}
	obj, err := client.GetNodeObject(ctx)
	if err != nil {
		return nil, fmt.Errorf("nodecache: remote node: %w", err)
	}
	n.remoteNode = obj
	n.remoteNodeLoaded = true
	return obj, nil
}

// HasPort reports whether this node already has a port with the given MAC
// address, listing and caching the node's ports from the control plane on
// first access (spec.md §4.2).
func (n *NodeInfo) HasPort(ctx context.Context, client RemoteNodeFetcher, mac string) (bool, error) {
	if !n.portsLoaded {
		macs, err := client.ListPortMACs(ctx)
		if err != nil {
			return false, fmt.Errorf("nodecache: list ports: %w", err)
		}
		n.ports = make(map[string]struct{}, len(macs))
		for _, m := range macs {
			n.ports[m] = struct{}{}
		}
		n.portsLoaded = true
	}
	_, ok := n.ports[mac]
	return ok, nil
}

// RememberPort records that a port for mac now exists, so a later HasPort
// call in the same submission doesn't re-list the control plane's ports.
func (n *NodeInfo) RememberPort(mac string) {
	if n.ports == nil {
		n.ports = map[string]struct{}{}
	}
	n.ports[mac] = struct{}{}
	n.portsLoaded = true
}

// InvalidateCache discards any lazily loaded attributes, options, remote
// node, and ports so the next access re-reads them from storage/the
// control plane. Call this after a hook mutates node state through a path
// other than this NodeInfo (e.g. rules.Apply adding an attribute via a
// fresh AddAttribute call elsewhere).
func (n *NodeInfo) InvalidateCache() {
	n.attributesLoaded = false
	n.attributes = nil
	n.optionsLoaded = false
	n.options = nil
	n.remoteNodeLoaded = false
	n.remoteNode = nil
	n.portsLoaded = false
	n.ports = nil
}

// Finished marks this node's introspection as complete, with errMsg empty
// on success or set to a failure description. It deletes the node's
// attributes and options (no longer needed once processing is over),
// persists the terminal Node row, and releases the node's lock — mirroring
// node_cache.py's finished(), which performs the same three steps as one
// logical unit before giving up the lock.
func (n *NodeInfo) Finished(ctx context.Context, errMsg string) error {
	defer n.ReleaseLock()

	now := time.Now().UTC()
	n.FinishedAt = &now
	n.Error = errMsg

	row := &db.Node{
		UUID:       n.UUID,
		Version:    n.Version,
		StartedAt:  n.StartedAt,
		FinishedAt: n.FinishedAt,
		Error:      n.Error,
		ManageBoot: n.ManageBoot,
	}
	if err := n.cache.nodes.Update(ctx, row); err != nil {
		return fmt.Errorf("nodecache: finished: updating node: %w", err)
	}
	if err := n.cache.attrs.DeleteByNode(ctx, n.UUID); err != nil {
		return fmt.Errorf("nodecache: finished: deleting attributes: %w", err)
	}
	if err := n.cache.opts.DeleteByNode(ctx, n.UUID); err != nil {
		return fmt.Errorf("nodecache: finished: deleting options: %w", err)
	}
	return nil
}
