// Package nodecache tracks the introspection state of every bare-metal
// node currently known to the coordinator. It is a direct Go port of
// ironic-inspector's node_cache.py: a node is represented by a Node row
// (started_at/finished_at/error) plus two auxiliary tables — Attribute
// (lookup keys such as MAC addresses) and Option (transient per-node
// processing state) — and every mutating operation on a node is expected
// to run while that node's lock is held.
//
// Unlike node_cache.py's NodeInfo, which releases its lock from a __del__
// finalizer as a last-resort safety net, NodeInfo here has no finalizer:
// ReleaseLock (directly, or via Finished) is the only way a lock is freed. A
// caller that forgets to release leaks the lock for that node's UUID until
// process restart. This is a deliberate simplification — see DESIGN.md.
package nodecache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/lockregistry"
	"github.com/baremetal-inspector/inspector/internal/repository"
)

// Cache is the shared entry point for every node cache operation. It owns
// no in-memory node state of its own beyond the lock registry — every
// NodeInfo reads through to the repositories, lazily, on first access.
type Cache struct {
	nodes  repository.NodeRepository
	attrs  repository.AttributeRepository
	opts   repository.OptionRepository
	locks  *lockregistry.Registry
	logger *zap.Logger
}

// New returns a Cache backed by the given repositories and lock registry.
func New(nodes repository.NodeRepository, attrs repository.AttributeRepository, opts repository.OptionRepository, locks *lockregistry.Registry, logger *zap.Logger) *Cache {
	return &Cache{
		nodes:  nodes,
		attrs:  attrs,
		opts:   opts,
		locks:  locks,
		logger: logger.Named("nodecache"),
	}
}

// NodeInfo is a handle onto one node's introspection state. It is not safe
// for concurrent use by multiple goroutines.
type NodeInfo struct {
	UUID       uuid.UUID
	Version    uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
	ManageBoot bool

	cache *Cache
	lock  *lockregistry.Handle

	optionsLoaded bool
	options       map[string]string

	attributesLoaded bool
	attributes       map[string][]string

	remoteNodeLoaded bool
	remoteNode       map[string]interface{}

	portsLoaded bool
	ports       map[string]struct{}
}

func (c *Cache) fromRow(row *db.Node) *NodeInfo {
	return &NodeInfo{
		UUID:       row.UUID,
		Version:    row.Version,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
		Error:      row.Error,
		ManageBoot: row.ManageBoot,
		cache:      c,
	}
}

// AddNode creates a new node cache entry for nodeUUID, replacing any
// existing entry for the same UUID, and registers attrs as its initial
// lookup attributes. Empty attribute values are skipped, mirroring
// node_cache.py's add_node.
//
// The returned NodeInfo is not locked — callers that need exclusive access
// (the normal case when starting introspection) must call AcquireLock
// themselves, the same division of responsibility as the Python original.
func (c *Cache) AddNode(ctx context.Context, nodeUUID uuid.UUID, manageBoot bool, attrs map[string][]string) (*NodeInfo, error) {
	if err := c.nodes.Delete(ctx, nodeUUID); err != nil {
		return nil, fmt.Errorf("nodecache: add node: clearing prior entry: %w", err)
	}

	version, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("nodecache: add node: generating version: %w", err)
	}

	row := &db.Node{
		UUID:       nodeUUID,
		Version:    version,
		StartedAt:  time.Now().UTC(),
		ManageBoot: manageBoot,
	}
	if err := c.nodes.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("nodecache: add node: %w", err)
	}

	info := c.fromRow(row)

	for name, values := range attrs {
		for _, value := range values {
			if value == "" {
				continue
			}
			if err := info.AddAttribute(ctx, name, value); err != nil {
				return nil, fmt.Errorf("nodecache: add node: registering attribute %s: %w", name, err)
			}
		}
	}

	return info, nil
}

// GetNode fetches the node cache entry for nodeUUID. If locked is true the
// node's lock is acquired first and released again if any error occurs
// while loading the row — never left held on a failed GetNode, exactly the
// rule node_cache.py enforces via save_and_reraise_exception around its
// own get_node.
func (c *Cache) GetNode(ctx context.Context, nodeUUID uuid.UUID, locked bool) (info *NodeInfo, err error) {
	var handle *lockregistry.Handle
	if locked {
		handle, err = c.locks.Acquire(ctx, nodeUUID.String())
		if err != nil {
			return nil, fmt.Errorf("nodecache: get node: acquiring lock: %w", err)
		}
		defer func() {
			if err != nil {
				handle.Release()
			}
		}()
	}

	row, err := c.nodes.Get(ctx, nodeUUID)
	if err != nil {
		return nil, fmt.Errorf("nodecache: get node: %w", err)
	}

	info = c.fromRow(row)
	info.lock = handle
	return info, nil
}

// FindNode looks up the single node owning bmcAddress or any of macs. It
// returns ErrNotFoundInCache if no node matches, ErrAmbiguousLookup if more
// than one does. On success the returned NodeInfo is locked.
//
// The candidate search is a single parameterized query (see
// repository.AttributeRepository.FindNodeUUIDs) — never the raw string
// concatenation node_cache.py's find_node uses, which is exactly the SQL
// injection surface spec.md flags.
func (c *Cache) FindNode(ctx context.Context, bmcAddress string, macs []string) (*NodeInfo, error) {
	pairs := map[string][]string{}
	if bmcAddress != "" {
		pairs["bmc_address"] = []string{bmcAddress}
	}
	if len(macs) > 0 {
		pairs["mac"] = macs
	}

	uuids, err := c.attrs.FindNodeUUIDs(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("nodecache: find node: %w", err)
	}

	switch len(uuids) {
	case 0:
		return nil, ErrNotFoundInCache
	case 1:
		// fall through
	default:
		return nil, ErrAmbiguousLookup
	}

	info, err := c.GetNode(ctx, uuids[0], true)
	if err != nil {
		return nil, fmt.Errorf("nodecache: find node: %w", err)
	}
	if info.FinishedAt != nil {
		info.lock.Release()
		return nil, ErrAlreadyFinished
	}
	return info, nil
}

// DeleteNodesNotIn removes every cached node whose UUID is not present in
// keep, acquiring each victim's lock before deleting it. It returns the
// UUIDs actually deleted.
func (c *Cache) DeleteNodesNotIn(ctx context.Context, keep []uuid.UUID) ([]uuid.UUID, error) {
	keepSet := make(map[uuid.UUID]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	all, err := c.nodes.ListUUIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("nodecache: delete nodes not in list: %w", err)
	}

	var deleted []uuid.UUID
	for _, id := range all {
		if _, ok := keepSet[id]; ok {
			continue
		}
		handle, err := c.locks.Acquire(ctx, id.String())
		if err != nil {
			return deleted, fmt.Errorf("nodecache: delete nodes not in list: acquiring lock for %s: %w", id, err)
		}
		if err := c.deleteNode(ctx, id); err != nil {
			handle.Release()
			return deleted, fmt.Errorf("nodecache: delete nodes not in list: deleting %s: %w", id, err)
		}
		handle.Release()
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (c *Cache) deleteNode(ctx context.Context, nodeUUID uuid.UUID) error {
	if err := c.attrs.DeleteByNode(ctx, nodeUUID); err != nil {
		return err
	}
	if err := c.opts.DeleteByNode(ctx, nodeUUID); err != nil {
		return err
	}
	return c.nodes.Delete(ctx, nodeUUID)
}

// CleanUp times out nodes that have been processing for longer than
// timeout and deletes finished nodes older than keepTime. It returns the
// UUIDs that were actually transitioned to an error state by this call.
//
// node_cache.py's clean_up returns every candidate UUID the initial scan
// found, even ones a race-condition recheck under lock later skips. This
// port tightens that to only the UUIDs actually timed out by this call —
// see DESIGN.md for the rationale.
func (c *Cache) CleanUp(ctx context.Context, timeout, keepTime time.Duration) ([]uuid.UUID, error) {
	if keepTime > 0 {
		if err := c.deleteOldFinished(ctx, keepTime); err != nil {
			return nil, fmt.Errorf("nodecache: clean up: %w", err)
		}
	}

	if timeout <= 0 {
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-timeout)
	candidates, err := c.nodes.ListTimedOut(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("nodecache: clean up: listing timed out nodes: %w", err)
	}

	var timedOut []uuid.UUID
	for _, id := range candidates {
		ok, err := c.timeoutOne(ctx, id, cutoff)
		if err != nil {
			c.logger.Error("failed to time out node", zap.Stringer("uuid", id), zap.Error(err))
			continue
		}
		if ok {
			timedOut = append(timedOut, id)
		}
	}
	return timedOut, nil
}

// timeoutOne re-checks a single candidate under its lock before finishing
// it with a timeout error — the candidate may have finished, or been
// restarted, between the initial scan and acquiring the lock.
func (c *Cache) timeoutOne(ctx context.Context, nodeUUID uuid.UUID, cutoff time.Time) (bool, error) {
	handle, ok := c.locks.TryAcquire(nodeUUID.String())
	if !ok {
		// Someone else is actively processing this node right now; leave it.
		return false, nil
	}
	defer handle.Release()

	row, err := c.nodes.Get(ctx, nodeUUID)
	if err != nil {
		return false, err
	}
	if row.FinishedAt != nil || row.StartedAt.After(cutoff) {
		return false, nil
	}

	row.FinishedAt = timePtr(time.Now().UTC())
	row.Error = "Introspection timeout"
	if err := c.nodes.Update(ctx, row); err != nil {
		return false, err
	}
	if err := c.attrs.DeleteByNode(ctx, nodeUUID); err != nil {
		return false, err
	}
	if err := c.opts.DeleteByNode(ctx, nodeUUID); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) deleteOldFinished(ctx context.Context, keepTime time.Duration) error {
	cutoff := time.Now().UTC().Add(-keepTime)
	candidates, err := c.nodes.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing old finished nodes: %w", err)
	}

	for _, id := range candidates {
		handle, ok := c.locks.TryAcquire(id.String())
		if !ok {
			continue
		}
		if err := c.deleteNode(ctx, id); err != nil {
			c.logger.Error("failed to delete old finished node", zap.Stringer("uuid", id), zap.Error(err))
		}
		handle.Release()
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
