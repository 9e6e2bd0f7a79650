// Package pipeline orchestrates one ramdisk submission from raw JSON to a
// finished (or timed out / failed) node, directly grounded on
// ironic_inspector/process.py's process()/_process_node()/
// _finish_set_ipmi_credentials()/_finish()/reapply() functions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/bmclient"
	"github.com/baremetal-inspector/inspector/internal/executor"
	"github.com/baremetal-inspector/inspector/internal/hooks"
	"github.com/baremetal-inspector/inspector/internal/nodecache"
	"github.com/baremetal-inspector/inspector/internal/objectstore"
	"github.com/baremetal-inspector/inspector/internal/rules"
)

// Node is what the pipeline needs from the bare-metal control plane beyond
// rules.Target — bmclient.Client satisfies this directly. It also
// satisfies nodecache.RemoteNodeFetcher, so a Node can be passed directly
// to NodeInfo's lazy RemoteNode/HasPort accessors.
type Node interface {
	rules.Target
	nodecache.RemoteNodeFetcher
	DriverInfoUpdate(ctx context.Context, driverInfo map[string]interface{}) error
	GetBootDevice(ctx context.Context) (string, error)
	SetPowerState(ctx context.Context, target string) error
	CreatePort(ctx context.Context, mac string, pxeEnabled bool) error
}

// ClientFactory returns the control-plane client scoped to one node.
type ClientFactory func(nodeUUID uuid.UUID) Node

// RuleSource returns the currently active rule specs. Implemented by
// internal/repository.RuleRepository plus a small JSON-decoding adapter —
// kept as a func type here so the pipeline has no direct repository
// dependency.
type RuleSource func(ctx context.Context) ([]rules.Spec, error)

// Config holds the settings named in spec.md's "Exit conditions"
// (§6) that the pipeline itself uses: power-off behavior, ramdisk-log and
// unprocessed-data storage, and the IPMI credential settle loop.
type Config struct {
	PowerOffAfterFinish    bool
	AlwaysStoreRamdiskLogs bool
	StoreUnprocessedData   bool
	CredentialsWaitRetries int
	CredentialsWaitPeriod  time.Duration
}

// Pipeline wires together every collaborator process() needs.
type Pipeline struct {
	cache      *nodecache.Cache
	hookReg    *hooks.Registry
	ruleReg    *rules.Registry
	ruleSource RuleSource
	clients    ClientFactory
	store      objectstore.Store
	ramdisk    RamdiskLogWriter
	pool       *executor.Pool
	cfg        Config
	logger     *zap.Logger
}

// New builds a Pipeline. pool may be nil, in which case finishing work runs
// synchronously instead of being backgrounded — useful in tests.
func New(cache *nodecache.Cache, hookReg *hooks.Registry, ruleReg *rules.Registry, ruleSource RuleSource, clients ClientFactory, store objectstore.Store, ramdisk RamdiskLogWriter, pool *executor.Pool, cfg Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cache:      cache,
		hookReg:    hookReg,
		ruleReg:    ruleReg,
		ruleSource: ruleSource,
		clients:    clients,
		store:      store,
		ramdisk:    ramdisk,
		pool:       pool,
		cfg:        cfg,
		logger:     logger.Named("pipeline"),
	}
}

// Process runs one ramdisk submission to completion, mirroring process.py's
// process(). Errors returned here are what the HTTP layer reports back to
// the ramdisk; background work after the node is located (credential
// settling, the final finish()) is backgrounded onto the executor pool when
// one is configured, matching the original's use of utils.spawn_n.
//
// Pre-hook failures do not short-circuit lookup (spec.md §4.4 step 3/§7):
// they are aggregated and, once the node is identified, persisted onto it
// as the terminal error rather than leaving the node stuck in "started"
// state. If identification itself fails, the aggregated pre-hook failures
// are folded into the returned error since there is no node to record them
// against.
func (p *Pipeline) Process(ctx context.Context, data map[string]interface{}) (ipmiSetup bool, ipmiUsername, ipmiPassword string, err error) {
	preFailures := p.hookReg.RunPreHooks(ctx, data)

	bmcAddress, _ := data["bmc_address"].(string)
	macs := extractMACs(data)

	node, err := p.cache.FindNode(ctx, bmcAddress, macs)
	if err != nil {
		if errors.Is(err, nodecache.ErrNotFoundInCache) {
			node, err = p.runNodeNotFoundHook(ctx, data, err)
		}
		if err != nil {
			p.storeRamdiskLogsOnFailure(ctx, uuid.Nil, data)
			if len(preFailures) > 0 {
				return false, "", "", joinErrors("pipeline: locating node", append(preFailures, err))
			}
			return false, "", "", fmt.Errorf("pipeline: locating node: %w", err)
		}
	}

	if len(preFailures) > 0 {
		preErr := joinErrors("pre-processing failed", preFailures)
		p.storeRamdiskLogsOnFailure(ctx, node.UUID, data)
		_ = node.Finished(ctx, preErr.Error())
		return false, "", "", preErr
	}

	if p.cfg.StoreUnprocessedData {
		if raw, err := json.Marshal(data); err == nil {
			if _, err := p.store.Put(ctx, node.UUID, "unprocessed", raw); err != nil {
				p.logger.Warn("failed to store unprocessed introspection data", zap.Error(err))
			}
		}
	}

	ipmiSetup, ipmiUsername, ipmiPassword, err = p.processNode(ctx, node, data)
	if err != nil {
		p.storeRamdiskLogsOnFailure(ctx, node.UUID, data)
		_ = node.Finished(ctx, err.Error())
		return false, "", "", err
	}

	if p.cfg.AlwaysStoreRamdiskLogs {
		p.storeRamdiskLogs(ctx, node.UUID, data)
	}

	return ipmiSetup, ipmiUsername, ipmiPassword, nil
}

// runNodeNotFoundHook consults the registered node-not-found hook (spec.md
// §4.4 step 3, §4.6) when FindNode misses. If no hook is registered, or the
// hook itself fails to produce a node, notFoundErr is returned unchanged so
// the original lookup failure stands. A node the hook hands back may not
// yet hold its lock — this acquires it if not.
func (p *Pipeline) runNodeNotFoundHook(ctx context.Context, data map[string]interface{}, notFoundErr error) (*nodecache.NodeInfo, error) {
	hook := p.hookReg.NodeNotFoundHook()
	if hook == nil {
		return nil, notFoundErr
	}
	node, err := hook(ctx, data)
	if err != nil || node == nil {
		return nil, notFoundErr
	}
	if !node.Locked() {
		if err := node.AcquireLock(ctx); err != nil {
			return nil, fmt.Errorf("pipeline: locking node synthesized by node-not-found hook: %w", err)
		}
	}
	return node, nil
}

// processNode runs post-hooks and rules against an identified node, then
// either settles newly-set IPMI credentials or finishes immediately —
// ironic_inspector's _process_node. The returned (ipmiSetup, username,
// password) report whether new credentials were staged, so Process can
// surface the acknowledgement spec.md §8 scenario 2 requires.
func (p *Pipeline) processNode(ctx context.Context, node *nodecache.NodeInfo, data map[string]interface{}) (ipmiSetup bool, ipmiUsername, ipmiPassword string, err error) {
	client := p.clients(node.UUID)

	if err := p.createPorts(ctx, node, client, data); err != nil {
		return false, "", "", fmt.Errorf("creating ports: %w", err)
	}

	if err := p.hookReg.RunPostHooks(ctx, data, client); err != nil {
		return false, "", "", fmt.Errorf("post-processing: %w", err)
	}

	remoteNode, err := node.RemoteNode(ctx, client)
	if err != nil {
		return false, "", "", fmt.Errorf("fetching remote node: %w", err)
	}

	specs, err := p.ruleSource(ctx)
	if err != nil {
		return false, "", "", fmt.Errorf("loading rules: %w", err)
	}
	if err := rules.Apply(ctx, p.ruleReg, specs, node.UUID, client, data, remoteNode); err != nil {
		return false, "", "", fmt.Errorf("applying rules: %w", err)
	}

	if processed, err := json.Marshal(data); err == nil {
		if _, err := p.store.Put(ctx, node.UUID, "", processed); err != nil {
			p.logger.Warn("failed to store processed introspection data", zap.Error(err))
		}
	}

	newUsername, newPassword, hasCreds, err := p.pendingCredentials(ctx, node)
	if err != nil {
		return false, "", "", err
	}

	finish := func(ctx context.Context, n *nodecache.NodeInfo, c Node) {
		errMsg := ""
		if hasCreds {
			if err := p.settleCredentials(ctx, c, newUsername, newPassword); err != nil {
				errMsg = fmt.Sprintf("Maintenance mode: %s", err)
			}
		}
		p.finish(ctx, n, errMsg)
	}

	if p.pool != nil {
		nodeUUID := node.UUID
		node.ReleaseLock()
		return hasCreds, newUsername, newPassword, p.pool.Submit(func(bg context.Context) {
			reacquired, err := p.cache.GetNode(bg, nodeUUID, true)
			if err != nil {
				p.logger.Error("failed to reacquire node lock for background finish", zap.Stringer("uuid", nodeUUID), zap.Error(err))
				return
			}
			finish(bg, reacquired, p.clients(nodeUUID))
		})
	}

	finish(ctx, node, client)
	return hasCreds, newUsername, newPassword, nil
}

// pendingCredentials reports whether a rule action staged new IPMI
// credentials in this node's processing options (set via SetOption under
// the well-known "ipmi_new_username"/"ipmi_new_password" keys), mirroring
// process.py's inspection of node_info.options for *_new_username.
func (p *Pipeline) pendingCredentials(ctx context.Context, node *nodecache.NodeInfo) (username, password string, ok bool, err error) {
	opts, err := node.Options(ctx)
	if err != nil {
		return "", "", false, fmt.Errorf("reading processing options: %w", err)
	}
	username, ok = opts["ipmi_new_username"]
	if !ok {
		return "", "", false, nil
	}
	password, ok = opts["ipmi_new_password"]
	if !ok {
		return "", "", false, nil
	}
	return username, password, true, nil
}

// finish applies the configured power-off behavior and marks the node
// finished — ironic_inspector's _finish(). errMsg is persisted as the
// node's terminal error; power-off only runs on a clean finish, since a
// node left in a maintenance-required state still needs operator access.
func (p *Pipeline) finish(ctx context.Context, node *nodecache.NodeInfo, errMsg string) {
	if errMsg == "" && p.cfg.PowerOffAfterFinish {
		client := p.clients(node.UUID)
		if err := client.SetPowerState(ctx, "power off"); err != nil {
			p.logger.Warn("failed to power off node after introspection", zap.Stringer("uuid", node.UUID), zap.Error(err))
		}
	}
	if err := node.Finished(ctx, errMsg); err != nil {
		p.logger.Error("failed to mark node finished", zap.Stringer("uuid", node.UUID), zap.Error(err))
	}
}

// Reapply re-runs post-hooks and rules against previously stored
// unprocessed data for an already-finished node, mirroring
// ironic_inspector's reapply(). It acquires the node's lock
// non-blockingly — a node currently mid-introspection is skipped rather
// than waited on.
func (p *Pipeline) Reapply(ctx context.Context, nodeUUID uuid.UUID) error {
	node, err := p.cache.GetNode(ctx, nodeUUID, false)
	if err != nil {
		return fmt.Errorf("pipeline: reapply: %w", err)
	}
	if !node.TryAcquireLock() {
		return errors.New("pipeline: reapply: node is currently being processed")
	}
	defer node.ReleaseLock()

	raw, err := p.store.Get(ctx, nodeUUID, "unprocessed")
	if err != nil {
		return fmt.Errorf("pipeline: reapply: loading stored data: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("pipeline: reapply: decoding stored data: %w", err)
	}

	if failures := p.hookReg.RunPreHooks(ctx, data); len(failures) > 0 {
		return joinErrors("pipeline: reapply: pre-processing failed", failures)
	}

	client := p.clients(nodeUUID)
	if err := p.hookReg.RunPostHooks(ctx, data, client); err != nil {
		return fmt.Errorf("pipeline: reapply: post-processing: %w", err)
	}

	remoteNode, err := node.RemoteNode(ctx, client)
	if err != nil {
		return fmt.Errorf("pipeline: reapply: fetching remote node: %w", err)
	}

	specs, err := p.ruleSource(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: reapply: loading rules: %w", err)
	}
	if err := rules.Apply(ctx, p.ruleReg, specs, nodeUUID, client, data, remoteNode); err != nil {
		return fmt.Errorf("pipeline: reapply: applying rules: %w", err)
	}

	if processed, err := json.Marshal(data); err == nil {
		if _, err := p.store.Put(ctx, nodeUUID, "", processed); err != nil {
			p.logger.Warn("failed to store reapplied introspection data", zap.Error(err))
		}
	}
	return nil
}

// Abort stops introspection for a node that is not yet finished, recording
// the given reason as its terminal error. Aborting a node that already
// finished is a 400-class error (spec.md §8), not a silent no-op.
func (p *Pipeline) Abort(ctx context.Context, nodeUUID uuid.UUID, reason string) error {
	node, err := p.cache.GetNode(ctx, nodeUUID, true)
	if err != nil {
		return fmt.Errorf("pipeline: abort: %w", err)
	}
	if node.FinishedAt != nil {
		node.ReleaseLock()
		return fmt.Errorf("pipeline: abort: %w", nodecache.ErrAlreadyFinished)
	}
	if reason == "" {
		reason = "Canceled by operator"
	}
	return node.Finished(ctx, reason)
}

// createPorts registers a port for every MAC reported in the submission
// that the node doesn't already have, mirroring process.py's create_ports
// while treating an already-existing port (bmclient.ErrConflict) as benign
// rather than swallowing every CreatePort failure as a warning (spec.md
// §4.2's "treating a conflict response as benign").
func (p *Pipeline) createPorts(ctx context.Context, node *nodecache.NodeInfo, client Node, data map[string]interface{}) error {
	for _, mac := range extractMACs(data) {
		exists, err := node.HasPort(ctx, client, mac)
		if err != nil {
			return fmt.Errorf("checking existing ports: %w", err)
		}
		if exists {
			continue
		}
		pxe := mac == primaryBootMAC(data)
		if err := client.CreatePort(ctx, mac, pxe); err != nil {
			if errors.Is(err, bmclient.ErrConflict) {
				node.RememberPort(mac)
				continue
			}
			return fmt.Errorf("creating port for %s: %w", mac, err)
		}
		node.RememberPort(mac)
	}
	return nil
}

// primaryBootMAC resolves the MAC of the interface that actually PXE
// booted, from the "01-<mac>" boot_interface convention — see
// hooks.ParseBootInterfaceMAC.
func primaryBootMAC(data map[string]interface{}) string {
	bootIface, _ := data["boot_interface"].(string)
	if bootIface == "" {
		return ""
	}
	mac, err := hooks.ParseBootInterfaceMAC(bootIface)
	if err != nil {
		return ""
	}
	return mac
}

// extractMACs collects every interface MAC address reported in the
// submission, from both the top-level "macs" convenience field and
// inventory.interfaces[].mac_address.
func extractMACs(data map[string]interface{}) []string {
	seen := map[string]struct{}{}
	var macs []string
	add := func(mac string) {
		mac = strings.ToLower(strings.TrimSpace(mac))
		if mac == "" {
			return
		}
		if _, ok := seen[mac]; ok {
			return
		}
		seen[mac] = struct{}{}
		macs = append(macs, mac)
	}

	if raw, ok := data["macs"].([]interface{}); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok {
				add(s)
			}
		}
	}

	if inventory, ok := data["inventory"].(map[string]interface{}); ok {
		if ifaces, ok := inventory["interfaces"].([]interface{}); ok {
			for _, item := range ifaces {
				iface, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				if mac, ok := iface["mac_address"].(string); ok {
					add(mac)
				}
			}
		}
	}

	return macs
}

func joinErrors(prefix string, errs []error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s: %s", prefix, strings.Join(msgs, "; "))
}
