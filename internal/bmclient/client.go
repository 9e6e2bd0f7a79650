// Package bmclient is the adapter to the bare-metal provisioning control
// plane (the ironic-equivalent API the original addresses as "node.<foo>"
// client calls throughout process.py). It is a thin authenticated HTTP
// client, grounded on the teacher's outbound-webhook HTTP pattern
// (internal/notification/sender_webhook.go) rather than any RPC stack,
// since spec.md's Non-goals exclude designing this wire protocol — only a
// plain JSON/REST client is needed to exercise it.
package bmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/baremetal-inspector/inspector/internal/rules"
)

// ErrConflict wraps a 409 response from the control plane — e.g. a port
// that already exists for a MAC address. Callers that expect a resource to
// possibly already be present (createPorts) check errors.Is against this
// rather than treating every non-2xx status as fatal.
var ErrConflict = errors.New("bmclient: conflict")

// Client talks to the bare-metal control plane on behalf of a single node.
// A Client is scoped to one node UUID so it satisfies rules.Target without
// the node UUID threading through every action call.
type Client struct {
	http     *http.Client
	baseURL  string
	token    string
	nodeUUID uuid.UUID
}

// Config holds the connection settings for the control-plane API.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New returns a Client scoped to nodeUUID.
func New(cfg Config, nodeUUID uuid.UUID) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		nodeUUID: nodeUUID,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bmclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("bmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bmclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("bmclient: %s %s: %w", method, path, ErrConflict)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bmclient: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) nodePath(suffix string) string {
	return fmt.Sprintf("/v1/nodes/%s%s", c.nodeUUID, suffix)
}

// Patch applies JSON-patch operations to the node record, satisfying
// rules.Target.
func (c *Client) Patch(ctx context.Context, ops []rules.PatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPatch, c.nodePath(""), ops, nil)
}

// UpdateCapabilities patches the node's capabilities string, merging
// updates onto the existing key=value,... capabilities list server-side.
func (c *Client) UpdateCapabilities(ctx context.Context, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, c.nodePath("/capabilities"), updates, nil)
}

// ExtendAttribute appends value to the array stored at path on the node,
// optionally skipping the append when value is already present.
func (c *Client) ExtendAttribute(ctx context.Context, path string, value interface{}, unique bool) error {
	return c.do(ctx, http.MethodPost, c.nodePath("/extend"), map[string]interface{}{
		"path":   path,
		"value":  value,
		"unique": unique,
	}, nil)
}

// DriverInfoUpdate patches the node's driver_info (IPMI address/credentials).
func (c *Client) DriverInfoUpdate(ctx context.Context, driverInfo map[string]interface{}) error {
	return c.Patch(ctx, []rules.PatchOp{{Op: "add", Path: "/driver_info", Value: driverInfo}})
}

// bootDeviceResponse is the control plane's get_boot_device response shape.
type bootDeviceResponse struct {
	BootDevice string `json:"boot_device"`
	Persistent bool   `json:"persistent"`
}

// GetBootDevice queries the node's current boot device, used by the
// credential settler to confirm newly-set IPMI credentials actually work
// (see process.py's _finish_set_ipmi_credentials retry loop).
func (c *Client) GetBootDevice(ctx context.Context) (string, error) {
	var resp bootDeviceResponse
	if err := c.do(ctx, http.MethodGet, c.nodePath("/states/boot_device"), nil, &resp); err != nil {
		return "", err
	}
	return resp.BootDevice, nil
}

// SetPowerState requests a power state change ("power off", "power on").
func (c *Client) SetPowerState(ctx context.Context, target string) error {
	return c.do(ctx, http.MethodPut, c.nodePath("/states/power"), map[string]string{"target": target}, nil)
}

// CreatePort registers a port for the given MAC address on the node, with
// its pxe_enabled flag set from pxeEnabled. Grounded on process.py's create_ports,
// which creates one port per discovered/valid interface MAC.
func (c *Client) CreatePort(ctx context.Context, mac string, pxeEnabled bool) error {
	return c.do(ctx, http.MethodPost, "/v1/ports", map[string]interface{}{
		"node_uuid":   c.nodeUUID,
		"address":     mac,
		"pxe_enabled": pxeEnabled,
	}, nil)
}

// ProvisionState reports the node's current provision_state, used before
// deciding whether introspection data should be accepted at all.
func (c *Client) ProvisionState(ctx context.Context) (string, error) {
	var resp struct {
		ProvisionState string `json:"provision_state"`
	}
	if err := c.do(ctx, http.MethodGet, c.nodePath(""), nil, &resp); err != nil {
		return "", err
	}
	return resp.ProvisionState, nil
}

// GetNodeObject returns the full node object as the control plane
// represents it, satisfying nodecache.RemoteNodeFetcher. This is what rule
// conditions/actions resolve "node://"-scoped fields against (spec.md §4.3).
func (c *Client) GetNodeObject(ctx context.Context) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := c.do(ctx, http.MethodGet, c.nodePath(""), nil, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// portSummary is the subset of a port record ListPortMACs needs.
type portSummary struct {
	Address string `json:"address"`
}

// ListPortMACs lists the MAC addresses of every port already registered
// for this node, satisfying nodecache.RemoteNodeFetcher.
func (c *Client) ListPortMACs(ctx context.Context) ([]string, error) {
	var ports []portSummary
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/ports?node_uuid=%s", c.nodeUUID), nil, &ports); err != nil {
		return nil, err
	}
	macs := make([]string, len(ports))
	for i, p := range ports {
		macs[i] = p.Address
	}
	return macs, nil
}
