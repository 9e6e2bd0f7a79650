package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// settleCredentials patches newly-generated IPMI credentials onto the node
// and waits for them to take effect before finishing, grounded on
// process.py's _finish_set_ipmi_credentials: it polls get_boot_device in a
// bounded retry loop rather than assuming the BMC applied the new
// credentials instantly. Returns a non-nil error if the patch itself fails
// or if the credentials never take effect within the retry budget —
// spec.md §4.5 requires the node to be finished with a maintenance-required
// error in that case, not silently reported as a clean success.
func (p *Pipeline) settleCredentials(ctx context.Context, client Node, newUsername, newPassword string) error {
	if err := client.DriverInfoUpdate(ctx, map[string]interface{}{
		"ipmi_username": newUsername,
		"ipmi_password": newPassword,
	}); err != nil {
		return fmt.Errorf("patching new IPMI credentials onto node: %w", err)
	}

	retries := p.cfg.CredentialsWaitRetries
	if retries <= 0 {
		retries = 10
	}
	period := p.cfg.CredentialsWaitPeriod
	if period <= 0 {
		period = 3 * time.Second
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(period), uint64(retries))
	policy = backoff.WithContext(policy, ctx)

	err := backoff.Retry(func() error {
		_, err := client.GetBootDevice(ctx)
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("new IPMI credentials did not take effect within the retry budget: %w", err)
	}
	return nil
}
