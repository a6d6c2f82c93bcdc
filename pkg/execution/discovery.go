package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"

	"github.com/runforge/runforge/pkg/connector"
)

// Discoverer locates a configuration item in a cloud inventory and
// returns a connection block for it. Implementations return an error
// when the item is unknown; the caller treats that as "this source has
// nothing" and falls through to the next one.
type Discoverer interface {
	Discover(ctx context.Context, name, environment string) (connector.Config, error)
}

// AzureDiscoverer finds VMs by name across one subscription through
// the ARM compute API and maps them to run-command targets.
type AzureDiscoverer struct {
	client *armcompute.VirtualMachinesClient
	logger *slog.Logger
}

// NewAzureDiscoverer builds a discoverer over one subscription. The
// credential follows the same chain the Azure connector uses.
func NewAzureDiscoverer(subscriptionID string, cred azcore.TokenCredential) (*AzureDiscoverer, error) {
	client, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure compute client: %w", err)
	}
	return &AzureDiscoverer{
		client: client,
		logger: slog.With("component", "discovery"),
	}, nil
}

// Discover scans the subscription for a VM whose name matches, case
// insensitively. When environment is set, a VM tagged
// environment=<value> wins; an untagged name match is kept as a
// fallback rather than failing the lookup.
func (d *AzureDiscoverer) Discover(ctx context.Context, name, environment string) (connector.Config, error) {
	var fallback connector.Config

	pager := d.client.NewListAllPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list virtual machines: %w", err)
		}
		for _, vm := range page.Value {
			if vm == nil || vm.Name == nil || vm.ID == nil {
				continue
			}
			if !strings.EqualFold(*vm.Name, name) {
				continue
			}
			cfg := vmConfig(vm)
			if environment == "" || tagMatches(vm.Tags, "environment", environment) {
				d.logger.Info("Discovered VM", "name", name, "resource_id", *vm.ID)
				return cfg, nil
			}
			if fallback == nil {
				fallback = cfg
			}
		}
	}

	if fallback != nil {
		d.logger.Info("Discovered VM without matching environment tag",
			"name", name, "environment", environment)
		return fallback, nil
	}
	return nil, fmt.Errorf("no vm named %q in subscription", name)
}

// vmConfig maps an ARM VM to a run-command connection block. The os
// hint steers shell selection downstream (RunShellScript vs
// RunPowerShellScript).
func vmConfig(vm *armcompute.VirtualMachine) connector.Config {
	cfg := connector.Config{
		"connector_type": string(connector.KindAzureBastion),
		"resource_id":    *vm.ID,
	}
	if vm.Properties != nil && vm.Properties.StorageProfile != nil &&
		vm.Properties.StorageProfile.OSDisk != nil && vm.Properties.StorageProfile.OSDisk.OSType != nil {
		cfg["os_type"] = strings.ToLower(string(*vm.Properties.StorageProfile.OSDisk.OSType))
	}
	return cfg
}

func tagMatches(tags map[string]*string, key, want string) bool {
	for k, v := range tags {
		if strings.EqualFold(k, key) && v != nil && strings.EqualFold(*v, want) {
			return true
		}
	}
	return false
}
