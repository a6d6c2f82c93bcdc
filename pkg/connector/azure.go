package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
)

// AzureConnector executes commands on Azure VMs through the Run Command
// API. The azure_bastion type covers both bastion-fronted and direct
// run-command targets.
type AzureConnector struct {
	factory *Factory
}

func (c *AzureConnector) Kind() Kind { return KindAzureBastion }

func (c *AzureConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, KindAzureBastion, cfg, timeout, func(ctx context.Context) Result {
		return c.attempt(ctx, command, cfg)
	})
}

func (c *AzureConnector) attempt(ctx context.Context, command string, cfg Config) Result {
	rid, err := parseAzureResourceID(cfg.Str("resource_id"))
	if err != nil {
		return Result{Error: err.Error(), ExitCode: -1}
	}

	cred, err := azureCredential(cfg)
	if err != nil {
		if c.factory.simulate {
			return simulated(KindAzureBastion, command)
		}
		return Result{Error: fmt.Sprintf("azure credential: %v", err), ConnectionError: true, ExitCode: -1}
	}

	client, err := armcompute.NewVirtualMachinesClient(rid.subscription, cred, nil)
	if err != nil {
		return Result{Error: fmt.Sprintf("azure compute client: %v", err), ConnectionError: true, ExitCode: -1}
	}

	commandID := "RunShellScript"
	if isWindows(cfg) || isPowerShell(cfg.Str("shell")) {
		commandID = "RunPowerShellScript"
	}

	poller, err := client.BeginRunCommand(ctx, rid.resourceGroup, rid.vm, armcompute.RunCommandInput{
		CommandID: to.Ptr(commandID),
		Script:    []*string{to.Ptr(command)},
	}, nil)
	if err != nil {
		return azureFailure(ctx, rid.vm, err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return azureFailure(ctx, rid.vm, err)
	}

	var out strings.Builder
	for _, status := range resp.Value {
		if status == nil || status.Message == nil {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(*status.Message)
		if status.Level != nil && *status.Level == armcompute.StatusLevelTypesError {
			return Result{Output: out.String(), Error: *status.Message, ExitCode: 1}
		}
	}
	return Result{Success: true, Output: out.String()}
}

// azureFailure maps SDK errors to operator-friendly messages. Conflicts
// and permission problems are command-level; retrying in seconds cannot
// change them.
func azureFailure(ctx context.Context, vm string, err error) Result {
	if ctx.Err() != nil {
		return Result{Error: "azure run command timed out: " + ctx.Err().Error(), ExitCode: -1}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 409:
			return Result{
				Error:    fmt.Sprintf("azure run command conflict (409) on %s: another execution is in progress", vm),
				ExitCode: -1,
			}
		case 403:
			return Result{
				Error:    fmt.Sprintf("azure forbidden (403) on %s: check the credential's role assignments", vm),
				ExitCode: -1,
			}
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "deallocated") {
		return Result{
			Error:    fmt.Sprintf("vm %s is deallocated; start it before running commands", vm),
			ExitCode: -1,
		}
	}
	return Result{Error: fmt.Sprintf("azure run command: %v", err), ConnectionError: true, ExitCode: -1}
}

// azureCredential prefers an explicit service principal, then the
// default chain (env, workload identity, managed identity, CLI).
func azureCredential(cfg Config) (azcore.TokenCredential, error) {
	creds := cfg.Credentials()
	tenant := creds.Str("tenant_id")
	clientID := creds.Str("client_id")
	secret := creds.Str("client_secret")
	if tenant != "" && clientID != "" && secret != "" {
		return azidentity.NewClientSecretCredential(tenant, clientID, secret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

type azureResourceID struct {
	subscription  string
	resourceGroup string
	vm            string
}

// parseAzureResourceID splits
// /subscriptions/S/resourceGroups/G/providers/Microsoft.Compute/virtualMachines/V.
func parseAzureResourceID(id string) (azureResourceID, error) {
	var rid azureResourceID
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i := 0; i+1 < len(parts); i += 2 {
		switch strings.ToLower(parts[i]) {
		case "subscriptions":
			rid.subscription = parts[i+1]
		case "resourcegroups":
			rid.resourceGroup = parts[i+1]
		case "virtualmachines":
			rid.vm = parts[i+1]
		case "providers":
			// provider namespace; value consumed, nothing to keep
		}
	}
	if rid.subscription == "" || rid.resourceGroup == "" || rid.vm == "" {
		return rid, fmt.Errorf("invalid azure resource id %q", id)
	}
	return rid, nil
}
