package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmPollInterval paces GetCommandInvocation while the command runs.
const ssmPollInterval = 2 * time.Second

// SSMConnector drives commands through AWS Systems Manager. The agent
// on the instance executes the script; we send and poll.
type SSMConnector struct {
	factory *Factory
}

func (c *SSMConnector) Kind() Kind { return KindAWSSSM }

func (c *SSMConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, KindAWSSSM, cfg, timeout, func(ctx context.Context) Result {
		return c.attempt(ctx, command, cfg)
	})
}

func (c *SSMConnector) attempt(ctx context.Context, command string, cfg Config) Result {
	instanceID := firstNonEmpty(cfg.Str("instance_id"), cfg.Str("host"))
	if instanceID == "" {
		return Result{Error: "ssm: instance_id is required", ExitCode: -1}
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.Str("region"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		if c.factory.simulate {
			return simulated(KindAWSSSM, command)
		}
		return Result{Error: fmt.Sprintf("ssm: load aws config: %v", err), ConnectionError: true, ExitCode: -1}
	}
	client := ssm.NewFromConfig(awsCfg)

	document := "AWS-RunShellScript"
	if isWindows(cfg) || isPowerShell(cfg.Str("shell")) {
		document = "AWS-RunPowerShellScript"
	}

	sent, err := client.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{instanceID},
		DocumentName: aws.String(document),
		Parameters:   map[string][]string{"commands": {command}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Error: "ssm: command timed out: " + ctx.Err().Error(), ExitCode: -1}
		}
		return Result{Error: fmt.Sprintf("ssm send command: %v", err), ConnectionError: true, ExitCode: -1}
	}
	commandID := aws.ToString(sent.Command.CommandId)

	for {
		select {
		case <-ctx.Done():
			return Result{Error: "ssm: command timed out: " + ctx.Err().Error(), ExitCode: -1}
		case <-time.After(ssmPollInterval):
		}

		inv, err := client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(instanceID),
		})
		if err != nil {
			// The invocation record lags SendCommand briefly.
			var notYet *ssmtypes.InvocationDoesNotExist
			if errors.As(err, &notYet) {
				continue
			}
			if ctx.Err() != nil {
				return Result{Error: "ssm: command timed out: " + ctx.Err().Error(), ExitCode: -1}
			}
			return Result{Error: fmt.Sprintf("ssm get invocation: %v", err), ConnectionError: true, ExitCode: -1}
		}

		switch inv.Status {
		case ssmtypes.CommandInvocationStatusSuccess:
			return Result{
				Success: true,
				Output:  aws.ToString(inv.StandardOutputContent),
			}
		case ssmtypes.CommandInvocationStatusFailed:
			return Result{
				Output:   aws.ToString(inv.StandardOutputContent),
				Error:    aws.ToString(inv.StandardErrorContent),
				ExitCode: int(inv.ResponseCode),
			}
		case ssmtypes.CommandInvocationStatusCancelled,
			ssmtypes.CommandInvocationStatusTimedOut:
			// Agent-side abort; the transport, not the command, gave up.
			return Result{
				Output:          aws.ToString(inv.StandardOutputContent),
				Error:           fmt.Sprintf("ssm invocation %s", inv.Status),
				ConnectionError: true,
				ExitCode:        -1,
			}
		default:
			// Pending, InProgress, Delayed: keep polling.
		}
	}
}
