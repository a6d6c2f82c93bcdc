package connector

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/masterzen/winrm"
)

// WinRMConnector targets Windows hosts. Commands run under PowerShell
// unless the config pins shell to cmd.
type WinRMConnector struct {
	factory *Factory
}

func (c *WinRMConnector) Kind() Kind { return KindWinRM }

func (c *WinRMConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, KindWinRM, cfg, timeout, func(ctx context.Context) Result {
		return c.attempt(ctx, command, cfg)
	})
}

func (c *WinRMConnector) attempt(ctx context.Context, command string, cfg Config) Result {
	host := cfg.Str("host")
	if host == "" {
		return Result{Error: "winrm: host is required", ExitCode: -1}
	}
	creds := cfg.Credentials()
	user := firstNonEmpty(cfg.Str("username"), creds.Str("username"))
	password := firstNonEmpty(creds.Str("password"), cfg.Str("password"))

	https := cfg.Bool("use_https")
	port := cfg.Int("port", 5985)
	if https && cfg.Int("port", 0) == 0 {
		port = 5986
	}
	opTimeout := 60 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		opTimeout = time.Until(dl)
	}

	endpoint := winrm.NewEndpoint(host, port, https, cfg.Bool("insecure"), nil, nil, nil, opTimeout)
	client, err := winrm.NewClient(endpoint, user, password)
	if err != nil {
		return Result{Error: fmt.Sprintf("winrm client: %v", err), ConnectionError: true, ExitCode: -1}
	}

	remote := command
	if cfg.Str("shell") != "cmd" {
		remote = winrm.Powershell(command)
	}

	var stdout, stderr bytes.Buffer
	exitCode, err := client.RunWithContext(ctx, remote, &stdout, &stderr)
	res := Result{
		Success:  err == nil && exitCode == 0,
		Output:   stdout.String(),
		Error:    stderr.String(),
		ExitCode: exitCode,
	}
	if err != nil {
		res.ConnectionError = true
		res.ExitCode = -1
		if ctx.Err() != nil {
			res.ConnectionError = false
			res.Error = "winrm: command timed out: " + ctx.Err().Error()
		} else if res.Error == "" {
			res.Error = err.Error()
		} else {
			res.Error = res.Error + "\n" + err.Error()
		}
	}
	return res
}
