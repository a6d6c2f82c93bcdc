package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// GCPIAPConnector tunnels through Identity-Aware Proxy using the
// gcloud CLI; there is no supported SDK surface for IAP SSH.
type GCPIAPConnector struct {
	factory *Factory
}

func (c *GCPIAPConnector) Kind() Kind { return KindGCPIAP }

func (c *GCPIAPConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, KindGCPIAP, cfg, timeout, func(ctx context.Context) Result {
		return c.attempt(ctx, command, cfg)
	})
}

func (c *GCPIAPConnector) attempt(ctx context.Context, command string, cfg Config) Result {
	instance := firstNonEmpty(cfg.Str("instance"), cfg.Str("host"))
	if instance == "" {
		return Result{Error: "gcp_iap: instance is required", ExitCode: -1}
	}
	if _, err := exec.LookPath("gcloud"); err != nil {
		if c.factory.simulate {
			return simulated(KindGCPIAP, command)
		}
		return Result{Error: "gcp_iap: gcloud binary not found", ConnectionError: true, ExitCode: -1}
	}

	args := []string{"compute", "ssh", instance, "--tunnel-through-iap", "--quiet", "--command", command}
	if zone := cfg.Str("zone"); zone != "" {
		args = append(args, "--zone", zone)
	}
	if project := cfg.Str("project"); project != "" {
		args = append(args, "--project", project)
	}

	cmd := exec.CommandContext(ctx, "gcloud", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Success: err == nil,
		Output:  stdout.String(),
		Error:   stderr.String(),
	}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.Error = "gcp_iap: command timed out: " + ctx.Err().Error()
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		// gcloud folds tunnel failures into its own exit; surface them
		// as transport errors so the retry loop can take another pass.
		if bytes.Contains(bytes.ToLower(stderr.Bytes()), []byte("could not connect")) ||
			bytes.Contains(bytes.ToLower(stderr.Bytes()), []byte("connection refused")) {
			res.ConnectionError = true
		}
		if res.Error == "" {
			res.Error = err.Error()
		}
	default:
		res.ConnectionError = true
		res.Error = fmt.Sprintf("gcp_iap: %v", err)
		res.ExitCode = -1
	}
	return res
}
