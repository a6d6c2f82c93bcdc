package connector

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// LocalConnector runs commands on the orchestrator host itself. There is
// no transport to retry, so attempts default to one.
type LocalConnector struct {
	factory *Factory
}

func (c *LocalConnector) Kind() Kind { return KindLocal }

func (c *LocalConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, KindLocal, cfg, timeout, func(ctx context.Context) Result {
		argv := localArgv(resolveShell(cfg), command)
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
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
			res.Error = "command timed out: " + ctx.Err().Error()
			res.ExitCode = -1
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			if res.Error == "" {
				res.Error = err.Error()
			}
		default:
			// Shell itself failed to spawn.
			res.ConnectionError = true
			res.Error = err.Error()
			res.ExitCode = -1
		}
		return res
	})
}
