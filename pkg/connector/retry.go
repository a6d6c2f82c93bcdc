package connector

import (
	"context"
	"time"

	"github.com/runforge/runforge/pkg/metrics"
)

// minAttemptTimeout is the floor applied to every attempt.
const minAttemptTimeout = 1 * time.Second

// defaultRetryDelay separates attempts unless the config overrides it.
const defaultRetryDelay = 2 * time.Second

// defaultAttempts per transport. Only connection errors trigger a
// retry; command-level failures and successes never do.
var defaultAttempts = map[Kind]int{
	KindLocal:          1,
	KindSSH:            3,
	KindWinRM:          3,
	KindAWSSSM:         2,
	KindAzureBastion:   2,
	KindGCPIAP:         2,
	KindDatabase:       3,
	KindAPI:            3,
	KindNetworkCluster: 2,
	KindNetworkDevice:  2,
}

// attemptTimeout computes the per-attempt deadline:
// max(1s, min(perAttempt, remaining)).
func attemptTimeout(ctx context.Context, perAttempt time.Duration) time.Duration {
	t := perAttempt
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < t {
			t = remaining
		}
	}
	if t < minAttemptTimeout {
		t = minAttemptTimeout
	}
	return t
}

// run drives the shared attempt loop for a connector. fn performs one
// attempt under the provided context and must set ConnectionError on
// transport-level failures so the loop knows what to retry.
func (f *Factory) run(ctx context.Context, kind Kind, cfg Config, perAttempt time.Duration, fn func(context.Context) Result) Result {
	attempts := cfg.Int("max_retries", defaultAttempts[kind])
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(cfg.Int("retry_delay_seconds", 0)) * time.Second
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	start := time.Now()
	var res Result
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout(ctx, perAttempt))
		attemptStart := time.Now()
		res = fn(attemptCtx)
		cancel()
		metrics.ConnectorLatency.WithLabelValues(string(kind)).Observe(time.Since(attemptStart).Seconds())

		res.RetryCount = attempt
		if res.Success || !res.ConnectionError {
			break
		}
		if attempt < attempts-1 {
			metrics.ConnectorRetries.WithLabelValues(string(kind), string(FailureConnectionError)).Inc()
			f.logger.Warn("Retrying after connection error",
				"connector", kind,
				"attempt", attempt+1,
				"error", res.Error)
			select {
			case <-ctx.Done():
				res.Error = ctx.Err().Error()
				res.DurationMS = time.Since(start).Milliseconds()
				return f.finish(kind, res)
			case <-time.After(delay):
			}
		}
	}
	res.DurationMS = time.Since(start).Milliseconds()
	return f.finish(kind, res)
}

// finish applies redaction and records the outcome metric.
func (f *Factory) finish(kind Kind, res Result) Result {
	res.Output = f.redactor.Redact(res.Output)
	res.Error = f.redactor.Redact(res.Error)

	status := "failure"
	switch {
	case res.Simulated:
		status = "simulated"
	case res.Success:
		status = "success"
	}
	metrics.ConnectorCommands.WithLabelValues(string(kind), status).Inc()
	return res
}
