package services

import (
	"context"
	"testing"

	"github.com/runforge/runforge/ent"
	entrunbook "github.com/runforge/runforge/ent/runbook"
	"github.com/runforge/runforge/pkg/runbook"
	"github.com/stretchr/testify/require"
)

// seedTenant creates a tenant row for tests that need real foreign keys.
func seedTenant(t *testing.T, client *ent.Client, name string) *ent.Tenant {
	t.Helper()
	tenant, err := client.Tenant.Create().
		SetName(name).
		Save(context.Background())
	require.NoError(t, err)
	return tenant
}

// seedRunbook creates an approved, active runbook under the tenant.
func seedRunbook(t *testing.T, client *ent.Client, tenantID int, body string) *ent.Runbook {
	t.Helper()
	rb, err := client.Runbook.Create().
		SetTenantID(tenantID).
		SetTitle("Restart stuck payment workers").
		SetBody(body).
		SetConfidence(0.92).
		SetStatus(entrunbook.StatusApproved).
		Save(context.Background())
	require.NoError(t, err)
	return rb
}

// mustPlan parses a runbook body and fails the test on any parse error.
func mustPlan(t *testing.T, body string) *runbook.Plan {
	t.Helper()
	plan, err := runbook.Parse(body)
	require.NoError(t, err)
	return plan
}

// threeStepBody is a small fenced-YAML runbook used across session tests:
// one precheck, one approval-gated main step, one postcheck.
const threeStepBody = "```yaml\n" +
	`prechecks:
  - command: systemctl status payment-workers
    description: confirm the unit exists
main_steps:
  - command: systemctl restart payment-workers
    description: restart the stuck workers
    requires_approval: true
    severity: high
    rollback_command: systemctl start payment-workers
    timeout_seconds: 120
postchecks:
  - command: curl -fsS localhost:8080/healthz
` + "```\n"
