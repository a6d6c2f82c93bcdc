package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSeverity(t *testing.T) {
	tests := []struct {
		severity string
		profile  Profile
		blast    BlastRadius
	}{
		{"critical", ProfileProdCritical, BlastHigh},
		{"CRITICAL", ProfileProdCritical, BlastHigh},
		{"high", ProfileProdStandard, BlastMedium},
		{"dangerous", ProfileProdStandard, BlastMedium},
		{"moderate", ProfileStagingStandard, BlastMedium},
		{"", ProfileDevFlex, BlastLow},
		{"low", ProfileDevFlex, BlastLow},
		{"unheard-of", ProfileDevFlex, BlastLow},
	}
	for _, tt := range tests {
		profile, blast := MapSeverity(tt.severity)
		assert.Equal(t, tt.profile, profile, "severity %q", tt.severity)
		assert.Equal(t, tt.blast, blast, "severity %q", tt.severity)
	}
}

func TestComputeProfileTakesMaximumRank(t *testing.T) {
	plan := &Plan{MainSteps: []StepSpec{
		{Command: "echo low"},
		{Command: "echo crit", Severity: "critical"},
		{Command: "echo mod", Severity: "moderate"},
	}}
	steps, err := plan.Flatten()
	require.NoError(t, err)

	assert.Equal(t, ProfileProdCritical, ComputeProfile(steps),
		"mixing {low, critical} severities must yield prod-critical")
}

func TestComputeProfileEmptyPlan(t *testing.T) {
	assert.Equal(t, ProfileDefault, ComputeProfile(nil))
}

func TestValidateSandboxAcceptsDerivedPlans(t *testing.T) {
	plan := &Plan{MainSteps: []StepSpec{
		{Command: "a", Severity: "critical"},
		{Command: "b", Severity: "moderate"},
		{Command: "c"},
	}}
	steps, err := plan.Flatten()
	require.NoError(t, err)

	profile := ComputeProfile(steps)
	assert.NoError(t, ValidateSandbox(profile, steps))
}

func TestValidateSandboxRejectsExcessiveBlastRadius(t *testing.T) {
	// Explicit high blast radius on an otherwise low-severity plan: the
	// session lands in dev-flex, which caps at low.
	plan := &Plan{MainSteps: []StepSpec{
		{Command: "danger", BlastRadius: "high"},
	}}
	steps, err := plan.Flatten()
	require.NoError(t, err)

	profile := ComputeProfile(steps)
	require.Equal(t, ProfileDevFlex, profile)

	err = ValidateSandbox(profile, steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
