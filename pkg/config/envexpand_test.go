package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutesVariables(t *testing.T) {
	t.Setenv("RF_TEST_HOST", "redis.internal")
	t.Setenv("RF_TEST_PORT", "6380")

	out := ExpandEnv([]byte("addr: {{.RF_TEST_HOST}}:{{.RF_TEST_PORT}}"))
	assert.Equal(t, "addr: redis.internal:6380", string(out))
}

func TestExpandEnvMissingVariableIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("token: {{.RF_TEST_DOES_NOT_EXIST}}"))
	assert.Equal(t, "token: ", string(out))
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	// Runbook commands full of shell variables must pass through
	// untouched.
	in := []byte(`command: "systemctl restart $SERVICE && echo ${DONE}"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("pattern: {{.unclosed")
	assert.Equal(t, in, ExpandEnv(in))
}
