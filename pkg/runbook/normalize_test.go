package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFactsFromMetadata(t *testing.T) {
	facts := ExtractFacts("disk full", map[string]any{
		"server_name": "db01.prod.internal",
		"ci_name":     "CI0042",
		"service":     "postgres",
		"environment": "prod",
	})
	assert.Equal(t, "db01.prod.internal", facts.ServerName)
	assert.Equal(t, "CI0042", facts.CIName)
	assert.Equal(t, "postgres", facts.Service)
	assert.Equal(t, "prod", facts.Environment)
}

func TestExtractFactsHostnameFallback(t *testing.T) {
	facts := ExtractFacts("High CPU on web02.staging.example.com since 04:00", nil)
	assert.Equal(t, "web02.staging.example.com", facts.ServerName)
}

func TestExtractFactsCINameFallsBackToServerName(t *testing.T) {
	facts := ExtractFacts("no hostname here", map[string]any{"ci_name": "CI0042"})
	assert.Equal(t, "CI0042", facts.ServerName)
}

func TestNormalizeSubstitutesPlaceholders(t *testing.T) {
	body := "ssh {{server_name}} systemctl restart {{service}} # env {{environment}}"
	facts := TicketFacts{ServerName: "web01", Service: "nginx", Environment: "prod"}

	out := Normalize(body, facts)
	assert.Equal(t, "ssh web01 systemctl restart nginx # env prod", out)
}

func TestNormalizeReplacesGenericTokens(t *testing.T) {
	body := "Log in to the server and restart the service."
	facts := TicketFacts{ServerName: "web01", Service: "nginx"}

	out := Normalize(body, facts)
	assert.Equal(t, "Log in to web01 and restart nginx.", out)
}

func TestNormalizeIsNoOpWithoutFacts(t *testing.T) {
	body := "restart {{service}} on the server"
	assert.Equal(t, body, Normalize(body, TicketFacts{}))
}

func TestNormalizeLeavesUnmatchedPlaceholders(t *testing.T) {
	body := "check {{ci_name}} then {{service}}"
	out := Normalize(body, TicketFacts{Service: "nginx"})
	assert.Equal(t, "check {{ci_name}} then nginx", out)
}
