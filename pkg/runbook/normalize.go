package runbook

import (
	"regexp"
	"strings"
)

// TicketFacts are the deterministic extractions used for placeholder
// substitution. Empty fields substitute nothing.
type TicketFacts struct {
	ServerName  string
	CIName      string
	Service     string
	Environment string
}

// Empty reports whether no substitution is possible.
func (f TicketFacts) Empty() bool {
	return f.ServerName == "" && f.CIName == "" && f.Service == "" && f.Environment == ""
}

// hostnamePattern catches fqdn-ish tokens in free text as a server-name
// fallback when metadata carries none.
var hostnamePattern = regexp.MustCompile(`\b([a-z][a-z0-9-]{2,}\.(?:[a-z0-9-]+\.)+[a-z]{2,})\b`)

// ExtractFacts pulls substitution values from a ticket. Metadata keys
// win; the description is scanned for a hostname only when metadata has
// no server name. Extraction is pure and side-effect-free.
func ExtractFacts(description string, metadata map[string]any) TicketFacts {
	facts := TicketFacts{
		ServerName:  stringValue(metadata, "server_name"),
		CIName:      stringValue(metadata, "ci_name"),
		Service:     stringValue(metadata, "service"),
		Environment: stringValue(metadata, "environment"),
	}
	if facts.ServerName == "" {
		if m := hostnamePattern.FindStringSubmatch(strings.ToLower(description)); m != nil {
			facts.ServerName = m[1]
		}
	}
	if facts.ServerName == "" && facts.CIName != "" {
		facts.ServerName = facts.CIName
	}
	return facts
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// genericTokens are whole-word phrases replaced by the server or
// service name when known.
var genericTokens = []struct {
	pattern *regexp.Regexp
	field   func(TicketFacts) string
}{
	{regexp.MustCompile(`(?i)\bthe server\b`), func(f TicketFacts) string { return f.ServerName }},
	{regexp.MustCompile(`(?i)\bthe host\b`), func(f TicketFacts) string { return f.ServerName }},
	{regexp.MustCompile(`(?i)\bthe service\b`), func(f TicketFacts) string { return f.Service }},
}

// Normalize substitutes ticket facts into a runbook body before
// parsing. Placeholders use {{name}} syntax; generic phrases are
// replaced whole-word. When no fact is extractable the body is returned
// unchanged.
func Normalize(body string, facts TicketFacts) string {
	if facts.Empty() {
		return body
	}

	replacements := map[string]string{
		"{{server_name}}": facts.ServerName,
		"{{ci_name}}":     facts.CIName,
		"{{service}}":     facts.Service,
		"{{environment}}": facts.Environment,
	}
	out := body
	for placeholder, value := range replacements {
		if value == "" {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, value)
	}

	for _, token := range genericTokens {
		value := token.field(facts)
		if value == "" {
			continue
		}
		out = token.pattern.ReplaceAllString(out, value)
	}
	return out
}
