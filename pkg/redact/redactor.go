// Package redact masks secret material in command output and sanitizes
// metadata trees before they leave the process. Created once at startup;
// thread-safe and stateless aside from compiled patterns.
package redact

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns is the masking sweep applied to every connector output
// and error string before persistence. Values are replaced, key names kept.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
	description string
}{
	{
		name:        "password",
		pattern:     `(?i)(password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]+)["']?`,
		replacement: `${1}=***`,
		description: "Password assignments in any form",
	},
	{
		name:        "api_key",
		pattern:     `(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]+)["']?`,
		replacement: `${1}=***`,
		description: "API key assignments",
	},
	{
		name:        "secret",
		pattern:     `(?i)(secret(?:[_-]?key)?)["']?\s*[:=]\s*["']?([^"'\s\n]+)["']?`,
		replacement: `${1}=***`,
		description: "Secret and secret_key assignments",
	},
	{
		name:        "token",
		pattern:     `(?i)(token|bearer)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]+)["']?`,
		replacement: `${1}=***`,
		description: "Token and bearer assignments",
	},
	{
		name:        "private_key_block",
		pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		replacement: `***`,
		description: "PEM private key blocks",
	},
}

// Redactor applies the builtin masking sweep to free-form text.
type Redactor struct {
	patterns []*CompiledPattern
}

// NewRedactor compiles the builtin patterns. Invalid patterns are logged
// and skipped so a bad pattern never disables the rest of the sweep.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile redaction pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Replacement: p.replacement,
			Description: p.description,
		})
	}
	return r
}

// Redact masks secret-bearing tokens in content. Empty input is returned
// unchanged.
func (r *Redactor) Redact(content string) string {
	if content == "" {
		return content
	}
	masked := content
	for _, p := range r.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}
