package redact

import "strings"

// Redacted is the literal every sensitive value maps to.
const Redacted = "***"

// exactSensitiveKeys are key names whose values are always replaced.
var exactSensitiveKeys = map[string]bool{
	"password":       true,
	"secret":         true,
	"token":          true,
	"api_key":        true,
	"access_key":     true,
	"secret_key":     true,
	"session_token":  true,
	"private_key":    true,
	"client_secret":  true,
	"ssh_key":        true,
	"key_material":   true,
	"tls_key":        true,
	"encryption_key": true,
	"key":            true,
	"passphrase":     true,
}

// sensitiveSubstrings catch derived names like db_password or
// refresh_token regardless of prefix.
var sensitiveSubstrings = []string{"password", "secret", "token", "passphrase"}

// IsSensitiveKey reports whether a metadata key must never be emitted
// with its real value.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if exactSensitiveKeys[lower] {
		return true
	}
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Sanitize produces a redacted deep copy of a metadata tree. The input
// is never mutated. Values under sensitive keys become "***" at any
// nesting depth, including inside lists of maps.
func Sanitize(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		copied := make([]any, len(val))
		for i, item := range val {
			copied[i] = sanitizeValue(item)
		}
		return copied
	default:
		return v
	}
}
