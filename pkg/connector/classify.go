package connector

import "strings"

// FailureType is the explicit failure taxonomy consumed by the step
// executor and post-hoc correctors.
type FailureType string

const (
	FailureCommandError    FailureType = "COMMAND_ERROR"
	FailureAzureConflict   FailureType = "AZURE_CONFLICT"
	FailureTimeout         FailureType = "TIMEOUT"
	FailureConnectionError FailureType = "CONNECTION_ERROR"
	FailureUnknown         FailureType = "UNKNOWN"
	FailureNone            FailureType = ""
)

// commandErrorPatterns are syntax/parameter-style stderr fragments that
// mark a command-level error (never retried).
var commandErrorPatterns = []string{
	"cannot bind argument",
	"is not recognized",
	"parameter cannot be found",
	"command not found",
	"commandnotfoundexception",
	"syntax error",
	"unexpected token",
	"invalid option",
	"unknown option",
	"missing argument",
	"usage:",
}

// timeoutPatterns mark a deadline-style failure.
var timeoutPatterns = []string{
	"timed out",
	"timeout",
	"deadline exceeded",
}

// connectionPatterns mark transport-level failures when the connector
// did not flag them explicitly.
var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"no route to host",
	"network is unreachable",
	"name or service not known",
	"no such host",
	"unable to authenticate",
	"authentication failed",
	"permission denied (publickey",
	"handshake failed",
	"tls:",
	"certificate",
}

// Classify assigns a failed Result to the failure taxonomy. Successful
// results classify as none.
func Classify(res Result) FailureType {
	if res.Success {
		return FailureNone
	}
	text := strings.ToLower(res.Error + "\n" + res.Output)

	// Azure conflicts first: they are command-level, never retried, and
	// their wording can also resemble other categories.
	if strings.Contains(text, "execution is in progress") ||
		strings.Contains(text, "status code 409") ||
		strings.Contains(text, "conflict (409)") {
		return FailureAzureConflict
	}

	for _, p := range timeoutPatterns {
		if strings.Contains(text, p) {
			return FailureTimeout
		}
	}

	if res.ExitCode != 0 && !res.ConnectionError {
		for _, p := range commandErrorPatterns {
			if strings.Contains(text, p) {
				return FailureCommandError
			}
		}
	}

	if res.ConnectionError {
		return FailureConnectionError
	}
	for _, p := range connectionPatterns {
		if strings.Contains(text, p) {
			return FailureConnectionError
		}
	}

	return FailureUnknown
}
