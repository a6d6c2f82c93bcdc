package connector

import (
	"fmt"
	"strings"
)

// isWindows reports whether the target speaks PowerShell by default.
func isWindows(cfg Config) bool {
	osType := strings.ToLower(cfg.Str("os_type"))
	return osType == "windows" || osType == "win32"
}

// resolveShell picks the shell for a target: explicit config first,
// then the OS-family default.
func resolveShell(cfg Config) string {
	if shell := cfg.Str("shell"); shell != "" {
		return shell
	}
	if isWindows(cfg) {
		return "powershell"
	}
	return "bash"
}

// isPowerShell reports whether the resolved shell is a PowerShell
// variant.
func isPowerShell(shell string) bool {
	s := strings.ToLower(shell)
	return s == "powershell" || s == "pwsh"
}

// localArgv builds the argv for spawning a command on this host.
func localArgv(shell, command string) []string {
	if isPowerShell(shell) {
		return []string{shell, "-NoProfile", "-NonInteractive", "-Command", command}
	}
	return []string{shell, "-lc", command}
}

// remoteShellCommand wraps a command for execution through a remote
// POSIX shell: ${shell} -lc '<single-quote escaped>'.
func remoteShellCommand(shell, command string) string {
	if shell == "" || isPowerShell(shell) {
		shell = "bash"
	}
	quoted := "'" + strings.ReplaceAll(command, "'", `'\''`) + "'"
	return fmt.Sprintf("%s -lc %s", shell, quoted)
}
