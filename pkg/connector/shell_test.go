package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveShell(t *testing.T) {
	assert.Equal(t, "bash", resolveShell(Config{}))
	assert.Equal(t, "powershell", resolveShell(Config{"os_type": "windows"}))
	assert.Equal(t, "powershell", resolveShell(Config{"os_type": "Win32"}))
	assert.Equal(t, "zsh", resolveShell(Config{"shell": "zsh", "os_type": "windows"}))
}

func TestLocalArgv(t *testing.T) {
	assert.Equal(t,
		[]string{"bash", "-lc", "echo hi"},
		localArgv("bash", "echo hi"))
	assert.Equal(t,
		[]string{"powershell", "-NoProfile", "-NonInteractive", "-Command", "Get-Service"},
		localArgv("powershell", "Get-Service"))
	assert.Equal(t,
		[]string{"pwsh", "-NoProfile", "-NonInteractive", "-Command", "Get-Service"},
		localArgv("pwsh", "Get-Service"))
}

func TestRemoteShellCommand(t *testing.T) {
	assert.Equal(t, "bash -lc 'echo hi'", remoteShellCommand("bash", "echo hi"))
	assert.Equal(t, "sh -lc 'df -h'", remoteShellCommand("sh", "df -h"))

	// PowerShell shells fall back to bash for remote POSIX wrapping.
	assert.Equal(t, "bash -lc 'uptime'", remoteShellCommand("powershell", "uptime"))

	// Embedded single quotes survive the wrap.
	assert.Equal(t, `bash -lc 'echo '\''quoted'\'''`, remoteShellCommand("bash", "echo 'quoted'"))
}
