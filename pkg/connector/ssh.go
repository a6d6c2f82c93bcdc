package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// SSHConnector executes commands over SSH. network_cluster reuses it
// as-is; network_device disables shell wrapping because network gear
// interprets the raw command line itself.
type SSHConnector struct {
	factory   *Factory
	kind      Kind
	wrapShell bool
}

func (c *SSHConnector) Kind() Kind { return c.kind }

func (c *SSHConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, c.kind, cfg, timeout, func(ctx context.Context) Result {
		return c.attempt(ctx, command, cfg)
	})
}

func (c *SSHConnector) attempt(ctx context.Context, command string, cfg Config) Result {
	host := cfg.Str("host")
	if host == "" {
		return Result{Error: "ssh: host is required", ExitCode: -1}
	}
	auth, err := sshAuthMethods(cfg)
	if err != nil {
		return Result{Error: err.Error(), ConnectionError: true, ExitCode: -1}
	}

	user := cfg.Str("username")
	if user == "" {
		user = cfg.Credentials().Str("username")
	}
	if user == "" {
		user = "root"
	}
	clientCfg := &gossh.ClientConfig{
		User: user,
		Auth: auth,
		// Targets are provisioned hosts; no known_hosts lookup and no
		// agent forwarding.
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
	}
	if dl, ok := ctx.Deadline(); ok {
		clientCfg.Timeout = time.Until(dl)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Int("port", 22)))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{Error: fmt.Sprintf("ssh dial %s: %v", addr, err), ConnectionError: true, ExitCode: -1}
	}
	sshConn, chans, reqs, err := gossh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return Result{Error: fmt.Sprintf("ssh handshake %s: %v", addr, err), ConnectionError: true, ExitCode: -1}
	}
	client := gossh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{Error: fmt.Sprintf("ssh session: %v", err), ConnectionError: true, ExitCode: -1}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	remote := command
	if c.wrapShell {
		remote = remoteShellCommand(resolveShell(cfg), command)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(remote) }()
	select {
	case <-ctx.Done():
		client.Close()
		<-runErr
		return Result{
			Output:   stdout.String(),
			Error:    "ssh: command timed out: " + ctx.Err().Error(),
			ExitCode: -1,
		}
	case err = <-runErr:
	}

	res := Result{
		Success: err == nil,
		Output:  stdout.String(),
		Error:   stderr.String(),
	}
	if err == nil {
		return res
	}

	// Remote exit status is a command-level failure; anything else means
	// the channel or transport broke.
	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res
	}
	res.ConnectionError = true
	res.ExitCode = -1
	if res.Error == "" {
		res.Error = err.Error()
	} else {
		res.Error = res.Error + "\n" + err.Error()
	}
	return res
}

// sshAuthMethods builds the auth chain from the credentials block:
// private key first (covers Ed25519, RSA, ECDSA, and DSA material),
// then password.
func sshAuthMethods(cfg Config) ([]gossh.AuthMethod, error) {
	creds := cfg.Credentials()
	var methods []gossh.AuthMethod

	if key := firstNonEmpty(creds.Str("private_key"), creds.Str("ssh_key"), cfg.Str("private_key")); key != "" {
		signer, err := parseSigner(key, creds.Str("passphrase"))
		if err != nil {
			return nil, fmt.Errorf("ssh key: %w", err)
		}
		methods = append(methods, gossh.PublicKeys(signer))
	}
	if pw := firstNonEmpty(creds.Str("password"), cfg.Str("password")); pw != "" {
		methods = append(methods, gossh.Password(pw))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: no private key or password configured")
	}
	return methods, nil
}

func parseSigner(pemKey, passphrase string) (gossh.Signer, error) {
	if passphrase != "" {
		return gossh.ParsePrivateKeyWithPassphrase([]byte(pemKey), []byte(passphrase))
	}
	return gossh.ParsePrivateKey([]byte(pemKey))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
