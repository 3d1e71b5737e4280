package marketplace

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// CommandRunner executes a command on a remote instance. It exists so the
// port resolver can be tested without a live SSH endpoint.
type CommandRunner interface {
	Run(ctx context.Context, host string, port int, command string) (string, error)
}

// SSHRunner executes commands over SSH using key authentication. Rented
// instances have ephemeral host keys, so host key verification is skipped.
type SSHRunner struct {
	user    string
	keyPath string
	timeout time.Duration
}

// NewSSHRunner creates a runner for the given user and private key path.
func NewSSHRunner(user, keyPath string) *SSHRunner {
	return &SSHRunner{
		user:    user,
		keyPath: keyPath,
		timeout: 15 * time.Second,
	}
}

// Run connects, executes the command and returns combined stdout output.
func (r *SSHRunner) Run(ctx context.Context, host string, port int, command string) (string, error) {
	keyData, err := os.ReadFile(r.keyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read SSH key %s: %w", r.keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return "", fmt.Errorf("failed to parse SSH key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(command)
	if err != nil {
		return "", fmt.Errorf("remote command failed: %w", err)
	}
	return string(out), nil
}
