package orchestrator

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHRunner spawns tool meisters on remote hosts over SSH. The remote
// command daemonizes, so Run returns once the remote shell exits.
type SSHRunner struct {
	User    string
	KeyPath string
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	userName := r.User
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolving local user: %w", err)
		}
		userName = u.Username
	}
	keyPath := r.KeyPath
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		keyPath = filepath.Join(home, ".ssh", "id_rsa")
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}
	return &ssh.ClientConfig{
		User: userName,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Benchmark hosts are provisioned for the run; host keys are not
		// pinned here.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}, nil
}

// Run executes command on host and waits for it to exit.
func (r *SSHRunner) Run(ctx context.Context, host, command string) error {
	cfg, err := r.clientConfig()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, "22")
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()
	session, err := conn.NewSession()
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", host, err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		if err != nil {
			done <- fmt.Errorf("remote command failed on %s: %w (%s)", host, err, out)
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}
