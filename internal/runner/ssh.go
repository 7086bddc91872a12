package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSH runs steps inside an acquired microVM over its guest address.
type SSH struct {
	client *ssh.Client
}

var _ Runner = (*SSH)(nil)

// SSHConfig describes how to reach the guest.
type SSHConfig struct {
	Addr        string
	User        string
	KeyPath     string
	DialTimeout time.Duration
}

// DialSSH connects to the guest, retrying until the context expires so
// a freshly booted VM has time to bring sshd up.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSH, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	var lastErr error
	for {
		conn, err := net.DialTimeout("tcp", cfg.Addr, timeout)
		if err == nil {
			c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, clientCfg)
			if err == nil {
				return &SSH{client: ssh.NewClient(c, chans, reqs)}, nil
			}
			conn.Close()
			lastErr = err
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest %s: %w", cfg.Addr, errors.Join(ctx.Err(), lastErr))
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Run executes the command in a fresh session. Environment and workdir
// are applied inside the remote shell because sshd restricts SetEnv.
func (s *SSH) Run(ctx context.Context, spec Spec) (int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdout = spec.Stdout
	session.Stderr = spec.Stderr

	var sb strings.Builder
	for _, kv := range envList(spec.Env) {
		key, value, _ := strings.Cut(kv, "=")
		sb.WriteString("export " + key + "=" + shellQuote(value) + "; ")
	}
	if spec.Workdir != "" {
		sb.WriteString("cd " + shellQuote(spec.Workdir) + " && ")
	}
	sb.WriteString(shellOf(spec) + " -c " + shellQuote(spec.Command))

	if err := session.Start(sb.String()); err != nil {
		return -1, fmt.Errorf("start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case err = <-done:
		case <-time.After(5 * time.Second):
			_ = session.Signal(ssh.SIGKILL)
			err = <-done
		}
	case err = <-done:
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("remote command: %w", err)
}

// Close terminates the connection to the guest.
func (s *SSH) Close(context.Context) error {
	return s.client.Close()
}
