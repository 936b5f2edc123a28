// Package expanse talks to the Expanse HPC cluster over SSH: it stages
// analysis inputs, drives Slurm through its command-line tools, and pulls
// artifact files back over the exec channel.
package expanse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

// Config carries the SSH endpoint and the cluster-side directory layout.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	KeyPath  string

	DialTimeout time.Duration

	// NMMADir is the working directory on the cluster; DataDirname and
	// OutputDirname are resolved relative to it.
	NMMADir       string
	DataDirname   string
	OutputDirname string
	SlurmScript   string
}

// Client is a long-lived SSH session to the cluster with lazy reconnect.
// Both workers share one instance; the mutex serializes exec calls, which
// matches the single-session model the cluster account allows.
type Client struct {
	cfg  Config
	mu   sync.Mutex
	conn *ssh.Client
}

// New returns a client without dialing. The first exec establishes the
// connection.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

// Close tears down the connection if one is up.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) sshConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            c.cfg.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host is operator-configured
		Timeout:         c.cfg.DialTimeout,
	}
	if c.cfg.KeyPath != "" {
		keyData, err := os.ReadFile(c.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("op=expanse.key_read: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("op=expanse.key_parse: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if c.cfg.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(c.cfg.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, errors.New("op=expanse.auth: no SSH credentials configured")
	}
	return cfg, nil
}

// connect dials with exponential backoff bounded by DialTimeout. Caller
// holds the mutex.
func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	sshCfg, err := c.sshConfig()
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.DialTimeout
	var conn *ssh.Client
	err = backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = ssh.Dial("tcp", addr, sshCfg)
		return dialErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("op=expanse.dial host=%s: %w", addr, err)
	}
	slog.Info("cluster session established", slog.String("host", addr), slog.String("user", c.cfg.Username))
	c.conn = conn
	return conn, nil
}

// drop discards a connection believed to be dead. Caller holds the mutex.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// shellQuote wraps s in single quotes so the remote shell takes it as one
// literal word. Everything interpolated into a command line goes through
// here; labels derive from caller-supplied resource ids.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes one command on the cluster, feeding stdin if non-nil. A
// transport failure drops the session and retries once on a fresh dial;
// a non-zero exit comes back as *ssh.ExitError for the caller to judge.
func (c *Client) run(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.exec(ctx, cmd, stdin)
	var exitErr *ssh.ExitError
	if err != nil && !errors.As(err, &exitErr) && ctx.Err() == nil {
		c.drop()
		out, err = c.exec(ctx, cmd, stdin)
	}
	return out, err
}

func (c *Client) exec(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("op=expanse.session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case <-ctx.Done():
		_ = sess.Close()
		<-done
		return nil, fmt.Errorf("op=expanse.exec: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.Bytes(), fmt.Errorf("op=expanse.exec cmd=%q stderr=%q: %w",
					cmd, strings.TrimSpace(stderr.String()), err)
			}
			return nil, fmt.Errorf("op=expanse.exec cmd=%q: %w", cmd, err)
		}
		return stdout.Bytes(), nil
	}
}

// Ping runs the credential probe the operators use by hand: an echo whose
// output must round-trip exactly.
func (c *Client) Ping(ctx context.Context) error {
	out, err := c.run(ctx, "echo 'hello world'", nil)
	if err != nil {
		return fmt.Errorf("op=expanse.ping: %w", err)
	}
	if string(out) != "hello world\n" {
		return fmt.Errorf("op=expanse.ping: unexpected probe output %q", string(out))
	}
	return nil
}
