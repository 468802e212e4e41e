// Package remote runs commands on provisioned instances over SSH and uploads
// files over SFTP.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

var (
	ErrUnreachable    = fmt.Errorf("SSH port did not open")
	ErrSSHFailedDial  = fmt.Errorf("failed to establish SSH connection")
	ErrHostKeyChanged = fmt.Errorf("host key differs from the one seen on first connection")
	ErrSessionInit    = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec        = fmt.Errorf("failed to execute SSH command")
	ErrExitStatus     = fmt.Errorf("remote command exited non-zero")
	ErrUpload         = fmt.Errorf("failed to upload file")
)

const dialTimeout = 10 * time.Second

// Config controls how sessions are opened.
type Config struct {
	User   string
	Port   int
	Signer ssh.Signer

	// Attempts bounds SSH handshakes per Open; Interval separates both TCP
	// probes and handshake attempts.
	Attempts int
	Interval time.Duration
	// OpenTimeout bounds a whole Open call.
	OpenTimeout time.Duration
	// CommandTimeout bounds each Run; zero means no limit beyond ctx.
	CommandTimeout time.Duration
}

// Dialer opens sessions and pins the first host key seen for every host, so
// a reconnect after reboot must meet the same machine.
type Dialer struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	pinned map[string]ssh.PublicKey
}

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Dialer{cfg: cfg, logger: logger, pinned: map[string]ssh.PublicKey{}}
}

// Open waits for host's SSH port, then performs up to Attempts handshakes.
func (d *Dialer) Open(ctx context.Context, host string) (*Client, error) {
	if d.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.OpenTimeout)
		defer cancel()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(d.cfg.Port))

	if err := waitTCP(ctx, addr, d.cfg.Interval); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, addr, err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		client, err := d.dial(ctx, host, addr)
		if err == nil {
			d.logger.Info("SSH connection established",
				zap.String("user", d.cfg.User),
				zap.String("host", host),
				zap.Int("attempt", attempt))
			return &Client{
				client:         client,
				host:           host,
				commandTimeout: d.cfg.CommandTimeout,
				logger:         d.logger.With(zap.String("host", host)),
			}, nil
		}
		if errors.Is(err, ErrHostKeyChanged) {
			return nil, err
		}
		lastErr = err

		d.logger.Warn("SSH connection attempt failed",
			zap.String("host", host),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.cfg.Attempts),
			zap.Error(err))
		if attempt == d.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrSSHFailedDial, addr, errors.Join(ctx.Err(), lastErr))
		case <-time.After(d.cfg.Interval):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrSSHFailedDial, addr, d.cfg.Attempts, lastErr)
}

func (d *Dialer) dial(ctx context.Context, host, addr string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.cfg.Signer)},
		HostKeyCallback: d.hostKeyCallback(host),
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// hostKeyCallback accepts any key on first contact with host and requires
// the same key afterwards.
func (d *Dialer) hostKeyCallback(host string) ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		d.mu.Lock()
		defer d.mu.Unlock()

		pinned, ok := d.pinned[host]
		if !ok {
			d.pinned[host] = key
			return nil
		}
		if !bytes.Equal(pinned.Marshal(), key.Marshal()) {
			return fmt.Errorf("%w: %s", ErrHostKeyChanged, host)
		}
		return nil
	}
}

// waitTCP polls addr until it accepts a TCP connection or ctx ends.
func waitTCP(ctx context.Context, addr string, interval time.Duration) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(interval):
		}
	}
}

// Output is what a remote command printed and how it exited.
type Output struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Client is an open SSH connection to one instance.
type Client struct {
	client         *ssh.Client
	host           string
	commandTimeout time.Duration
	logger         *zap.Logger

	sftpOnce   sync.Once
	sftpClient *sftp.Client
	sftpErr    error
}

// Run executes cmd, feeding stdin to it when non-empty. A non-zero exit is
// reported as ErrExitStatus with the output still returned.
func (c *Client) Run(ctx context.Context, cmd, stdin string) (Output, error) {
	if c.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commandTimeout)
		defer cancel()
	}

	session, err := c.client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Output{}, fmt.Errorf("%w: %w", ErrCMDExec, ctx.Err())
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case errors.As(err, &exitErr):
		out.ExitStatus = exitErr.ExitStatus()
		return out, fmt.Errorf("%w: status %d", ErrExitStatus, out.ExitStatus)
	case err != nil:
		out.ExitStatus = -1
		return out, fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	return out, nil
}

func (c *Client) sftpSession() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftpClient, c.sftpErr = sftp.NewClient(c.client)
	})
	return c.sftpClient, c.sftpErr
}

// Upload copies the local file to remotePath, creating parent directories.
// The mode is applied before any content is written.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	client, err := c.sftpSession()
	if err != nil {
		return fmt.Errorf("%w: failed to create SFTP client: %w", ErrUpload, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpload, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("%w: creating %s: %w", ErrUpload, dir, err)
		}
	}

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrUpload, remotePath, err)
	}
	defer dst.Close()

	if err := dst.Chmod(mode); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ErrUpload, remotePath, err)
	}

	n, err := io.Copy(dst, readerWithContext(ctx, src))
	if err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrUpload, remotePath, err)
	}

	c.logger.Info("File uploaded using SFTP",
		zap.String("remote_path", remotePath),
		zap.Int64("size_bytes", n))
	return nil
}

// Close closes the SFTP and SSH connections.
func (c *Client) Close() error {
	if c.sftpClient != nil {
		if err := c.sftpClient.Close(); err != nil {
			c.logger.Warn("failed to close resource", zap.String("resource", "SFTP client"), zap.Error(err))
		}
	}
	return c.client.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
