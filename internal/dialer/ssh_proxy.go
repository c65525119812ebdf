package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/mixproxy/internal/ssh"
)

// SSHProxyDialer opens each outbound connection as a "direct-tcpip" channel
// over one shared SSH transport, like `ssh -D`.
//
// The transport is dialed lazily and redialed once when opening a channel
// fails for a reason other than the server refusing the destination.
type SSHProxyDialer struct {
	sshAddr   string
	sshConfig internalssh.ClientConfig
	direct    Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer builds a dialer for the SSH server at sshAddr. Password
// and key authentication are both offered when both are configured.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if username == "" {
		return nil, errors.New("ssh upstream: missing username")
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh upstream: missing password or key")
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	return &SSHProxyDialer{
		sshAddr: sshAddr,
		sshConfig: internalssh.ClientConfig{
			Username:         username,
			Password:         password,
			Signers:          signers,
			HostKeyCallback:  hostKeyCallback,
			HandshakeTimeout: cfg.NegotiationTimeout,
		},
		direct: NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a channel to address. Canceling ctx closes only that
// channel, never the shared transport.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The server refused the destination; the transport is fine.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}

		f.invalidate(client)
		client, err2 := f.getClient(ctx)
		if err2 != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err2)
		}
		conn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return &sshChannelConn{Conn: conn, stop: stop}, nil
}

// getClient returns the shared client, dialing it if needed. Concurrent
// callers share one dial, which outlives a caller whose ctx ends first.
func (f *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		c, err := f.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.client = c
		f.mu.Unlock()

		// Forget the client once its transport dies.
		go func() {
			_ = c.Wait()
			f.invalidate(c)
		}()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := f.direct.DialContext(ctx, "tcp", f.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	client, err := internalssh.NewClient(conn, f.sshConfig, f.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	return client, nil
}

// invalidate drops client if it is still the shared one.
func (f *SSHProxyDialer) invalidate(client *ssh.Client) {
	f.mu.Lock()
	if f.client == client {
		f.client = nil
	}
	f.mu.Unlock()
	_ = client.Close()
}

// sshChannelConn is one direct-tcpip channel.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
