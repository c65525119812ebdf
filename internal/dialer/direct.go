package dialer

import (
	"context"
	"fmt"
	"net"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer returns a Dialer that connects straight to the destination.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

// DialContext resolves address (through cfg.Resolver when set) and connects
// to it. DialTimeout covers both steps.
func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
	}

	target := address
	if d.cfg.Resolver != nil {
		if host, port, err := net.SplitHostPort(address); err == nil && net.ParseIP(host) == nil {
			ip, err := d.cfg.Resolver.LookupIPv4(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
			}
			target = net.JoinHostPort(ip.String(), port)
		}
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(d.cfg.KeepAlive)
	}

	return conn, nil
}
