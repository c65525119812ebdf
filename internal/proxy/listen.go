package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

// ListenOptions tunes the client-facing listener.
type ListenOptions struct {
	KeepAlive net.KeepAliveConfig

	// ReusePort sets SO_REUSEPORT so several processes can share the port.
	ReusePort bool

	// ProxyProtocol accepts a PROXY protocol v1/v2 header from a load
	// balancer in front of the proxy. ProxyHeaderTimeout bounds reading it.
	ProxyProtocol      bool
	ProxyHeaderTimeout time.Duration
}

// ListenTCP listens on the given network/address. Accepted TCP connections
// get opts.KeepAlive applied.
func ListenTCP(ctx context.Context, network, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: opts.KeepAlive}
	if !opts.KeepAlive.Enable {
		lc.KeepAlive = -1
	}
	if opts.ReusePort {
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	if opts.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: opts.ProxyHeaderTimeout,
		}
	}

	return ln, nil
}
