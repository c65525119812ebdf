package dialer

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the settings shared by every outbound dialer.
type Config struct {
	// DialTimeout bounds name resolution plus the TCP connect.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the handshake with an upstream proxy.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Resolver, if set, replaces the system resolver for direct dials.
	Resolver Resolver

	// SSHKeyPath is a private key file, "agent", or empty for password only.
	SSHKeyPath string

	// SSHKnownHostsPath is the known_hosts file for ssh:// upstreams. Empty
	// disables host key checking.
	SSHKnownHostsPath string

	Logger zerolog.Logger
}

// Resolver maps a host name to an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
}
