package proxy

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/mixproxy/internal/dialer"
)

type Config struct {
	// NegotiationTimeout bounds the first byte, the SOCKS5 handshake and
	// HTTP request headers. Established tunnels have no idle timeout.
	NegotiationTimeout time.Duration

	HTTPIdleTimeout time.Duration

	// ProxyAgent is sent in the Proxy-agent header of CONNECT replies.
	ProxyAgent string

	// InsecureSkipVerify disables certificate checks on https:// requests
	// made by the HTTP forward handler. CONNECT tunnels are unaffected.
	InsecureSkipVerify bool

	Dialer dialer.Dialer

	Logger zerolog.Logger
}

func (c Config) proxyAgent() string {
	if c.ProxyAgent == "" {
		return "mixproxy"
	}
	return c.ProxyAgent
}
