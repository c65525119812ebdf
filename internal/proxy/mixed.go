package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/mixproxy/internal/metrics"
)

// MixedServer serves HTTP, CONNECT and SOCKS5 clients on one listener.
//
// Each accepted connection is classified by its first byte: 0x05 goes to the
// SOCKS5 session driver, everything else to an HTTP proxy server fed through
// an in-memory listener. The peeked byte is replayed to whichever handler
// takes the connection.
type MixedServer struct {
	ctx   context.Context
	cfg   Config
	http  *HTTPProxyServer
	socks *SOCKS5Server
}

func NewMixedServer(ctx context.Context, cfg Config) *MixedServer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &MixedServer{
		ctx:   ctx,
		cfg:   cfg,
		http:  NewHTTPProxyServer(ctx, cfg),
		socks: NewSOCKS5Server(ctx, cfg),
	}
}

// Serve accepts connections on ln until ln is closed or the server context
// ends, in which case it returns nil. Accept errors are retried.
func (s *MixedServer) Serve(ln net.Listener) error {
	httpLn := newConnListener(ln.Addr())

	var g errgroup.Group

	g.Go(func() error {
		err := s.http.Serve(httpLn)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer httpLn.Close()
		return serveListener(s.ctx, ln, s.cfg.Logger, func(c net.Conn) {
			s.dispatch(c, httpLn)
		})
	})

	return g.Wait()
}

// Close stops the HTTP side. Tunnels end when the server context is
// canceled.
func (s *MixedServer) Close() error {
	return s.http.Close()
}

func (s *MixedServer) dispatch(c net.Conn, httpLn *connListener) {
	logger := connLogger(s.cfg.Logger, c)
	defer recoverConn(&logger, c)

	pc, proto, err := peek(c, s.cfg.NegotiationTimeout)
	if err != nil {
		metrics.Connections.WithLabelValues(metrics.ProtocolUnknown).Inc()
		logger.Debug().Err(err).Msg("closed before first byte")
		_ = c.Close()
		return
	}
	pc.log = logger

	logger.Debug().Stringer("protocol", proto).Msg("accepted")

	switch proto {
	case ProtocolSOCKS5:
		metrics.Connections.WithLabelValues(metrics.ProtocolSOCKS5).Inc()
		s.socks.ServeConn(logger.WithContext(s.ctx), pc)
	default:
		metrics.Connections.WithLabelValues(metrics.ProtocolHTTP).Inc()
		if pc.firstByte() == 'C' {
			if line, ok := pc.requestLine(s.cfg.NegotiationTimeout); ok {
				if target, bad := badConnectTarget(line); bad {
					rejectConnect(&logger, pc, target, errBadConnectTarget)
					return
				}
			}
		}
		if !httpLn.push(pc) {
			_ = pc.Close()
		}
	}
}
