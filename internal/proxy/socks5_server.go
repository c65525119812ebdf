package proxy

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/mixproxy/internal/dialer"
	"github.com/die-net/mixproxy/internal/metrics"
	"github.com/die-net/mixproxy/internal/socks5"
)

type sessionState int

const (
	stateAwaitingGreeting sessionState = iota
	stateAwaitingRequest
	stateConnecting
	stateRelaying
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingGreeting:
		return "awaiting_greeting"
	case stateAwaitingRequest:
		return "awaiting_request"
	case stateConnecting:
		return "connecting"
	case stateRelaying:
		return "relaying"
	default:
		return "closed"
	}
}

// socksSession is the per-connection handshake state.
type socksSession struct {
	state   sessionState
	methods []byte
	req     *socks5.Request
}

// SOCKS5Server serves SOCKS5 CONNECT with "no authentication".
type SOCKS5Server struct {
	ctx    context.Context
	cfg    Config
	dialer dialer.Dialer
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, dialer: cfg.Dialer}
}

// Serve accepts SOCKS5-only clients on ln until ln is closed or the server
// context ends.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	return serveListener(s.ctx, ln, s.cfg.Logger, func(c net.Conn) {
		logger := connLogger(s.cfg.Logger, c)
		defer recoverConn(&logger, c)
		metrics.Connections.WithLabelValues(metrics.ProtocolSOCKS5).Inc()
		s.ServeConn(logger.WithContext(s.ctx), c)
	})
}

// ServeConn runs one SOCKS5 session on conn and closes it. The logger is
// taken from ctx.
func (s *SOCKS5Server) ServeConn(ctx context.Context, conn net.Conn) {
	logger := zerolog.Ctx(ctx)
	sess := &socksSession{state: stateAwaitingGreeting}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	methods, err := socks5.ReadGreeting(conn)
	if err != nil {
		s.protocolError(logger, sess, err)
		_ = conn.Close()
		return
	}
	sess.methods = methods

	if err := socks5.WriteNoAuth(conn); err != nil {
		logger.Debug().Err(err).Stringer("state", sess.state).Msg("client went away")
		_ = conn.Close()
		return
	}
	sess.state = stateAwaitingRequest

	req, err := socks5.ReadRequest(conn)
	sess.req = req
	switch {
	case errors.Is(err, socks5.ErrCommandNotSupported):
		s.reject(conn, logger, sess, socks5.RepCommandNotSupported, err)
		return
	case errors.Is(err, socks5.ErrAddressNotSupported):
		s.reject(conn, logger, sess, socks5.RepAddressNotSupported, err)
		return
	case err != nil:
		s.protocolError(logger, sess, err)
		_ = conn.Close()
		return
	}

	sess.state = stateConnecting
	_ = conn.SetDeadline(time.Time{})

	target := req.Address()
	tl := logger.With().Str("target", target).Logger()
	logger = &tl

	up, err := s.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		code := ErrorCode(err)
		metrics.DialFailures.WithLabelValues(metrics.ProtocolSOCKS5, code).Inc()
		logger.Warn().Err(err).Str("code", code).Stringer("state", sess.state).Msg("SOCKS5 dial failed")
		if err := socks5.WriteReply(conn, socks5.RepHostUnreachable); err != nil {
			logger.Debug().Err(err).Msg("client went away before failure reply")
		}
		lingerClose(conn)
		return
	}

	if err := socks5.WriteReply(conn, socks5.RepSuccess); err != nil {
		logger.Debug().Err(err).Stringer("state", sess.state).Msg("client went away before success reply")
		_ = conn.Close()
		_ = up.Close()
		return
	}
	sess.state = stateRelaying

	relay(ctx, logger, metrics.ProtocolSOCKS5, conn, up)
	sess.state = stateClosed
}

// reject answers an unsupported request with rep and closes conn.
func (s *SOCKS5Server) reject(conn net.Conn, logger *zerolog.Logger, sess *socksSession, rep byte, cause error) {
	metrics.ProtocolErrors.WithLabelValues(metrics.ProtocolSOCKS5).Inc()
	ev := logger.Warn().Err(cause).Stringer("state", sess.state)
	if sess.req != nil {
		ev = ev.Uint8("cmd", sess.req.Cmd).Uint8("atyp", sess.req.Atyp)
	}
	ev.Msg("rejecting SOCKS5 request")

	if err := socks5.WriteReply(conn, rep); err != nil {
		logger.Debug().Err(err).Msg("client went away before reply")
	}
	sess.state = stateClosed
	lingerClose(conn)
}

// protocolError logs a malformed or truncated handshake. No reply is sent.
func (s *SOCKS5Server) protocolError(logger *zerolog.Logger, sess *socksSession, err error) {
	if IsPeerAbort(err) {
		logger.Debug().Err(err).Stringer("state", sess.state).Msg("client closed during SOCKS5 handshake")
	} else {
		metrics.ProtocolErrors.WithLabelValues(metrics.ProtocolSOCKS5).Inc()
		logger.Warn().Err(err).Stringer("state", sess.state).Msg("malformed SOCKS5 handshake")
	}
	sess.state = stateClosed
}

// recoverConn keeps a panic in one connection from taking down the process.
func recoverConn(logger *zerolog.Logger, c net.Conn) {
	if r := recover(); r != nil {
		logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("connection handler panicked")
		_ = c.Close()
	}
}
