package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/die-net/mixproxy/internal/dialer"
	"github.com/die-net/mixproxy/internal/metrics"
)

var errBadConnectTarget = errors.New("CONNECT target must be host:port")

// HTTPProxyServer serves an HTTP forward proxy.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - non-CONNECT proxying of absolute-URI requests (via httputil.ReverseProxy)
// - a plain-text status page for requests addressed to the proxy itself
type HTTPProxyServer struct {
	ctx    context.Context
	cfg    Config
	dialer dialer.Dialer
	srv    *http.Server
	rp     *httputil.ReverseProxy
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &HTTPProxyServer{ctx: ctx, cfg: cfg, dialer: cfg.Dialer, rp: newReverseProxy(cfg)}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
		ConnContext: h.connContext,
		ErrorLog:    log.New(cfg.Logger.With().Str("component", "http").Logger(), "", 0),
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

// connContext attaches the connection's logger. Connections handed over by
// the dispatcher already carry one.
func (s *HTTPProxyServer) connContext(ctx context.Context, c net.Conn) context.Context {
	if pc, ok := c.(*peekedConn); ok {
		return pc.log.WithContext(ctx)
	}
	l := connLogger(s.cfg.Logger, c)
	return l.WithContext(ctx)
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r)
	case r.URL.Host == "":
		s.serveStatus(w, r)
	default:
		s.rp.ServeHTTP(w, r)
	}
}

// serveStatus answers requests aimed at the proxy rather than through it.
func (s *HTTPProxyServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	zerolog.Ctx(r.Context()).Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("status request")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "%s is running. Use this address as your proxy server.\n", s.cfg.proxyAgent())
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		logger.Error().Err(err).Msg("hijack failed")
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	target, err := connectTarget(r.Host)
	if err != nil {
		rejectConnect(logger, clientConn, r.Host, err)
		return
	}

	ctx := r.Context()
	tl := logger.With().Str("target", target).Logger()
	logger = &tl

	serverConn, err := s.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		code := ErrorCode(err)
		metrics.DialFailures.WithLabelValues(metrics.ProtocolConnect, code).Inc()
		logger.Warn().Err(err).Str("code", code).Msg("CONNECT dial failed")
		if _, err := writeError(clientConn, code, http.StatusBadGateway); err != nil {
			logger.Debug().Err(err).Msg("client went away before 502 reply")
		}
		lingerClose(clientConn)
		return
	}

	_, _ = fmt.Fprintf(brw, "HTTP/1.1 200 Connection Established\r\nProxy-agent: %s\r\n\r\n", s.cfg.proxyAgent())
	if err := brw.Flush(); err != nil {
		logger.Debug().Err(err).Msg("client went away before tunnel start")
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}

	// Bytes the client pipelined behind the request head go out first.
	if n := brw.Reader.Buffered(); n > 0 {
		head, _ := brw.Reader.Peek(n)
		if _, err := serverConn.Write(head); err != nil {
			logger.Debug().Err(err).Msg("writing buffered client bytes")
			_ = clientConn.Close()
			_ = serverConn.Close()
			return
		}
		_, _ = brw.Reader.Discard(n)
	}

	relay(ctx, logger, metrics.ProtocolConnect, clientConn, serverConn)
}

const badRequestReply = "HTTP/1.1 400 Bad Request\r\n\r\n"

// rejectConnect answers a CONNECT with an unusable target with a bare 400
// status line and closes c. Hijack has already flushed any buffered output,
// so writing to c directly is safe.
func rejectConnect(logger *zerolog.Logger, c net.Conn, target string, cause error) {
	logger.Warn().Err(cause).Str("target", target).Msg("rejecting CONNECT")
	metrics.ProtocolErrors.WithLabelValues(metrics.ProtocolConnect).Inc()
	if _, err := io.WriteString(c, badRequestReply); err != nil {
		logger.Debug().Err(err).Msg("client went away before 400 reply")
	}
	lingerClose(c)
}

// connectTarget validates a CONNECT authority: both host and a numeric
// port in 1-65535 are required.
func connectTarget(authority string) (string, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errBadConnectTarget, err)
	}
	if host == "" {
		return "", fmt.Errorf("%w: missing host", errBadConnectTarget)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%w: invalid port %q", errBadConnectTarget, port)
	}
	return net.JoinHostPort(host, port), nil
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(w io.Writer, msg string, code int) (int, error) {
	return fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), msg)
}

func newReverseProxy(cfg Config) *httputil.ReverseProxy {
	director := func(r *http.Request) {
		// Allow schema override through a non-standard header.
		if s, ok := r.Header["X-Proxy-Scheme"]; ok {
			delete(r.Header, "X-Proxy-Scheme")
			r.URL.Scheme = s[0]
		} else if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}

		r.Host = r.URL.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		logger := zerolog.Ctx(r.Context())

		// The client is gone; abort instead of writing to a dead connection.
		if r.Context().Err() != nil {
			logger.Debug().Err(err).Str("url", r.URL.String()).Msg("client went away during forward")
			panic(http.ErrAbortHandler)
		}

		code := ErrorCode(err)
		metrics.DialFailures.WithLabelValues(metrics.ProtocolHTTP, code).Inc()
		logger.Warn().Err(err).Str("code", code).Str("url", r.URL.String()).Msg("forward failed")
		http.Error(w, "proxy error: "+code, http.StatusBadGateway)
	}

	modifyResponse := func(resp *http.Response) error {
		zerolog.Ctx(resp.Request.Context()).Debug().
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL.String()).
			Int("status", resp.StatusCode).
			Msg("forwarded")
		return nil
	}

	return &httputil.ReverseProxy{
		Director:       director,
		Transport:      newTransport(cfg),
		FlushInterval:  10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:   errHandler,
		ModifyResponse: modifyResponse,
		BufferPool:     relayBuffers,
		ErrorLog:       log.New(cfg.Logger.With().Str("component", "reverseproxy").Logger(), "", 0),
	}
}

func newTransport(cfg Config) http.RoundTripper {
	t := &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Opt-in via --insecure-skip-verify.
		},
	}

	// For non-CONNECT HTTP proxying, prefer the standard library proxy support when the
	// configured dialer is an HTTP proxy.
	if up, ok := cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		// When using Transport.Proxy, DialContext is used to connect to the proxy itself.
		t.DialContext = up.Direct().DialContext
	}

	return t
}

// relay runs an established tunnel and logs how it ended.
func relay(ctx context.Context, logger *zerolog.Logger, protocol string, client, server net.Conn) {
	metrics.ActiveTunnels.WithLabelValues(protocol).Inc()
	defer metrics.ActiveTunnels.WithLabelValues(protocol).Dec()

	start := time.Now()
	up, down, err := CopyBidirectional(ctx, client, server)

	metrics.RelayedBytes.WithLabelValues(protocol, "upstream").Add(float64(up))
	metrics.RelayedBytes.WithLabelValues(protocol, "downstream").Add(float64(down))

	ev := logger.Debug()
	if err != nil && !IsPeerAbort(err) {
		ev = logger.Warn().Err(err)
	} else if err != nil {
		ev = ev.Err(err)
	}
	ev.Int64("bytes_up", up).Int64("bytes_down", down).Dur("duration", time.Since(start)).Msg("tunnel closed")
}

// lingerClose half-closes c and drains what the peer still sends for a
// moment, so a final reply is not lost to a reset caused by unread input.
func lingerClose(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(c, lingerMaxBytes))
	_ = c.Close()
}

const (
	lingerTimeout  = 500 * time.Millisecond
	lingerMaxBytes = 64 * 1024
)

// connLogger returns a logger tagged with a fresh connection id and the
// client address.
func connLogger(base zerolog.Logger, c net.Conn) zerolog.Logger {
	return base.With().
		Str("conn_id", uuid.NewString()).
		Str("client", c.RemoteAddr().String()).
		Logger()
}
