package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/mixproxy/internal/socks5"
)

// Protocol is the family a client connection was classified into.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolSOCKS5
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSOCKS5:
		return "socks5"
	default:
		return "http"
	}
}

// Classify maps the first byte of a stream to its protocol family. HTTP
// request lines start with an ASCII method, never the SOCKS version byte.
func Classify(b byte) Protocol {
	if b == socks5.Version {
		return ProtocolSOCKS5
	}
	return ProtocolHTTP
}

const peekBufferSize = 4096

// peekedConn replays the bytes buffered while classifying before reading
// from the underlying connection again.
type peekedConn struct {
	net.Conn
	r   *bufio.Reader
	log zerolog.Logger
}

// peek waits up to timeout for the first byte of c without consuming it.
func peek(c net.Conn, timeout time.Duration) (*peekedConn, Protocol, error) {
	if timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
	}

	br := bufio.NewReaderSize(c, peekBufferSize)
	b, err := br.Peek(1)

	if timeout > 0 {
		_ = c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return nil, ProtocolHTTP, err
	}

	return &peekedConn{Conn: c, r: br, log: zerolog.Nop()}, Classify(b[0]), nil
}

func (c *peekedConn) firstByte() byte {
	b, err := c.r.Peek(1)
	if err != nil {
		return 0
	}
	return b[0]
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *peekedConn) WriteTo(w io.Writer) (int64, error) {
	return c.r.WriteTo(w)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *peekedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// requestLine waits up to timeout for the first line the client sends and
// returns it without consuming it. ok is false if the line does not fit in
// the peek buffer or the client stops sending first.
func (c *peekedConn) requestLine(timeout time.Duration) (line string, ok bool) {
	if timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	}

	for {
		b, _ := c.r.Peek(c.r.Buffered())
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			return string(bytes.TrimSuffix(b[:i], []byte("\r"))), true
		}
		if len(b) >= peekBufferSize {
			return "", false
		}
		if _, err := c.r.Peek(len(b) + 1); err != nil {
			return "", false
		}
	}
}

// badConnectTarget reports whether line is a CONNECT request whose target
// would be refused. net/http answers some of these itself, with headers and
// a body, before any handler runs.
func badConnectTarget(line string) (string, bool) {
	f := strings.Fields(line)
	if len(f) != 3 || f[0] != http.MethodConnect || strings.HasPrefix(f[1], "/") {
		return "", false
	}
	if _, err := connectTarget(f[1]); err != nil {
		return f[1], true
	}
	return "", false
}
