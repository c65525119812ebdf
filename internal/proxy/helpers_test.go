package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/mixproxy/internal/dialer"
)

const testAgent = "test-agent"

func testConfig(d dialer.Dialer) Config {
	if d == nil {
		d = dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
	}
	return Config{
		NegotiationTimeout: 2 * time.Second,
		HTTPIdleTimeout:    10 * time.Second,
		ProxyAgent:         testAgent,
		Dialer:             d,
		Logger:             zerolog.Nop(),
	}
}

// startMixed runs a MixedServer on a loopback port until the test ends.
func startMixed(t *testing.T, cfg Config) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", ListenOptions{})
	if err != nil {
		cancel()
		t.Fatal(err)
	}

	srv := NewMixedServer(ctx, cfg)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		_ = srv.Close()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	return ln.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustWrite(t *testing.T, c net.Conn, b []byte) {
	t.Helper()

	if _, err := c.Write(b); err != nil {
		t.Fatal(err)
	}
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

// expectClosed asserts that the peer closes c without sending anything more.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if n > 0 {
		t.Fatalf("expected close, got %q", buf[:n])
	}
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
		return
	}
	t.Fatalf("expected EOF or reset, got %v", err)
}

// countingDialer records how many dials were attempted.
type countingDialer struct {
	next  dialer.Dialer
	calls atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	return d.next.DialContext(ctx, network, address)
}

type staticResolver map[string]string

func (r staticResolver) LookupIPv4(_ context.Context, host string) (net.IP, error) {
	ip, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return net.ParseIP(ip).To4(), nil
}
