package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

func listenLoopback(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

// StartSingleAcceptServer runs handler on the first connection accepted on
// a loopback port, standing in for an upstream proxy. The returned wait func
// closes the listener and blocks until handler has returned; it also runs
// on test cleanup, so calling it is only needed to order assertions.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	ln := listenLoopback(t, ctx)

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	var once sync.Once
	wait := func() {
		once.Do(func() {
			_ = ln.Close()
			wg.Wait()
		})
	}
	t.Cleanup(wait)

	return ln, wait
}

// AcceptOne listens on a loopback port and delivers the first accepted
// connection, untouched, on the returned channel. That connection is closed
// on test cleanup.
func AcceptOne(t *testing.T, ctx context.Context) (net.Listener, <-chan net.Conn) {
	t.Helper()

	ln := listenLoopback(t, ctx)
	accepted := make(chan net.Conn, 1)

	var mu sync.Mutex
	var conn net.Conn
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})

	go func() {
		c, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		mu.Lock()
		conn = c
		mu.Unlock()
		accepted <- c
	}()

	return ln, accepted
}
