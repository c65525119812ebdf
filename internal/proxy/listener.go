package proxy

import (
	"net"
	"sync"
)

// connListener is a net.Listener fed by the dispatcher instead of a socket,
// so an http.Server can serve connections that were already accepted.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn

	done chan struct{}
	once sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

// push hands c to the next Accept call. It reports false if the listener was
// closed first, in which case the caller still owns c.
func (l *connListener) push(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
