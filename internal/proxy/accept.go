package proxy

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const maxAcceptDelay = time.Second

// serveListener calls handle in a new goroutine for every connection
// accepted on ln. Accept errors are retried with backoff, so running out of
// descriptors stalls new clients without dropping existing ones. It returns
// nil once ln is closed or ctx ends.
func serveListener(ctx context.Context, ln net.Listener, logger zerolog.Logger, handle func(net.Conn)) error {
	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
			ev := logger.Error()
			if isTransientAcceptError(err) {
				ev = logger.Warn()
			}
			ev.Err(err).Dur("retry_in", delay).Msg("accept error")

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		delay = 0
		go handle(c)
	}
}

// isTransientAcceptError reports resource exhaustion and aborted handshakes,
// which clear up on their own.
func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED)
}
