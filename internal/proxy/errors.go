package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrorCode maps a dial or transport error to a short errno-style code for
// client-visible failures, logs and metrics.
func ErrorCode(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case err == nil:
		return ""
	case errors.As(err, &dnsErr):
		if dnsErr.IsNotFound {
			return "ENOTFOUND"
		}
		if dnsErr.IsTimeout {
			return "ETIMEDOUT"
		}
		return "EAI_AGAIN"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "EHOSTUNREACH"
	case errors.Is(err, syscall.ENETUNREACH):
		return "ENETUNREACH"
	case errors.Is(err, context.Canceled):
		return "ECANCELED"
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return "ETIMEDOUT"
	default:
		return "EPROXY"
	}
}

// IsPeerAbort reports whether err only means that a peer went away.
func IsPeerAbort(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
