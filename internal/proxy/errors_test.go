package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestErrorCode(t *testing.T) {
	t.Parallel()

	opErr := func(errno syscall.Errno) error {
		return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "refused", err: fmt.Errorf("dial: %w", opErr(syscall.ECONNREFUSED)), want: "ECONNREFUSED"},
		{name: "reset", err: opErr(syscall.ECONNRESET), want: "ECONNRESET"},
		{name: "host unreachable", err: opErr(syscall.EHOSTUNREACH), want: "EHOSTUNREACH"},
		{name: "net unreachable", err: opErr(syscall.ENETUNREACH), want: "ENETUNREACH"},
		{name: "not found", err: &net.DNSError{Err: "no such host", Name: "x.test", IsNotFound: true}, want: "ENOTFOUND"},
		{name: "dns timeout", err: &net.DNSError{Err: "timeout", Name: "x.test", IsTimeout: true}, want: "ETIMEDOUT"},
		{name: "dns server failure", err: &net.DNSError{Err: "SERVFAIL", Name: "x.test", IsTemporary: true}, want: "EAI_AGAIN"},
		{name: "deadline", err: fmt.Errorf("dial: %w", context.DeadlineExceeded), want: "ETIMEDOUT"},
		{name: "io timeout", err: &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}, want: "ETIMEDOUT"},
		{name: "canceled", err: context.Canceled, want: "ECANCELED"},
		{name: "other", err: errors.New("http proxy connect failed: 403 Forbidden"), want: "EPROXY"},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, got, tt.want)
		}
	}
}

func TestIsPeerAbort(t *testing.T) {
	t.Parallel()

	for _, err := range []error{
		io.EOF,
		io.ErrUnexpectedEOF,
		net.ErrClosed,
		fmt.Errorf("read: %w", syscall.ECONNRESET),
		&net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)},
	} {
		if !IsPeerAbort(err) {
			t.Fatalf("expected peer abort for %v", err)
		}
	}

	if IsPeerAbort(errors.New("boom")) {
		t.Fatal("unexpected peer abort")
	}
}
