package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

func TestClientDialToServer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		methods, err := ReadGreeting(serverConn)
		if err != nil {
			return err
		}
		if !bytes.Equal(methods, []byte{txsocks5.MethodNone}) {
			return fmt.Errorf("unexpected methods: %v", methods)
		}
		if err := WriteNoAuth(serverConn); err != nil {
			return err
		}

		req, err := ReadRequest(serverConn)
		if err != nil {
			return err
		}
		if req.Address() != "127.0.0.1:80" {
			return fmt.Errorf("unexpected address: %s", req.Address())
		}

		return WriteReply(serverConn, RepSuccess)
	})

	if err := ClientDial(clientConn, Auth{}, "127.0.0.1:80"); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestClientConnectRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		if _, err := ReadRequest(serverConn); err != nil {
			return err
		}
		return WriteReply(serverConn, RepHostUnreachable)
	})

	if err := ClientConnect(clientConn, "example.com:443"); err == nil {
		t.Fatal("expected error")
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestReadGreeting(t *testing.T) {
	tests := []struct {
		name      string
		in        []byte
		want      []byte
		wantErr   bool
		malformed bool
	}{
		{name: "no_auth", in: []byte{0x05, 0x01, 0x00}, want: []byte{0x00}},
		{name: "several methods", in: []byte{0x05, 0x02, 0x00, 0x02}, want: []byte{0x00, 0x02}},
		{name: "userpass only", in: []byte{0x05, 0x01, 0x02}, want: []byte{0x02}},
		{name: "socks4", in: []byte{0x04, 0x01, 0x00, 0x50}, wantErr: true, malformed: true},
		{name: "http", in: []byte("GET / HTTP/1.1\r\n"), wantErr: true, malformed: true},
		{name: "no methods", in: []byte{0x05, 0x00}, wantErr: true, malformed: true},
		{name: "truncated", in: []byte{0x05, 0x02, 0x00}, wantErr: true},
		{name: "empty", in: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadGreeting(bytes.NewReader(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if errors.Is(err, ErrMalformed) != tt.malformed {
				t.Fatalf("err=%v malformed=%v", err, tt.malformed)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestWriteNoAuth(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteNoAuth(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0x05, 0x00}) {
		t.Fatalf("got %v", buf.Bytes())
	}
}

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		wantAddr string
		wantErr  error
		anyErr   bool
		unread   int
	}{
		{
			name:     "ipv4",
			in:       []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantAddr: "127.0.0.1:80",
		},
		{
			name:     "domain",
			in:       append(append([]byte{0x05, 0x01, 0x00, 0x03, 11}, "example.com"...), 0x01, 0xbb),
			wantAddr: "example.com:443",
		},
		{
			name:     "trailing payload is left unread",
			in:       []byte{0x05, 0x01, 0x00, 0x01, 10, 1, 2, 3, 0x1f, 0x90, 'h', 'i'},
			wantAddr: "10.1.2.3:8080",
			unread:   2,
		},
		{
			name:    "ipv6 not supported",
			in:      append([]byte{0x05, 0x01, 0x00, 0x04}, make([]byte, 18)...),
			wantErr: ErrAddressNotSupported,
			unread:  18,
		},
		{
			name:    "ipv6 header only",
			in:      []byte{0x05, 0x01, 0x00, 0x04},
			wantErr: ErrAddressNotSupported,
		},
		{
			name:    "bind",
			in:      []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantErr: ErrCommandNotSupported,
			unread:  6,
		},
		{
			name:    "udp associate",
			in:      []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00},
			wantErr: ErrCommandNotSupported,
			unread:  6,
		},
		{
			name:    "bad version",
			in:      []byte{0x04, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantErr: ErrMalformed,
			unread:  6,
		},
		{
			name:    "reserved byte set",
			in:      []byte{0x05, 0x01, 0x01, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantErr: ErrMalformed,
			unread:  6,
		},
		{
			name:    "empty domain",
			in:      []byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50},
			wantErr: ErrMalformed,
			unread:  2,
		},
		{
			name:    "unknown address type",
			in:      []byte{0x05, 0x01, 0x00, 0x07, 127, 0, 0, 1, 0x00, 0x50},
			wantErr: ErrUnknownAddressType,
			unread:  6,
		},
		{
			name:   "short header",
			in:     []byte{0x05, 0x01, 0x00},
			anyErr: true,
		},
		{
			name:   "short ipv4",
			in:     []byte{0x05, 0x01, 0x00, 0x01, 127, 0},
			anyErr: true,
		},
		{
			name:   "missing port",
			in:     []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1},
			anyErr: true,
		},
		{
			name:   "short domain",
			in:     []byte{0x05, 0x01, 0x00, 0x03, 0x09, 'a', 'b'},
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.in)
			req, err := ReadRequest(r)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
					t.Fatalf("expected EOF-style error, got %v", err)
				}
			default:
				if err != nil {
					t.Fatal(err)
				}
				if got := req.Address(); got != tt.wantAddr {
					t.Fatalf("got %q want %q", got, tt.wantAddr)
				}
			}
			if r.Len() != tt.unread {
				t.Fatalf("unread=%d want %d", r.Len(), tt.unread)
			}
		})
	}
}

func TestWriteReply(t *testing.T) {
	for _, rep := range []byte{RepSuccess, RepHostUnreachable, RepCommandNotSupported, RepAddressNotSupported} {
		t.Run(fmt.Sprintf("rep_%#02x", rep), func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteReply(&buf, rep); err != nil {
				t.Fatal(err)
			}
			want := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
			if !bytes.Equal(buf.Bytes(), want) {
				t.Fatalf("got %v want %v", buf.Bytes(), want)
			}
		})
	}
}
