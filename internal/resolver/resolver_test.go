package resolver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startDNSServer(t *testing.T, records map[string]string, queries *atomic.Int32) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			queries.Add(1)

			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			switch ip, ok := records[q.Name]; {
			case !ok:
				m.SetRcode(req, dns.RcodeNameError)
			case ip == "":
				// Name exists, but has no A record.
			default:
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestLookupIPv4(t *testing.T) {
	var queries atomic.Int32
	addr := startDNSServer(t, map[string]string{
		"example.test.": "192.0.2.10",
		"empty.test.":   "",
	}, &queries)

	r, err := New(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name         string
		host         string
		want         string
		wantNotFound bool
	}{
		{name: "a record", host: "example.test", want: "192.0.2.10"},
		{name: "case-insensitive", host: "EXAMPLE.test", want: "192.0.2.10"},
		{name: "ipv4 literal", host: "10.0.0.1", want: "10.0.0.1"},
		{name: "nxdomain", host: "missing.test", wantNotFound: true},
		{name: "no a record", host: "empty.test", wantNotFound: true},
		{name: "ipv6 literal", host: "::1", wantNotFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := r.LookupIPv4(ctx, tt.host)
			if tt.wantNotFound {
				var dnsErr *net.DNSError
				if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
					t.Fatalf("expected not-found DNSError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ip.String() != tt.want {
				t.Fatalf("got %s want %s", ip, tt.want)
			}
		})
	}
}

func TestLookupIPv4Cached(t *testing.T) {
	var queries atomic.Int32
	addr := startDNSServer(t, map[string]string{"cached.test.": "192.0.2.20"}, &queries)

	r, err := New(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for range 3 {
		ip, err := r.LookupIPv4(ctx, "cached.test")
		if err != nil {
			t.Fatal(err)
		}
		if ip.String() != "192.0.2.20" {
			t.Fatalf("got %s", ip)
		}
	}

	if n := queries.Load(); n != 1 {
		t.Fatalf("expected 1 query, got %d", n)
	}
}

func TestLookupIPv4ContextCanceled(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	r, err := New(pc.LocalAddr().String(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := r.LookupIPv4(ctx, "silent.test"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewDefaultPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "1.1.1.1", want: "1.1.1.1:53"},
		{in: "1.1.1.1:5353", want: "1.1.1.1:5353"},
		{in: "[2001:db8::1]", want: "[2001:db8::1]:53"},
	}
	for _, tt := range tests {
		r, err := New(tt.in, 0)
		if err != nil {
			t.Fatal(err)
		}
		if r.Server() != tt.want {
			t.Fatalf("%s: got %s want %s", tt.in, r.Server(), tt.want)
		}
	}

	if _, err := New(" ", 0); err == nil {
		t.Fatal("expected error for empty server")
	}
}
