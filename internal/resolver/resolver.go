// Package resolver looks up IPv4 addresses with plain DNS A queries against a
// configured server, caching answers for their TTL.
package resolver

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	minTTL = 5 * time.Second
	maxTTL = 5 * time.Minute
)

// Resolver resolves host names to IPv4 addresses via a single DNS server.
type Resolver struct {
	server  string
	timeout time.Duration

	udp *dns.Client
	tcp *dns.Client

	cache *cache.Cache
	sf    singleflight.Group
}

// New returns a Resolver querying server, a host or host:port (port 53 when
// omitted). Each query attempt is bounded by timeout.
func New(server string, timeout time.Duration) (*Resolver, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return nil, errors.New("resolver: empty server address")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Resolver{
		server:  server,
		timeout: timeout,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
		cache:   cache.New(maxTTL, 2*maxTTL),
	}, nil
}

// Server returns the host:port being queried.
func (r *Resolver) Server() string {
	return r.server
}

// LookupIPv4 returns an IPv4 address for host. IP literals are returned as is.
// A name with no A record yields a *net.DNSError with IsNotFound set.
//
// Concurrent lookups of the same name share one query; a caller whose ctx
// ends stops waiting while the query finishes for the others.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, &net.DNSError{Err: "no IPv4 address", Name: host, IsNotFound: true}
	}

	name := dns.Fqdn(strings.ToLower(host))
	if v, ok := r.cache.Get(name); ok {
		return v.(net.IP), nil
	}

	ch := r.sf.DoChan(name, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		ip, ttl, err := r.query(qctx, name)
		if err != nil {
			return nil, err
		}
		r.cache.Set(name, ip, ttl)
		return ip, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(net.IP), nil
	}
}

func (r *Resolver) query(ctx context.Context, name string) (net.IP, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, m, r.server)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, m, r.server)
	}
	if err != nil {
		return nil, 0, &net.DNSError{Err: err.Error(), Name: name, Server: r.server, IsTimeout: isTimeout(err), IsTemporary: true}
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, 0, &net.DNSError{Err: "no such host", Name: name, Server: r.server, IsNotFound: true}
	default:
		return nil, 0, &net.DNSError{Err: dns.RcodeToString[resp.Rcode], Name: name, Server: r.server, IsTemporary: true}
	}

	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ttl := time.Duration(a.Hdr.Ttl) * time.Second
		return a.A.To4(), min(max(ttl, minTTL), maxTTL), nil
	}

	return nil, 0, &net.DNSError{Err: "no A record", Name: name, Server: r.server, IsNotFound: true}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
