// Package socks5 implements the SOCKS5 wire format used by mixproxy.
//
// The server side decodes the greeting and CONNECT request of RFC 1928 and
// encodes replies; the client side performs the handshake against an
// upstream SOCKS5 proxy. Low-level framing types come from
// github.com/txthinking/socks5; this package adds the validation rules and
// error values the proxy uses to choose a reply.
//
// Only the "no authentication" method is offered to clients, only CONNECT is
// accepted, and IPv6 destinations are answered with "address type not
// supported".
package socks5
