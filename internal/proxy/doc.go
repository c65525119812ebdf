// Package proxy implements the mixproxy listener side.
//
// A MixedServer accepts every client on one port, peeks the first byte and
// hands the stream either to the SOCKS5 session driver or to an HTTP forward
// proxy that also serves CONNECT tunnels. Shared plumbing such as listeners,
// bidirectional copy and error classification lives here too.
package proxy
