// Package ssh holds the client-side pieces of the ssh:// upstream: key and
// agent authentication, known_hosts verification with trust on first use,
// and the handshake over an already dialed connection.
//
// Channels are opened by the caller on the returned *ssh.Client with
// DialContext, one "direct-tcpip" channel per proxied connection.
package ssh
