// Package dialer provides the outbound connection paths used by mixproxy.
//
// Every handler opens destination connections through a Dialer, which either
// connects directly or tunnels through an upstream HTTP(S) CONNECT or SOCKS5
// proxy chosen by URL.
package dialer
