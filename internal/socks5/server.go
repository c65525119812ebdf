package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// Version is the SOCKS protocol version byte carried by every message.
const Version byte = 0x05

// Reply codes used by the server.
var (
	RepSuccess             = txsocks5.RepSuccess
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
)

var (
	// ErrMalformed reports a request with a bad version, a non-zero
	// reserved byte, or an empty domain name. No reply is owed.
	ErrMalformed = errors.New("socks5: malformed request")

	// ErrCommandNotSupported reports a BIND or UDP ASSOCIATE request.
	ErrCommandNotSupported = errors.New("socks5: command not supported")

	// ErrAddressNotSupported reports an IPv6 destination.
	ErrAddressNotSupported = errors.New("socks5: address type not supported")

	// ErrUnknownAddressType reports an ATYP outside the RFC 1928 set. No
	// reply is owed.
	ErrUnknownAddressType = errors.New("socks5: unknown address type")
)

// Request is a decoded client request.
type Request struct {
	Cmd  byte
	Atyp byte
	Host string
	Port uint16
}

// Address returns the destination as host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ReadGreeting reads the client's method selection message and returns the
// offered methods. A bad version byte or an empty method list is
// ErrMalformed.
func ReadGreeting(r io.Reader) ([]byte, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(r)
	switch {
	case errors.Is(err, txsocks5.ErrVersion), errors.Is(err, txsocks5.ErrBadRequest):
		return nil, fmt.Errorf("greeting: %w", ErrMalformed)
	case err != nil:
		return nil, fmt.Errorf("greeting: %w", err)
	}
	return neg.Methods, nil
}

// WriteNoAuth selects the "no authentication" method.
func WriteNoAuth(w io.Writer) error {
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(w); err != nil {
		return fmt.Errorf("method reply: %w", err)
	}
	return nil
}

// ReadRequest decodes VER CMD RSV ATYP DST.ADDR DST.PORT.
//
// Validation happens in wire order so that the caller can reply as early as
// the protocol allows: a non-CONNECT command returns ErrCommandNotSupported
// before the address is read, and an IPv6 ATYP returns ErrAddressNotSupported
// without consuming the address bytes. The returned Request is non-nil
// whenever the header was read.
func ReadRequest(r io.Reader) (*Request, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("request header: %w", err)
	}
	req := &Request{Cmd: hdr[1], Atyp: hdr[3]}
	if hdr[0] != Version || hdr[2] != 0x00 {
		return req, ErrMalformed
	}
	if req.Cmd != txsocks5.CmdConnect {
		return req, ErrCommandNotSupported
	}

	switch req.Atyp {
	case txsocks5.ATYPIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return req, fmt.Errorf("ipv4 address: %w", err)
		}
		req.Host = net.IP(ip[:]).String()
	case txsocks5.ATYPDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return req, fmt.Errorf("domain length: %w", err)
		}
		if n[0] == 0 {
			return req, ErrMalformed
		}
		name := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return req, fmt.Errorf("domain: %w", err)
		}
		req.Host = string(name)
	case txsocks5.ATYPIPv6:
		return req, ErrAddressNotSupported
	default:
		return req, ErrUnknownAddressType
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return req, fmt.Errorf("port: %w", err)
	}
	req.Port = uint16(port[0])<<8 | uint16(port[1])
	return req, nil
}

// WriteReply writes a reply with the given code. The bound address is always
// 0.0.0.0:0; clients are not expected to use it.
func WriteReply(w io.Writer, rep byte) error {
	if _, err := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(w); err != nil {
		return fmt.Errorf("reply %#02x: %w", rep, err)
	}
	return nil
}
