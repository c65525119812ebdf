package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// SSHServer is a loopback SSH server that forwards "direct-tcpip" channels,
// like `ssh -D` expects of sshd.
type SSHServer struct {
	Addr    string
	HostKey ssh.PublicKey

	handshakes atomic.Int64

	mu    sync.Mutex
	conns []ssh.Conn
}

// Handshakes returns how many SSH transports were established.
func (s *SSHServer) Handshakes() int64 {
	return s.handshakes.Load()
}

// DropConns closes every established SSH transport.
func (s *SSHServer) DropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// StartSSHServer accepts password logins for user/password on a fresh host
// key. It stops on test cleanup.
func StartSSHServer(t *testing.T, ctx context.Context, user, password string) *SSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != user || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(signer)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &SSHServer{Addr: ln.Addr().String(), HostKey: signer.PublicKey()}
	t.Cleanup(func() {
		_ = ln.Close()
		s.DropConns()
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(ctx, c, cfg)
		}
	}()

	return s
}

type directTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func (s *SSHServer) serve(ctx context.Context, c net.Conn, cfg *ssh.ServerConfig) {
	defer c.Close()

	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	s.handshakes.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}
		var p directTCPIP
		if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
			_ = nc.Reject(ssh.Prohibited, "bad direct-tcpip payload")
			continue
		}

		var d net.Dialer
		dst, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
		if err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			_ = dst.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)

		go func() {
			defer ch.Close()
			defer dst.Close()

			var g errgroup.Group
			g.Go(func() error {
				_, err := io.Copy(dst, ch)
				_ = dst.Close()
				return err
			})
			g.Go(func() error {
				_, err := io.Copy(ch, dst)
				_ = ch.Close()
				return err
			})
			_ = g.Wait()
		}()
	}
}
