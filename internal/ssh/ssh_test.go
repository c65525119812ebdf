package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func newKey(t *testing.T) (ed25519.PrivateKey, ssh.Signer) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return priv, signer
}

func TestLoadSignersEmpty(t *testing.T) {
	signers, err := LoadSigners("")
	if err != nil || signers != nil {
		t.Fatalf("got %v, %v", signers, err)
	}
}

func TestLoadSignersFile(t *testing.T) {
	priv, signer := newKey(t)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	signers, err := LoadSigners(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(signers) != 1 || ssh.FingerprintSHA256(signers[0].PublicKey()) != ssh.FingerprintSHA256(signer.PublicKey()) {
		t.Fatalf("unexpected signers %v", signers)
	}

	bad := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{bad, filepath.Join(t.TempDir(), "missing")} {
		if _, err := LoadSigners(p); err == nil {
			t.Fatalf("LoadSigners(%q): expected error", p)
		}
	}
}

func TestLoadSignersAgent(t *testing.T) {
	priv, signer := newKey(t)
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: priv}); err != nil {
		t.Fatal(err)
	}

	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = agent.ServeAgent(keyring, c)
			}()
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", sock)
	signers, err := LoadSigners(AgentAuthType)
	if err != nil {
		t.Fatal(err)
	}
	if len(signers) != 1 || ssh.FingerprintSHA256(signers[0].PublicKey()) != ssh.FingerprintSHA256(signer.PublicKey()) {
		t.Fatalf("unexpected signers %v", signers)
	}

	t.Setenv("SSH_AUTH_SOCK", "")
	if _, err := LoadSigners(AgentAuthType); err == nil {
		t.Fatal("expected error without SSH_AUTH_SOCK")
	}
}

func TestHostKeyCallbackDisabled(t *testing.T) {
	_, signer := newKey(t)
	cb, err := NewHostKeyCallback("", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := cb("example.test:22", nil, signer.PublicKey()); err != nil {
		t.Fatal(err)
	}
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	_, signer := newKey(t)
	_, other := newKey(t)
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	remote := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 2222}

	cb, err := NewHostKeyCallback(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if err := cb("ssh.example:2222", remote, signer.PublicKey()); err != nil {
		t.Fatalf("first contact: %v", err)
	}
	if err := cb("ssh.example:2222", remote, signer.PublicKey()); err != nil {
		t.Fatalf("known key: %v", err)
	}
	if err := cb("ssh.example:2222", remote, other.PublicKey()); err == nil {
		t.Fatal("changed key accepted")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "[ssh.example]:2222 ") || strings.Count(string(data), "\n") != 1 {
		t.Fatalf("known_hosts = %q", data)
	}

	// A fresh callback reads the recorded key.
	cb, err = NewHostKeyCallback(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := cb("ssh.example:2222", remote, other.PublicKey()); err == nil {
		t.Fatal("changed key accepted after reload")
	}
}

func TestAuthMethods(t *testing.T) {
	_, signer := newKey(t)

	tests := []struct {
		name string
		cfg  ClientConfig
		want int
	}{
		{"none", ClientConfig{}, 0},
		{"password", ClientConfig{Password: "p"}, 1},
		{"key", ClientConfig{Signers: []ssh.Signer{signer}}, 1},
		{"both", ClientConfig{Password: "p", Signers: []ssh.Signer{signer}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.cfg.AuthMethods()); got != tt.want {
				t.Fatalf("got %d methods, want %d", got, tt.want)
			}
		})
	}
}
