package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType selects the running SSH agent as the key source.
const AgentAuthType = "agent"

// LoadSigners returns the signers named by keyPath: none for "", every agent
// key for AgentAuthType, otherwise the OpenSSH private key stored at keyPath.
func LoadSigners(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentAuthType:
		return agentSigners(os.Getenv("SSH_AUTH_SOCK"))
	default:
		signer, err := loadPrivateKey(keyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}
}

// agentSigners keeps the agent connection open for as long as the signers
// are in use.
func agentSigners(socket string) ([]ssh.Signer, error) {
	if socket == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh agent: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("ssh agent: no keys loaded")
	}
	return signers, nil
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", path, err)
	}
	return signer, nil
}
