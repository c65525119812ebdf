package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback verifies server keys against the known_hosts file at
// path. Unknown hosts are appended on first contact; a changed key is
// rejected. An empty path disables host key checking.
func NewHostKeyCallback(path string, logger zerolog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Checking disabled by configuration.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	kh := &knownHosts{path: path, logger: logger}
	if err := kh.reload(); err != nil {
		return nil, err
	}
	return kh.check, nil
}

type knownHosts struct {
	path   string
	logger zerolog.Logger

	mu       sync.Mutex
	callback ssh.HostKeyCallback
}

func (k *knownHosts) reload() error {
	cb, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("known_hosts %s: %w", k.path, err)
	}
	k.callback = cb
	return nil
}

func (k *knownHosts) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.callback(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key for %s does not match %s: %w", hostname, k.path, err)
	}

	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, werr := f.WriteString(line + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("known_hosts: %w", werr)
	}

	k.logger.Info().Str("host", hostname).Str("file", k.path).Str("key", ssh.FingerprintSHA256(key)).Msg("added ssh host key")

	// Later dials must see the new entry.
	return k.reload()
}
