// Package config assembles the mixproxy configuration from defaults, an
// optional ini file, environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"

	"github.com/die-net/mixproxy/internal/logging"
	"github.com/die-net/mixproxy/internal/ssh"
)

// DefaultFileName is looked up in the working directory and next to the
// executable when --config is not given.
const DefaultFileName = "mixproxy.ini"

type Config struct {
	ConfigFile string `ini:"-"`

	Listen             string        `ini:"listen"`
	Port               int           `ini:"port"`
	ProxyAgent         string        `ini:"proxy_agent"`
	Upstream           string        `ini:"upstream"`
	DNSServer          string        `ini:"dns_server"`
	DialTimeout        time.Duration `ini:"dial_timeout"`
	NegotiationTimeout time.Duration `ini:"negotiation_timeout"`
	HTTPIdleTimeout    time.Duration `ini:"http_idle_timeout"`
	TCPKeepAlive       string        `ini:"tcp_keepalive"`
	ProxyProtocol      bool          `ini:"proxy_protocol"`
	ReusePort          bool          `ini:"reuse_port"`
	InsecureSkipVerify bool          `ini:"insecure_skip_verify"`
	DebugListen        string        `ini:"debug_listen"`
	SOCKSListen        string        `ini:"socks_listen"`
	SSHKey             string        `ini:"ssh_key"`
	SSHKnownHosts      string        `ini:"ssh_known_hosts"`

	Log LogConfig `ini:"log"`
}

type LogConfig struct {
	Level string `ini:"level"`
	File  string `ini:"file"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:               8080,
		ProxyAgent:         "mixproxy",
		Upstream:           "direct://",
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		HTTPIdleTimeout:    4 * time.Minute,
		TCPKeepAlive:       "45:45:3",
		SSHKnownHosts:      defaultSSHKnownHosts(),
		Log:                LogConfig{Level: "info"},
	}
}

func defaultSSHKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// Load builds the configuration for args (without the program name).
// getenv is usually os.Getenv. A -h/--help argument yields pflag.ErrHelp.
func Load(args []string, getenv func(string) string) (*Config, error) {
	// The first pass only finds --config; the second applies explicit
	// flags on top of the file and environment.
	first := Default()
	if err := NewFlagSet(&first).Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	path, err := resolveFile(first.ConfigFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(getenv)

	if err := NewFlagSet(&cfg).Parse(args); err != nil {
		return nil, err
	}
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewFlagSet returns a flag set writing into cfg.
func NewFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("mixproxy", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to an ini config file (default ./"+DefaultFileName+" or next to the binary, if present)")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen host; empty listens on all interfaces")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Listen port for HTTP, CONNECT and SOCKS5 clients [env PORT]")
	fs.StringVar(&cfg.ProxyAgent, "proxy-agent", cfg.ProxyAgent, "Name sent in the Proxy-agent header of CONNECT replies")
	fs.StringVar(&cfg.Upstream, "upstream", cfg.Upstream, "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port [env ALL_PROXY]")
	fs.StringVar(&cfg.DNSServer, "dns-server", cfg.DNSServer, "DNS server (host[:port]) for direct dials; empty uses the system resolver")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", cfg.NegotiationTimeout, "Timeout for protocol negotiation to set up connection")
	fs.DurationVar(&cfg.HTTPIdleTimeout, "http-idle-timeout", cfg.HTTPIdleTimeout, "Timeout for idle HTTP proxy connections")
	fs.StringVar(&cfg.TCPKeepAlive, "tcp-keepalive", cfg.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.BoolVar(&cfg.ProxyProtocol, "proxy-protocol", cfg.ProxyProtocol, "Expect a PROXY protocol header on every client connection")
	fs.BoolVar(&cfg.ReusePort, "reuse-port", cfg.ReusePort, "Set SO_REUSEPORT on the listener")
	fs.BoolVar(&cfg.InsecureSkipVerify, "insecure-skip-verify", cfg.InsecureSkipVerify, "Skip certificate checks for https:// requests forwarded by the HTTP proxy")
	fs.StringVar(&cfg.SOCKSListen, "socks-listen", cfg.SOCKSListen, "Extra SOCKS5-only listen address (e.g. 127.0.0.1:1080). Empty disables.")
	fs.StringVar(&cfg.SSHKey, "ssh-key", cfg.SSHKey, "SSH key for ssh:// upstreams: 'agent', a private key file, or empty for password only (default 'agent' when SSH_AUTH_SOCK is set)")
	fs.StringVar(&cfg.SSHKnownHosts, "ssh-known-hosts", cfg.SSHKnownHosts, "known_hosts file for ssh:// upstreams; unknown hosts are added on first use. Empty disables host key checking.")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: trace|debug|info|warn|error [env LOG_LEVEL]")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "Also append JSON logs to this file [env LOG_FILE]")

	return fs
}

// resolveFile returns the config file to read. An explicit path must exist;
// otherwise the default locations are tried and a miss is not an error.
func resolveFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}

	candidates := []string{DefaultFileName}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), DefaultFileName))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("config file: %w", err)
		}
	}
	return "", nil
}

func (c *Config) loadFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := f.StrictMapTo(c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		// An unusable PORT is ignored rather than fatal.
		if p, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && p > 0 && p <= 65535 {
			c.Port = p
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if c.SSHKey == "" && getenv("SSH_AUTH_SOCK") != "" {
		c.SSHKey = ssh.AgentAuthType
	}
	if v := getenv("ALL_PROXY"); v != "" {
		c.Upstream = v
	} else if v := getenv("all_proxy"); v != "" {
		c.Upstream = v
	}
}

// Validate checks values that flag and file parsing cannot.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial timeout must be > 0")
	}
	if c.NegotiationTimeout <= 0 {
		return errors.New("negotiation timeout must be > 0")
	}
	if c.HTTPIdleTimeout <= 0 {
		return errors.New("http idle timeout must be > 0")
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("invalid tcp keepalive: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}

// KeepAlive returns the parsed TCPKeepAlive setting.
func (c *Config) KeepAlive() (net.KeepAliveConfig, error) {
	return ParseTCPKeepAlive(c.TCPKeepAlive)
}
