package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/mixproxy/internal/config"
	"github.com/die-net/mixproxy/internal/dialer"
	"github.com/die-net/mixproxy/internal/logging"
	"github.com/die-net/mixproxy/internal/proxy"
	"github.com/die-net/mixproxy/internal/resolver"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if cfg.ConfigFile != "" {
		logger.Info().Str("file", cfg.ConfigFile).Msg("loaded config")
	}

	ka, err := cfg.KeepAlive()
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	dialCfg := dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          ka,
		SSHKeyPath:         cfg.SSHKey,
		SSHKnownHostsPath:  cfg.SSHKnownHosts,
		Logger:             logger,
	}
	if cfg.DNSServer != "" {
		r, err := resolver.New(cfg.DNSServer, cfg.DialTimeout)
		if err != nil {
			return fmt.Errorf("invalid --dns-server: %w", err)
		}
		dialCfg.Resolver = r
		logger.Info().Str("server", r.Server()).Msg("using DNS server for direct dials")
	}

	d, err := dialer.New(dialCfg, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}
	logger.Info().Str("upstream", dialer.Redact(cfg.Upstream)).Msg("forwarding")

	if cfg.InsecureSkipVerify {
		logger.Warn().Msg("TLS certificate verification disabled for forwarded https:// requests")
	}

	pcfg := proxy.Config{
		NegotiationTimeout: cfg.NegotiationTimeout,
		HTTPIdleTimeout:    cfg.HTTPIdleTimeout,
		ProxyAgent:         cfg.ProxyAgent,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Dialer:             d,
		Logger:             logger,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		if err := serveDebug(ctx, g, cfg.DebugListen, ka, logger); err != nil {
			return err
		}
	}

	listenOpts := proxy.ListenOptions{
		KeepAlive:          ka,
		ReusePort:          cfg.ReusePort,
		ProxyProtocol:      cfg.ProxyProtocol,
		ProxyHeaderTimeout: cfg.NegotiationTimeout,
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.Addr(), listenOpts)
	if err != nil {
		return err
	}
	srv := proxy.NewMixedServer(ctx, pcfg)
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	logger.Info().Str("addr", ln.Addr().String()).Msg("listening for HTTP, CONNECT and SOCKS5 clients")

	if cfg.SOCKSListen != "" {
		socksLn, err := proxy.ListenTCP(ctx, "tcp", cfg.SOCKSListen, listenOpts)
		if err != nil {
			return err
		}
		s5 := proxy.NewSOCKS5Server(ctx, pcfg)
		context.AfterFunc(ctx, func() {
			_ = socksLn.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(socksLn); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", socksLn.Addr().String()).Msg("listening for SOCKS5 clients")
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info().Msg("shutting down")
	return err
}
