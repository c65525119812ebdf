package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/mixproxy/internal/metrics"
)

// serveDebug exposes /debug/pprof and /metrics on addr until ctx ends.
func serveDebug(ctx context.Context, g *errgroup.Group, addr string, ka net.KeepAliveConfig, logger zerolog.Logger) error {
	http.Handle("/metrics", metrics.Handler())

	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	lc := net.ListenConfig{KeepAliveConfig: ka}
	debugLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
		_ = debugLn.Close()
	})

	g.Go(func() error {
		if err := debugSrv.Serve(debugLn); err != nil {
			return fmt.Errorf("debug serve: %w", err)
		}
		return nil
	})
	logger.Info().Str("addr", debugLn.Addr().String()).Msg("debug listening")
	return nil
}
