package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/api"
)

const shutdownTimeout = 10 * time.Second

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var addr, rulesPath string
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides ACTORCORE_HTTP_ADDR)")
	cmd.StringVar(&rulesPath, "rules", "", "Rules document (overrides ACTORCORE_RULES_FILE)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(rulesPath, stderr)
	if !ok {
		return 2
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "actorcore %s listening on %s\n", version, ln.Addr())
	if err := serve(ctx, a, ln); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// serve runs the HTTP API on ln until ctx is done, then drains in-flight
// requests.
func serve(ctx context.Context, a *app, ln net.Listener) error {
	srv := api.NewServer(a.agg,
		api.WithServerLogger(a.logger),
		api.WithRateLimiter(api.NewRateLimiter(a.cfg.RateLimit, a.cfg.RateBurst)),
	)
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	a.logger.InfoContext(ctx, "http server started", "addr", ln.Addr().String(), "cache_layers", a.layers)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
