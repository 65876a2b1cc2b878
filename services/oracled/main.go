package oracled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"chainscore/observability/logging"
	telemetry "chainscore/observability/otel"
)

// Listen opens the API listener, capping concurrent connections at
// cfg.MaxConnections.
func Listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	return ln, nil
}

// Main runs the oracle ledger daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/oracled/config.yaml", "path to oracled config")
	flag.Parse()

	cfg, err := Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("CHAINSCORE_ENV"))
	logger := logging.Setup("oracled", env, logging.Options{Level: cfg.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "oracled",
		Environment: env,
		Insecure:    true,
		Metrics:     true,
		Traces:      true,
	}.FromEnv())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	svc, err := NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer svc.Close()

	httpServer := &http.Server{
		Handler:      otelhttp.NewHandler(svc.Handler, "oracled"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go svc.RunWorkers(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("oracled listening",
			slog.String("listen", cfg.ListenAddress),
			slog.Int("max_connections", cfg.MaxConnections),
			slog.String("vault", svc.Engine.Vault().Hex()),
			slog.Int("specs", len(svc.Schedule.Specs())),
			slog.String("outbox", cfg.Outbox.Driver),
			slog.String("outbox_dsn", logging.MaskDSN(cfg.Outbox.DSN)))
		ln, err := Listen(cfg)
		if err != nil {
			errs <- err
			return
		}
		errs <- httpServer.Serve(ln)
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
