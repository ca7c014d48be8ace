// Command sessioncore is the entry point for the session orchestration
// engine: it wires configuration, providers, and the supervisor tree, then
// serves the ChannelGateway's websocket endpoint until told to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/reelnotes/sessioncore/internal/config"
	"github.com/reelnotes/sessioncore/internal/gateway"
	"github.com/reelnotes/sessioncore/internal/gateway/adminws"
	"github.com/reelnotes/sessioncore/internal/observe"
	"github.com/reelnotes/sessioncore/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sessioncore: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sessioncore: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sessioncore starting",
		"config", *configPath,
		"listen_addr", cfg.Gateway.ListenAddr,
		"metrics_addr", cfg.Server.MetricsAddr,
		"log_level", cfg.Server.LogLevel,
	)

	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "sessioncore",
		ServiceVersion: "dev",
	})
	if err != nil {
		slog.Error("failed to init telemetry provider", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to build metrics instruments", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	config.RegisterBuiltinProviders(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree, err := supervisor.New(ctx, cfg, reg, metrics, logger)
	if err != nil {
		slog.Error("failed to wire supervisor tree", "err", err)
		return 1
	}

	gw := gateway.New(gateway.Config{
		RateLimitRPS:   cfg.Gateway.RateLimitRPS,
		RateLimitBurst: cfg.Gateway.RateLimitBurst,
	}, tree.Sessions, tree.Bus, tree.Notes, metrics, logger)

	mainSrv := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: observe.Middleware(metrics)(gw.Router(nil)),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metricsMux,
	}

	adminHub := adminws.New(logger)
	var adminSrv *http.Server
	if cfg.Gateway.AdminListenAddr != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("/ws", adminHub.HandleWS)
		adminSrv = &http.Server{
			Addr:    cfg.Gateway.AdminListenAddr,
			Handler: adminMux,
		}
	}

	errCh := make(chan error, 4)
	go func() { errCh <- runHTTP(mainSrv, "gateway") }()
	go func() { errCh <- runHTTP(metricsSrv, "metrics") }()
	if adminSrv != nil {
		go func() { errCh <- runHTTP(adminSrv, "adminws") }()
	}
	go adminHub.Run(ctx)
	go publishAdminSnapshots(ctx, adminHub, tree)

	go func() {
		if err := tree.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("supervisor run: %w", err)
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("fatal server error", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	_ = mainSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	if err := tree.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runHTTP serves srv until it errors or is shut down, returning nil on the
// expected http.ErrServerClosed.
func runHTTP(srv *http.Server, name string) error {
	slog.Info("http server listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// publishAdminSnapshots pushes a point-in-time supervisor snapshot to the
// admin dashboard hub every few seconds until ctx is cancelled.
func publishAdminSnapshots(ctx context.Context, hub *adminws.Hub, tree *supervisor.Tree) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Publish(adminws.Snapshot{
				ActiveSessions: tree.Sessions.Count(),
			})
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
