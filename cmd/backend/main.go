package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	audioimpl "github.com/foxseedlab/kikitori/external/audio"
	configloader "github.com/foxseedlab/kikitori/external/config"
	repositoryimpl "github.com/foxseedlab/kikitori/external/repository"
	transcriberimpl "github.com/foxseedlab/kikitori/external/transcriber"
	webhookimpl "github.com/foxseedlab/kikitori/external/webhook"
	"github.com/foxseedlab/kikitori/external/wsserver"
	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/ingest"
	"github.com/foxseedlab/kikitori/internal/notify"
	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/samber/do/v2"
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "audit_enabled", cfg.AuditEnabled())

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching ingest server")
	runServer(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	notify.RegisterDI(injector)
	session.RegisterDI(injector)
	ingest.RegisterDI(injector)
	wsserver.RegisterDI(injector)

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	server, err := do.Invoke[*wsserver.Server](injector)
	if err != nil {
		slog.Error("failed to resolve ingest server", "error", err)
		os.Exit(1)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-done:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	shutdown(ctx, injector, server)
}

// shutdown closes connections first so every open customer gets SESSION_END before the dispatcher drains.
func shutdown(ctx context.Context, injector do.Injector, server *wsserver.Server) {
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
	if err := do.MustInvoke[*ingest.Handler](injector).Wait(ctx); err != nil {
		slog.Error("connections did not close in time", "error", err)
	}
	if err := do.MustInvoke[*notify.Dispatcher](injector).Shutdown(ctx); err != nil {
		slog.Error("event dispatches did not finish in time", "error", err)
	}
	if err := do.MustInvoke[*session.Registry](injector).Close(ctx); err != nil {
		slog.Error("audit queue did not flush in time", "error", err)
	}
	if closer, ok := do.MustInvoke[repository.Repository](injector).(interface{ Close() }); ok {
		closer.Close()
	}
	slog.Info("shutdown complete")
}
