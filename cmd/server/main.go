package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/app"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/config"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/logging"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start import service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	server := web.NewServer(a.Service, cfg.Server, cfg.Rate, a.Health)

	// Background workers stop with jobCtx; running jobs pause on cancel.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	if cfg.Server.RunWorkers {
		go a.Service.StartDispatcher(jobCtx)
		go a.Service.StartStaleMonitor(jobCtx)
	} else {
		slog.Info("import workers disabled, serving API only")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		workers := a.Service.Limiter().Status()
		if workers.Active > 0 {
			slog.Info("pausing running imports", "active", workers.Active)
		}
		if err := a.Service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("imports did not pause in time", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}
