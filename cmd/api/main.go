package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"claimdesk/api/internal/app"
	"claimdesk/api/internal/audit"
	"claimdesk/api/internal/config"
	"claimdesk/api/internal/notify"
	"claimdesk/api/internal/realtime"
	"claimdesk/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("claimdesk api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
		return err
	}
	dataStore := store.NewSQLStore(db, cfg.DatabaseDriver)

	var bus interface {
		notify.Bus
		Close() error
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis event bus")
		redisBus, err := notify.NewRedisBus(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		bus = redisBus
	} else {
		logger.Info("using in-process event bus")
		bus = notify.NewMemoryBus()
	}
	defer bus.Close()

	var sink interface {
		audit.Sink
		Wait()
	}
	if cfg.AuditAsync && strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := audit.NewQueueClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		worker, err := audit.NewWorker(cfg.RedisURL, dataStore, 4, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("audit worker stopped", "error", err)
			}
		}()
		sink = audit.NewQueueSink(client, cfg.StoreTimeout, logger)
	} else {
		if cfg.AuditAsync {
			logger.Warn("CLAIMDESK_AUDIT_ASYNC needs REDIS_URL; writing audit entries directly")
		}
		sink = audit.NewStoreSink(dataStore, cfg.StoreTimeout, logger)
	}
	defer sink.Wait()

	service := app.New(cfg, dataStore, bus, sink, logger)
	hub := realtime.NewHub()
	httpServer := app.NewHTTPServer(service, []byte(cfg.JWTSecret), cfg.CORSOrigin, hub, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("claimdesk api listening", "addr", cfg.Addr, "driver", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}
