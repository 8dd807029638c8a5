package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"auction-engine/internal/api"
	"auction-engine/internal/config"
	"auction-engine/internal/db"
	"auction-engine/internal/engine"
	"auction-engine/internal/events"
	"auction-engine/internal/logging"
	"auction-engine/internal/metrics"
	"auction-engine/internal/redisstream"
	"auction-engine/internal/store"
	"auction-engine/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "auction-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	var st store.Store
	switch cfg.Store {
	case "memory":
		st = store.NewMemory()
		log.Warn("using in-memory store, state is lost on exit")
	default:
		pg, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer pg.Close()
		log.Info("connected to database")
		if err := pg.Migrate(cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
		st = pg
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Event fan-out
	hub := ws.NewHub(log.Named("ws"))
	sinks := []events.Sink{hub, events.LogSink{Log: log.Named("events")}}
	if cfg.RedisURL != "" {
		rs, err := redisstream.New(ctx, redisstream.Config{URL: cfg.RedisURL, Stream: cfg.RedisStream})
		if err != nil {
			return err
		}
		defer rs.Close()
		sinks = append(sinks, rs)
		log.Info("redis stream sink enabled", zap.String("stream", cfg.RedisStream))
	}
	dispatcher := events.NewDispatcher(log.Named("dispatcher"), m, cfg.EventBuffer, sinks...)
	go dispatcher.Run()

	// Engine
	mgr := engine.NewManager(engine.Deps{
		Store:     st,
		Publisher: dispatcher,
		Log:       log.Named("engine"),
		Metrics:   m,
	}, cfg.Engine())
	if err := mgr.Boot(ctx); err != nil {
		return fmt.Errorf("engine boot: %w", err)
	}
	go mgr.Scheduler().Run(ctx)

	// HTTP
	srv := api.NewServer(mgr, hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), cfg.JWTSecret, log.Named("api"))
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("dispatcher shutdown", zap.Error(err))
	}
	return nil
}
