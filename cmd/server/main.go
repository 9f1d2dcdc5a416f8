package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playout-engine/internal/amcp"
	"playout-engine/internal/orchestrator"
	"playout-engine/internal/platform/config"
	"playout-engine/internal/platform/logger"
	"playout-engine/internal/platform/metrics"
	"playout-engine/internal/rundown"
	"playout-engine/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	client := amcp.NewClient(cfg.PlayoutAddr(), amcp.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		ListTimeout:    cfg.ListTimeout,
		Logger:         logger.Component(log, "amcp"),
		Metrics:        met,
	})

	repo := rundown.NewInMemoryRepository()
	if cfg.RundownFile != "" {
		rs, err := rundown.LoadFile(cfg.RundownFile)
		if err != nil {
			return fmt.Errorf("load rundowns: %w", err)
		}
		if err := repo.Replace(rs); err != nil {
			return fmt.Errorf("load rundowns: %w", err)
		}
		repo.OnChange(func() {
			if err := rundown.SaveFile(cfg.RundownFile, repo.Snapshot()); err != nil {
				log.Error("rundown save failed", "path", cfg.RundownFile, "error", err)
			}
		})
	}

	sched := scheduler.New(client, repo, scheduler.Options{
		TickInterval: cfg.TickInterval,
		AutoChain:    cfg.AutoChain,
		Logger:       logger.Component(log, "scheduler"),
		Metrics:      met,
	})

	svc := orchestrator.NewService(repo, sched, client, logger.Component(log, "service"))
	h := orchestrator.NewHandler(svc, logger.Component(log, "http"), orchestrator.HandlerOptions{
		IntentLimit:   cfg.IntentRateLimit,
		StreamOrigins: cfg.StreamOrigins,
	})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetConnected(client.Health() == amcp.Connected)
			met.SetActiveLayers(len(sched.Snapshot().Layers))
		}).ServeHTTP(w, r)
	})
	h.Register(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.RundownFile != "" {
		g.Go(func() error {
			return rundown.Watch(gctx, cfg.RundownFile, logger.Component(log, "rundown"), func(rs []*rundown.Rundown) {
				if err := repo.Replace(rs); err != nil {
					log.Warn("rundown reload rejected", "path", cfg.RundownFile, "error", err)
					return
				}
				log.Info("rundowns reloaded", "path", cfg.RundownFile, "rundowns", len(rs))
			})
		})
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	log.Info("server starting",
		"port", cfg.Port,
		"playout_addr", cfg.PlayoutAddr(),
		"tick_interval", cfg.TickInterval.String(),
		"auto_chain", cfg.AutoChain,
		"rundown_file", cfg.RundownFile,
		"log_level", cfg.LogLevel,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
