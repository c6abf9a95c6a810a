// Command portal runs the inference server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/portal-engine/internal/assets"
	"github.com/nmxmxh/portal-engine/internal/backend"
	"github.com/nmxmxh/portal-engine/internal/cache"
	"github.com/nmxmxh/portal-engine/internal/config"
	"github.com/nmxmxh/portal-engine/internal/engine"
	"github.com/nmxmxh/portal-engine/internal/gate"
	"github.com/nmxmxh/portal-engine/internal/media"
	"github.com/nmxmxh/portal-engine/internal/server"
	"github.com/nmxmxh/portal-engine/internal/server/handlers"
	"github.com/nmxmxh/portal-engine/internal/store"
	"github.com/nmxmxh/portal-engine/internal/watchdog"
	"github.com/nmxmxh/portal-engine/pkg/logger"
	"github.com/nmxmxh/portal-engine/pkg/metrics"
	"github.com/nmxmxh/portal-engine/pkg/redis"
	"github.com/nmxmxh/portal-engine/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "portal: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.Env,
		LogLevel:    cfg.LogLevel,
		ServiceName: "portal-engine",
	})
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	var mirror cache.Mirror
	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			log.Warn("Redis unavailable, predictions stay in memory", zap.Error(err))
		} else {
			defer client.Close()
			mirror = redis.NewPredictionMirror(client, cfg.RedisTTL)
			log.Info("Prediction mirror enabled", zap.String("addr", cfg.RedisAddr))
		}
	}

	factory := backend.NewFactory(backend.Config{
		ModelDir: cfg.ModelDir,
		HubURL:   cfg.HubURL,
		Runner:   cfg.RunnerCommand,
		Timeout:  cfg.EndpointTimeout,
	}, logger.Named(log, "backend"), nil)

	st := store.New(logger.Named(log, "store"), factory,
		cache.New(logger.Named(log, "cache"), mirror),
		assets.NewTracker(),
		store.Options{Path: cfg.CacheFile(), Persist: cfg.CacheEnabled, LoadLimit: cfg.ModelLoadLimit},
	)
	defer st.Close()

	pool := utils.NewWorkerPool("inference", 1)
	pool.Start()
	defer pool.Stop()

	eng := engine.New(logger.Named(log, "engine"), st, gate.New(logger.Named(log, "gate")), pool,
		media.NewVideo(cfg.FFmpegBin, cfg.FFprobeBin, logger.Named(log, "media")))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var watcher *assets.Watcher
	if cfg.AssetWatch {
		w, err := assets.NewWatcher(logger.Named(log, "assets"), st.Assets(), func() {
			if err := st.Save(); err != nil {
				log.Error("Failed to persist synced assets", zap.Error(err))
			}
		})
		if err != nil {
			log.Warn("Asset watcher disabled", zap.Error(err))
		} else {
			watcher = w
			defer watcher.Close()
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	deps := &handlers.Deps{
		Log:         logger.Named(log, "http"),
		Engine:      eng,
		GPUFlagPath: cfg.GPUFlagPath,
		Shutdown:    cancel,
		OnFoldersChanged: func() {
			if watcher != nil {
				watcher.Refresh()
			}
		},
	}
	srv := server.NewHTTPServer(cfg.HTTPAddr, log, server.NewHandler(deps))
	serve(ctx, g, log, srv, "api")

	if cfg.MetricsAddr != "" {
		serve(ctx, g, log, metrics.NewServer(cfg.MetricsAddr), "metrics")
	}

	idle := watchdog.New(logger.Named(log, "watchdog"), st, eng.Gate(),
		time.Duration(cfg.IdleMinutes)*time.Minute, cfg.IdleCheckSpec, cancel)
	g.Go(func() error { return idle.Run(ctx) })

	return g.Wait()
}

// serve runs srv until ctx is done and then shuts it down gracefully.
func serve(ctx context.Context, g *errgroup.Group, log *zap.Logger, srv *http.Server, name string) {
	g.Go(func() error {
		log.Info("Starting HTTP server", zap.String("server", name), zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown failed", zap.String("server", name), zap.Error(err))
		}
		return nil
	})
}
