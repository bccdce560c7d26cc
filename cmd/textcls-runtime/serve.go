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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/config"
	"github.com/apex-x/textcls-runtime/internal/service"
	"github.com/apex-x/textcls-runtime/internal/store"
)

type serveFlags struct {
	model          modelFlags
	addr           string
	maxBatchSize   int
	batchWindow    time.Duration
	queueSize      int
	predictTimeout time.Duration
	cache          bool
	store          bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the artifact and serve /ping and /invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd, os.Stdout, flags.model.apply(cmd), flags.apply(cmd))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	flags.model.register(cmd)
	cmd.Flags().StringVar(&flags.addr, "addr", "", "HTTP listen address")
	cmd.Flags().IntVar(&flags.maxBatchSize, "max-batch-size", 0, "maximum encodings per backend call")
	cmd.Flags().DurationVar(&flags.batchWindow, "batch-window", 0, "batch coalescing window")
	cmd.Flags().IntVar(&flags.queueSize, "queue-size", 0, "request queue size")
	cmd.Flags().DurationVar(&flags.predictTimeout, "predict-timeout", 0, "per-request predict timeout (0 disables)")
	cmd.Flags().BoolVar(&flags.cache, "cache", false, "enable the redis result cache")
	cmd.Flags().BoolVar(&flags.store, "store", false, "enable the postgres prediction log")
	return cmd
}

func (s *serveFlags) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Server.Addr = s.addr
		}
		if flags.Changed("max-batch-size") {
			cfg.Batch.MaxBatchSize = s.maxBatchSize
		}
		if flags.Changed("batch-window") {
			cfg.Batch.Window = s.batchWindow
		}
		if flags.Changed("queue-size") {
			cfg.Batch.QueueSize = s.queueSize
		}
		if flags.Changed("predict-timeout") {
			cfg.Batch.PredictTimeout = s.predictTimeout
		}
		if flags.Changed("cache") {
			cfg.Cache.Enabled = s.cache
		}
		if flags.Changed("store") {
			cfg.Store.Enabled = s.store
		}
	}
}

func runServe(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.Server.Mode)

	lifecycle, err := loadLifecycle(ctx, cfg, logger)
	if err != nil {
		return err
	}

	deps := make(map[string]service.Pinger)
	var cache service.ResultCache
	if cfg.Cache.Enabled {
		if redisCache := openCache(ctx, cfg, logger); redisCache != nil {
			defer redisCache.Close()
			cache = redisCache
			deps["cache"] = redisCache
		}
	}
	var recorder service.PredictionRecorder
	if cfg.Store.Enabled {
		if repo := openStore(cfg, logger); repo != nil {
			defer repo.Close()
			recorder = repo
			deps["store"] = repo
		}
	}

	httpService, err := service.NewHTTPService(lifecycle, service.HTTPServiceConfig{
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		BatchWindow:    cfg.Batch.Window,
		QueueSize:      cfg.Batch.QueueSize,
		PredictTimeout: cfg.Batch.PredictTimeout,
		MaxInputBytes:  cfg.Limits.MaxInputBytes,
		MaxTexts:       cfg.Limits.MaxTexts,
		Cache:          cache,
		Recorder:       recorder,
		Dependencies:   deps,
		Logger:         logger,
	})
	if err != nil {
		_ = lifecycle.Close()
		return fmt.Errorf("failed to create http service: %w", err)
	}
	defer func() {
		if closeErr := httpService.Close(); closeErr != nil {
			logger.Warn("service_shutdown_error", zap.Error(closeErr))
		}
	}()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           service.NewRouter(httpService, logger),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("runtime_server_start",
			zap.String("addr", cfg.Server.Addr),
			zap.Int("max_batch_size", cfg.Batch.MaxBatchSize),
			zap.Duration("batch_window", cfg.Batch.Window),
			zap.Int("queue_size", cfg.Batch.QueueSize),
			zap.Duration("predict_timeout", cfg.Batch.PredictTimeout),
			zap.Bool("cache", cache != nil),
			zap.Bool("store", recorder != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http serve failed: %w", err)
		}
	}

	logger.Info("runtime_server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_error", zap.Error(err))
	}
	return nil
}

// openCache returns nil when redis is unreachable; serving continues uncached.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) *service.RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	cache := service.NewRedisCache(client, cfg.Cache.TTL)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		logger.Warn("result_cache_unavailable", zap.String("addr", cfg.Cache.Addr), zap.Error(err))
		_ = cache.Close()
		return nil
	}
	return cache
}

// openStore returns nil when the database is unreachable; predictions are
// then not logged.
func openStore(cfg *config.Config, logger *zap.Logger) *store.PredictionRepository {
	db, err := store.Open(cfg.Store.DSN)
	if err != nil {
		logger.Warn("prediction_store_unavailable", zap.Error(err))
		return nil
	}
	return store.NewPredictionRepository(db)
}
