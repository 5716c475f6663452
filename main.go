package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/hair-overlay/internal/auth"
	"github.com/example/hair-overlay/internal/config"
	"github.com/example/hair-overlay/internal/detector"
	"github.com/example/hair-overlay/internal/grpcclient"
	"github.com/example/hair-overlay/internal/handlers"
	"github.com/example/hair-overlay/internal/landmark"
	"github.com/example/hair-overlay/internal/logging"
	"github.com/example/hair-overlay/internal/overlay"
	"github.com/example/hair-overlay/internal/render"
	"github.com/example/hair-overlay/internal/repository"
	"github.com/example/hair-overlay/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewSnapshotRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	cache := initCache(redisCtx, cfg, logger)

	var det detector.Client
	if cfg.DetectorAddr != "" {
		client, conn, err := grpcclient.DialLandmarkDetector(ctx, cfg.DetectorAddr, cfg.DetectorTimeout, logger)
		if err != nil {
			logger.Fatal("failed to connect to landmark detector", zap.Error(err))
		}
		defer conn.Close()
		det = client
	} else {
		logger.Info("no landmark detector configured, clients must send landmarks")
	}

	catalog, err := overlay.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("failed to load style catalog", zap.Error(err), zap.String("path", cfg.CatalogPath))
	}
	library, err := overlay.LoadLibrary(ctx, os.DirFS(cfg.AssetDir), catalog, logger)
	if err != nil {
		logger.Fatal("failed to load overlay assets", zap.Error(err), zap.String("dir", cfg.AssetDir))
	}

	compositor := render.NewCompositor(landmark.NewMapper(cfg.Topology, cfg.UpwardBias), cfg.SurfaceWidth, cfg.SurfaceHeight)
	uc := usecase.NewOverlayUseCase(repo, cache, det, library, compositor, logger, usecase.Options{
		DefaultOpacity: cfg.DefaultOpacity,
		StateTTL:       cfg.StateTTL,
		MaxSurfaces:    cfg.MaxSurfaces,
		MaxFramePixels: int64(cfg.MaxFramePixels),
	})

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	limiter := handlers.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, logger)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newRouter(uc, authMiddleware, limiter, logger),
	}

	logger.Info("overlay service listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Int("styles", len(catalog.Styles)),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(uc *usecase.OverlayUseCase, authMiddleware gin.HandlerFunc, limiter *handlers.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, authMiddleware, limiter, logger)
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initCache returns Redis when configured, otherwise an in-process cache.
func initCache(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) usecase.Cache {
	if cfg.RedisAddr == "" {
		zapLogger.Info("REDIS_ADDR not set, keeping render state in memory")
		return usecase.NewMemoryCache()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
