package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/medscan/internal/auth"
	"github.com/example/medscan/internal/config"
	"github.com/example/medscan/internal/grpcclient"
	"github.com/example/medscan/internal/handlers"
	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/prediction"
	"github.com/example/medscan/internal/preview"
	"github.com/example/medscan/internal/repository"
	"github.com/example/medscan/internal/session"
	"github.com/example/medscan/internal/usecase"
)

const sqlitePrefix = "sqlite://"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	var (
		previews preview.Store = preview.NewMemoryStore()
		cache    usecase.Cache = usecase.NopCache{}
	)
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()

		previews = preview.NewRedisStore(redisClient, cfg.PreviewTTL)
		cache = usecase.NewRedisCache(redisClient)
	}

	classifier, closeClassifier, err := initClassifier(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up prediction client", zap.Error(err))
	}
	defer closeClassifier()

	uc := usecase.NewAnalysisUseCase(repo, cache, logger)
	sessions := session.NewManager(classifier, previews, uc, session.Config{
		IdleTTL:        cfg.SessionIdleTTL,
		SweepInterval:  cfg.SessionSweep,
		RequestTimeout: cfg.PredictionTimeout,
	}, logger)

	r := handlers.NewRouter(handlers.RouterOptions{
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		StaticRoot:     cfg.StaticRoot,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Debug:          cfg.LogLevel == "debug",
	})
	h := handlers.NewHandler(sessions, previews, uc, cfg.MaxUploadBytes, logger)
	handlers.RegisterRoutes(r, h, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer stop()
		logger.Info("medscan API listening", zap.String("addr", cfg.Addr), zap.String("transport", cfg.PredictionTransport))
		return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	sessions.Shutdown(shutdownCtx)
	shutdownCancel()

	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(openDialector(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
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

// openDialector picks sqlite for "sqlite://path" DSNs and postgres otherwise.
func openDialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, sqlitePrefix) {
		return sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	}
	return postgres.Open(dsn)
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (prediction.Client, func(), error) {
	switch cfg.PredictionTransport {
	case config.TransportGRPC:
		client, conn, err := grpcclient.DialClassifier(ctx, cfg.PredictionGRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { conn.Close() }, nil
	case config.TransportHTTP:
		return prediction.NewHTTPClient(cfg.PredictionEndpoint, nil, logger), func() {}, nil
	default:
		return nil, nil, errors.New("unsupported prediction transport " + cfg.PredictionTransport)
	}
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
