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

	evbus "github.com/asaskevich/EventBus"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/facefinder/internal/auth"
	"github.com/example/facefinder/internal/detectorclient"
	"github.com/example/facefinder/internal/handlers"
	"github.com/example/facefinder/internal/livefeed"
	"github.com/example/facefinder/internal/logging"
	"github.com/example/facefinder/internal/repository"
	"github.com/example/facefinder/internal/session"
	"github.com/example/facefinder/internal/upload"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	endpoints := detectorclient.Endpoints{
		BaseURL:    getEnv("DETECTOR_BASE_URL", "http://localhost:5000"),
		DetectPath: getEnv("DETECT_PATH", "/api/detect-faces"),
		StreamPath: getEnv("STREAM_PATH", "/video_feed"),
		StopPath:   getEnv("STOP_PATH", "/api/stop_camera"),
		HealthPath: getEnv("HEALTH_PATH", "/health"),
	}
	client := detectorclient.New(endpoints, logger)
	if err := client.Health(ctx); err != nil {
		logger.Warn("detection service is not healthy yet", zap.String("base_url", endpoints.BaseURL), zap.Error(err))
	}

	var (
		cache   upload.Cache
		history upload.History
		deps    handlers.Dependencies
	)

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		db := initDatabase(ctx, dsn, logger)
		repo := repository.NewDetectionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		history = repo
		deps.Metrics = repo
	} else {
		logger.Info("DATABASE_DSN not set, detection history disabled")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = upload.NewRedisCache(initRedis(redisCtx, addr, logger))
	} else {
		logger.Info("REDIS_ADDR not set, detection status cache disabled")
	}

	coordinator := upload.NewCoordinator(client, cache, history, logger)
	if cache != nil || history != nil {
		deps.Lookup = coordinator
	}

	bus := evbus.New()
	if err := bus.SubscribeAsync(session.TopicStateChanged, func(id string, s session.State) {
		logger.Info("session transition",
			zap.String("session_id", id),
			zap.Stringer("mode", s.Mode),
			zap.Bool("processing", s.Processing),
			zap.Bool("error", s.Error != ""))
	}, true); err != nil {
		logger.Fatal("failed to subscribe to session events", zap.Error(err))
	}

	camera := livefeed.NewController(client, logger)
	sessions := session.NewRegistry(func(id string) *session.Machine {
		return session.NewMachine(session.Config{
			ID:       id,
			Uploader: coordinator,
			LiveFeed: camera,
			Bus:      bus,
			Logger:   logger,
		})
	})
	defer sessions.Close()

	deps.Sessions = sessions
	deps.Streams = client
	deps.Logger = logger

	r := newRouter(deps, auth.Config{
		Secret:   getEnv("JWT_SECRET", "dev-secret"),
		Audience: os.Getenv("JWT_AUDIENCE"),
	})

	addr := getEnv("HTTP_ADDR", ":8080")
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	logger.Info("FaceFinder API listening", zap.String("addr", addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	bus.WaitAsync()
}

func newRouter(deps handlers.Dependencies, authCfg auth.Config) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, deps, auth.Middleware(authCfg))
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

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
