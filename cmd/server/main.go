// Package main runs the live test monitor: backend socket channels, the
// operator HTTP API and the dashboard WebSocket stream.
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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aitestlab/monitor/config"
	"github.com/aitestlab/monitor/internal/api"
	"github.com/aitestlab/monitor/internal/attendance"
	"github.com/aitestlab/monitor/internal/auth"
	"github.com/aitestlab/monitor/internal/generate"
	"github.com/aitestlab/monitor/internal/middleware"
	"github.com/aitestlab/monitor/internal/monitor"
	"github.com/aitestlab/monitor/internal/realtime"
	"github.com/aitestlab/monitor/internal/transport"
	"github.com/aitestlab/monitor/pkg/database"
	"github.com/aitestlab/monitor/pkg/redis"
	"github.com/aitestlab/monitor/pkg/response"
	"github.com/aitestlab/monitor/pkg/storage"
)

const (
	operatorTokenExpiry = 12 * time.Hour
	shutdownTimeout     = 15 * time.Second
)

func main() {
	logger := newLogger()
	if err := run(logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("server stopped")
	_ = logger.Sync()
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	// Backend credentials
	tokens := auth.NewTokenStore(storage.NewRedisStore(rdb.Client, cfg.Storage.Prefix, logger), logger)
	backend := api.NewClient(cfg.Backend.APIURL, tokens, nil, logger.Named("api"))
	backend.OnAuthFailure(func() {
		logger.Warn("backend session expired, log in again to resume monitoring")
	})
	if !tokens.IsAuthenticated(ctx) {
		logger.Warn("no valid backend access token stored; socket channels connect anonymously")
	}

	// Backend socket channels
	registry := transport.NewRegistry(transport.Options{
		BaseURL:           cfg.Backend.SocketURL,
		Token:             func() string { return tokens.AccessToken(context.Background()) },
		ReconnectAttempts: cfg.Socket.ReconnectAttempts,
		ReconnectDelay:    cfg.Socket.ReconnectDelay,
	}, logger.Named("transport"))
	defer registry.CloseAll()

	// Dashboard fan-out
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Attendance
	attendanceRepo := attendance.NewRepository(pool)
	recorder := attendance.NewRecorder(attendanceRepo, logger)
	attendanceHandler := attendance.NewHandler(attendanceRepo)

	// Monitor sessions
	manager := monitor.NewManager(registry, cfg.Monitor.StartTimeout, hub, recorder, logger.Named("monitor"))
	defer manager.CloseAll()
	hub.SetSnapshotFunc(func(testID string) (string, interface{}, bool) {
		s, err := manager.Get(testID)
		if err != nil {
			return "", nil, false
		}
		return monitor.EventParticipants, s.State(""), true
	})
	monitorHandler := monitor.NewHandler(manager, backend)

	// Test generation
	generator := generate.NewGenerator(registry, cfg.Monitor.GenerateTimeout, logger.Named("generate"))
	defer generator.Close()

	var validate realtime.TokenValidator
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok"})
	})

	operator := router.Group("")
	if cfg.JWT.Secret != "" {
		jwtService := auth.NewJWTService(cfg.JWT.Secret, operatorTokenExpiry)
		validate = middleware.TokenValidator(jwtService)
		operator.Use(middleware.JWT(jwtService), middleware.RequireRole(cfg.JWT.Roles...))
	} else {
		logger.Warn("JWT_SECRET not set, operator API is unauthenticated")
	}
	monitorHandler.Register(operator)
	operator.GET("/monitor/tests/:testId/attendance", attendanceHandler.List)
	api.NewHandler(backend, tokens).Register(operator)
	generate.NewHandler(generator).Register(operator)

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, manager, validate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recorder.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		manager.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
