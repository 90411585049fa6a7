// Package main runs the video-session coordinator HTTP server with WebSocket
// and graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/focuscall/backend/config"
	"github.com/focuscall/backend/internal/analysis"
	"github.com/focuscall/backend/internal/attention"
	"github.com/focuscall/backend/internal/auth"
	"github.com/focuscall/backend/internal/middleware"
	"github.com/focuscall/backend/internal/realtime"
	"github.com/focuscall/backend/internal/worker"
	"github.com/focuscall/backend/pkg/database"
	"github.com/focuscall/backend/pkg/queue"
	"github.com/focuscall/backend/pkg/redis"
	"github.com/focuscall/backend/pkg/response"
	"github.com/focuscall/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.ReportsBucket != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ReportsBucket:        cfg.AWS.ReportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	registry := realtime.NewRegistry(pubsub, logger)
	if _, err := pubsub.SubscribePresence(func(event string, payload []byte) {
		registry.Broadcast(event, json.RawMessage(payload), "")
	}); err != nil {
		logger.Warn("presence subscribe failed", zap.Error(err))
	}

	engine := analysis.NewEngine(cfg.Analysis.EngineURL,
		time.Duration(cfg.Analysis.DialTimeoutSec)*time.Second, logger)

	// Attention sessions
	attRepo := attention.NewRepository(pool)
	aggregator := attention.NewAggregator(attRepo, cfg.Session.StaleAfter, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	if s3Client != nil {
		aggregator.SetFinalizedHook(func(sessionID, roomID string) {
			hookCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := jobQueue.EnqueueReportExport(hookCtx, queue.ReportExportPayload{
				SessionID: sessionID,
				RoomID:    roomID,
			}); err != nil {
				logger.Warn("enqueue report export failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		})
	}

	rooms := realtime.NewRoomManager(engineAdapter{engine}, registry, aggregator, pubsub, pubsub, cfg.Rooms.MaxMembers, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Reports
	var archive attention.ReportArchive
	if s3Client != nil {
		archive = s3Client
	}
	reportHandler := attention.NewHandler(aggregator, attRepo, archive, logger)

	// Realtime HTTP views
	realtimeHandler := realtime.NewHandler(registry, rooms, cfg.WebRTC.ICEUrls)

	exporter := worker.NewReportExporter(attRepo, s3Client, jobQueue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	startedAt := time.Now()
	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{
			"status":          "ok",
			"uptime_seconds":  int(time.Since(startedAt).Seconds()),
			"active_rooms":    len(rooms.ListRooms()),
			"connections":     registry.Count(),
			"analysis_engine": engine.Enabled(),
		})
	})

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/users", authHandler.List)

		api.GET("/rooms", realtimeHandler.ListRooms)
		api.POST("/rooms", realtimeHandler.CreateRoom)
		api.GET("/rooms/:id", realtimeHandler.GetRoom)
		api.GET("/presence", realtimeHandler.Presence)
		api.GET("/webrtc/config", realtimeHandler.WebRTCConfig)

		api.GET("/reports/sessions/active", reportHandler.ListActive)
		api.GET("/reports/sessions/:id", reportHandler.GetSession)
		api.POST("/reports/sessions/:id/end", reportHandler.EndSession)
		api.GET("/reports/sessions/:id/download", reportHandler.DownloadReport)
		api.GET("/reports/rooms/:roomId", reportHandler.ListByRoom)
		api.GET("/reports/me", reportHandler.MyReports)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(registry, rooms, jwtService, authRepo, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (report archival to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go exporter.Run(workerCtx)
		logger.Info("report worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// engineAdapter exposes *analysis.Engine through the realtime interfaces. A
// failed open returns a nil interface, not a typed nil.
type engineAdapter struct {
	engine *analysis.Engine
}

func (a engineAdapter) Enabled() bool { return a.engine.Enabled() }

func (a engineAdapter) Open(ctx context.Context, onScore func(analysis.ScoreResult)) (realtime.AnalysisSession, error) {
	bridge, err := a.engine.Open(ctx, onScore)
	if err != nil {
		return nil, err
	}
	return bridge, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
