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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tirescan-service/internal/config"
	"tirescan-service/internal/db"
	"tirescan-service/internal/dispatch"
	handlers "tirescan-service/internal/http"
	"tirescan-service/internal/repository"
	"tirescan-service/internal/service"
	"tirescan-service/internal/status"
)

func main() {
	cfg, err := config.Load(os.Getenv("APP_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	if err := os.MkdirAll(cfg.Upload.Dir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Upload.Dir).Msg("failed to create upload directory")
	}

	gdb, err := db.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	repo := repository.NewSessionRepository(gdb)
	sessions := service.NewSessionService(repo, log.With().Str("component", "sessions").Logger())
	detector := service.NewOpenAIDetector(cfg.OpenAI.APIKey, cfg.OpenAI.Model, log.With().Str("component", "detector").Logger())
	transfer := service.NewSFTPTransferer(cfg.SFTP, log.With().Str("component", "transfer").Logger())
	bus := status.NewBus(cfg.Stream.Buffer, log.With().Str("component", "status").Logger())
	pipeline := service.NewPipeline(detector, transfer, sessions, bus, cfg.SFTP.BasePath, log.With().Str("component", "pipeline").Logger())

	dispatcher := dispatch.New(func(ctx context.Context, task dispatch.Task) {
		pipeline.Run(ctx, task.ArtifactPath, task.SessionID, task.Kind)
	}, cfg.Pipeline.MaxWorkers, cfg.Pipeline.QueueSize, log.With().Str("component", "dispatch").Logger())

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	handler := handlers.NewHandler(sessions, dispatcher, bus, cfg, log.With().Str("component", "http").Logger())
	handler.Register(router, handlers.JWTAuthMiddleware(cfg.Auth.JWTSecret, log))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	dispatcher.Close()
	log.Info().Msg("stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
