package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"plate-alert-service/internal/cache"
	"plate-alert-service/internal/config"
	"plate-alert-service/internal/db"
	httphandler "plate-alert-service/internal/http"
	"plate-alert-service/internal/logger"
	"plate-alert-service/internal/matching"
	"plate-alert-service/internal/notify"
	"plate-alert-service/internal/pipeline"
	"plate-alert-service/internal/recognition"
	"plate-alert-service/internal/repository"
)

func main() {
	cfg, err := config.Load(os.Getenv("PLATEALERT_CONFIG_DIR"))
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.LogLevel)

	gdb, err := db.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	repo := repository.New(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := matching.NewEngine(
		cfg.Detection.SimilarityThreshold,
		cfg.Detection.ConfidenceThreshold,
		cfg.Detection.MatchLowConfidence,
		repo,
		log,
	)
	if err := engine.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial corpus load failed, starting empty")
	}
	engine.StartRefresh(ctx, cfg.Detection.PlateRefreshInterval())

	providers := make([]recognition.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, recognition.NewHTTPProvider(
			p.Name, p.URL, p.APIKey, time.Duration(p.TimeoutSeconds)*time.Second,
		))
	}
	recognizer := recognition.NewClient(
		providers,
		cfg.Detection.MaxDetectionRetries,
		cfg.Detection.ConfidenceThreshold,
		log,
	)

	gateway := notify.NewHTTPGateway(
		cfg.SMS.URL, cfg.SMS.APIKey, cfg.SMS.Sender,
		time.Duration(cfg.SMS.TimeoutSeconds)*time.Second,
	)
	dispatcher := notify.NewDispatcher(gateway, repo, cfg.SMS.RetryAttempts, cfg.SMS.Cooldown(), log)

	fpCache := cache.New(cfg.Detection.CacheCapacity, cfg.Detection.CacheTTL())

	orchestrator := pipeline.NewOrchestrator(
		cfg.Detection, recognizer, engine, dispatcher, repo, fpCache, log,
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.HTTP.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.HTTP.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	handler := httphandler.NewHandler(orchestrator, repo, log)
	handler.Register(router, httphandler.AuthMiddleware(cfg.Auth.JWTSecret))

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("starting plate alert service")
	if err := router.Run(cfg.HTTP.Addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
