package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"genforge/internal/domain"
	"genforge/internal/http/handlers"
	httpapi "genforge/internal/http/httpapi"
	"genforge/internal/infra"
	"genforge/internal/ledger"
	"genforge/internal/limiter"
	"genforge/internal/orchestrator"
	"genforge/internal/progress"
	"genforge/internal/provider/streaming"
	"genforge/internal/provider/taskpoll"
	"genforge/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Postgres is optional: without DATABASE_URL everything runs in memory,
	// which is only acceptable for development.
	var (
		jobStore     domain.JobStore
		creditLedger domain.CreditLedger
	)
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		jobStore = store.NewPostgres(dbpool)
		creditLedger = ledger.NewPostgres(dbpool)
		logger.Info().Msg("using postgres persistence")
	} else {
		jobStore = store.NewMemory()
		creditLedger = ledger.NewMemory()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory persistence")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	publisher := progress.NewPublisher(&logger, redisClient)

	routes := map[domain.JobKind]orchestrator.Route{
		domain.JobKindTextGenerate: {
			Provider: cfg.TextProvider.Name,
			Cost:     cfg.TextCost,
			Streamer: streaming.NewClient(streaming.Options{
				Provider: cfg.TextProvider.Name,
				BaseURL:  cfg.TextProvider.BaseURL,
				APIKey:   cfg.TextProvider.APIKey,
				Logger:   &logger,
			}),
		},
		domain.JobKindAppGenerate: {
			Provider: cfg.AppProvider.Name,
			Cost:     cfg.AppCost,
			Streamer: streaming.NewClient(streaming.Options{
				Provider: cfg.AppProvider.Name,
				BaseURL:  cfg.AppProvider.BaseURL,
				APIKey:   cfg.AppProvider.APIKey,
				Logger:   &logger,
			}),
		},
		domain.JobKindImageGenerate: {
			Provider: cfg.ImageProvider.Name,
			Cost:     cfg.ImageCost,
			TaskRunner: taskpoll.NewClient(taskpoll.Options{
				Provider:    cfg.ImageProvider.Name,
				BaseURL:     cfg.ImageProvider.BaseURL,
				APIKey:      cfg.ImageProvider.APIKey,
				Interval:    cfg.ImageProvider.PollInterval,
				MaxAttempts: cfg.ImageProvider.PollAttempts,
				Logger:      &logger,
			}),
		},
	}

	orc, err := orchestrator.New(orchestrator.Options{
		Store:           jobStore,
		Ledger:          creditLedger,
		Publisher:       publisher,
		Limiter:         limiter.NewPerUser(cfg.ConcurrencyPerUser),
		Routes:          routes,
		Logger:          &logger,
		FallbackEnabled: cfg.FallbackEnabled,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build orchestrator")
	}

	app := handlers.NewApp(orc, jobStore, creditLedger, publisher, logger)
	router := httpapi.NewRouter(app, cfg, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := orc.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("jobs still running at shutdown")
	}
	logger.Info().Msg("server stopped")
}
