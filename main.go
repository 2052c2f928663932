package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"datastory/internal/api"
	"datastory/internal/capability"
	"datastory/internal/config"
	"datastory/internal/dataset"
	"datastory/internal/engine"
	"datastory/internal/logger"
	"datastory/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// .env is optional in deployed environments
		logger.Debug().Err(err).Msg("no .env file loaded")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize logger")
	}

	ctx := context.Background()

	if cfg.LLM.APIKey == "" {
		logger.Fatal().Msg("LLM_API_KEY environment variable is required")
	}

	datasets, err := dataset.NewStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open dataset store")
	}
	defer datasets.Close()

	var sessions storage.SessionStore
	if cfg.Storage.RedisURL != "" {
		redisStore, err := storage.NewRedisSessionStore(ctx, cfg.Storage.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect session store")
		}
		defer redisStore.Close()
		sessions = redisStore
		logger.Info().Msg("using Redis session store")
	} else {
		sessions = storage.NewMemorySessionStore()
		logger.Info().Msg("using in-memory session store")
	}

	llmConfig := config.BuildLLMConfig(cfg)
	research, err := capability.NewResearch(ctx, llmConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create research capability")
	}
	analyst, err := capability.NewAnalyst(ctx, llmConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create analyst capability")
	}
	narrator, err := capability.NewNarrator(ctx, llmConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create narrator capability")
	}

	eng := engine.New(engine.Options{
		Sessions:    sessions,
		Datasets:    datasets,
		Research:    research,
		Profile:     capability.NewProfiler(datasets),
		Analyze:     analyst,
		Narrate:     narrator,
		CallTimeout: cfg.Workflow.CallTimeout(),
		RetryDelay:  cfg.Workflow.RetryDelay(),
		EventBuffer: cfg.Workflow.EventBuffer,
	})

	server := api.NewServer(eng, sessions, datasets)

	logger.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
	if err := http.ListenAndServe(cfg.Server.Addr, server.Routes()); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
