package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"

	"github.com/botwall/botwall/adapters/events"
	"github.com/botwall/botwall/adapters/signer"
	"github.com/botwall/botwall/adapters/store"
	"github.com/botwall/botwall/config"
	"github.com/botwall/botwall/httpsig"
	"github.com/botwall/botwall/ports"
	"github.com/botwall/botwall/service"
	"github.com/botwall/botwall/transport/http"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(opts)

	var publisher ports.EventPublisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		redisPublisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			watermill.NewSlogLogger(logger),
		)
		if err != nil {
			logger.Error("failed to create Redis publisher", "error", err)
			os.Exit(1)
		}
		publisher = events.NewWatermillPublisher(redisPublisher)
	}

	ttlStore := store.NewRedisStoreWithClient(redisClient)
	credSigner := signer.NewJWTSigner([]byte(cfg.Auth.SigningSecret))
	verifier := httpsig.NewVerifier()

	challenges := service.NewChallengeService(ttlStore, logger)
	tokens := service.NewTokenService(ttlStore, credSigner, publisher, logger)
	limiter := service.NewRateLimiter(ttlStore, logger)
	agents := service.NewAgentService(ttlStore, verifier, publisher, logger)

	router := http.SetupRouter(challenges, tokens, agents, limiter, cfg.RateLimit.ChallengesPerHour)

	logger.Info("starting server", "addr", cfg.Server.Addr)
	if err := router.Run(cfg.Server.Addr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
