package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	linkd "github.com/clinio/linkd"
	echoapi "github.com/clinio/linkd/api/echo"
	"github.com/clinio/linkd/cache"
	redicache "github.com/clinio/linkd/cache/redis"
	"github.com/clinio/linkd/config"
	"github.com/clinio/linkd/domain"
	"github.com/clinio/linkd/idp"
	"github.com/clinio/linkd/inmem"
	"github.com/clinio/linkd/metrics"
	"github.com/clinio/linkd/mongodb"
	"github.com/clinio/linkd/transporthttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	initLogger(cfg)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("storage", cfg.Storage).
		Dur("pairing_ttl", cfg.PairingTTL()).
		Dur("health_interval", cfg.HealthInterval()).
		Msg("Starting linkd server")

	ctx := context.Background()

	sessionRepo, credRepo, shutdownStorage, err := buildStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	tokenCache := buildTokenCache(cfg)

	dispatcher := linkd.NewDispatcher(buildNotifiers(cfg)...)

	var transport linkd.Transport
	if cfg.TransportURL != "" {
		transport = transporthttp.NewClient(cfg.TransportURL, &http.Client{Timeout: cfg.TransportTimeout()})
	} else {
		log.Warn().Msg("No TRANSPORT_URL configured, using loopback transport")
		transport = transporthttp.Loopback{}
	}

	refresher := idp.NewOAuth2Refresher(cfg.IdPTokenURL, cfg.IdPClientID, cfg.IdPClientSecret, cfg.RefreshTimeout())

	sessionSvc := linkd.NewSessionService(sessionRepo, transport, dispatcher, cfg.PairingTTL(), cfg.FailureBudget)
	credentialSvc := linkd.NewCredentialService(credRepo, refresher, tokenCache, dispatcher, cfg.RefreshMargin(), uint(cfg.RefreshRetries))

	observer := linkd.NewHealthObserver(
		sessionSvc, credentialSvc, sessionRepo, credRepo,
		cfg.HealthInterval(), cfg.LivenessThreshold(),
	)
	observer.Start(ctx)

	metrics.Register(prometheus.DefaultRegisterer)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	echoapi.NewLifecycleAPI(sessionSvc, credentialSvc).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	observer.Stop()
	dispatcher.Close()
	if tokenCache != nil {
		if err := tokenCache.Close(); err != nil {
			log.Error().Err(err).Msg("Token cache close error")
		}
	}
	shutdownStorage(shutdownCtx)

	log.Info().Msg("Server gracefully stopped")
}

func initLogger(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func buildStorage(ctx context.Context, cfg *config.ServerConfig) (
	domain.SessionRepository, domain.CredentialRepository, func(context.Context), error,
) {
	if cfg.Storage == "memory" {
		log.Warn().Msg("Using in-memory storage, state will not survive restarts")
		return inmem.NewSessionRepository(), inmem.NewCredentialRepository(), func(context.Context) {}, nil
	}

	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		return nil, nil, nil, err
	}
	db := mongodb.GetDB()

	sessionRepo, err := mongodb.NewSessionRepositoryMongo(ctx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	credRepo, err := mongodb.NewCredentialRepositoryMongo(ctx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	return sessionRepo, credRepo, mongodb.CloseMongoDB, nil
}

func buildTokenCache(cfg *config.ServerConfig) cache.TokenCache {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryTokenCache()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return redicache.NewTokenCache(client, "linkd")
}

func buildNotifiers(cfg *config.ServerConfig) []linkd.Notifier {
	var notifiers []linkd.Notifier
	client := &http.Client{Timeout: cfg.WebhookTimeout()}
	for _, url := range cfg.WebhookURLs {
		notifiers = append(notifiers, linkd.NewWebhookNotifier(url, client))
	}
	return notifiers
}
