package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/board-api/api"
	"github.com/aryabyte21/taskboard/board-api/livefeed"
	"github.com/aryabyte21/taskboard/board-api/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer backend.Close()

	var store api.Storage = backend
	hub := livefeed.NewHub(cfg.StreamClientBuffer, logger)
	var primary livefeed.Publisher = hub
	var deduper api.Deduper

	if cfg.RedisConnection != "" {
		rc := redis.NewClient(redisOptions(cfg.RedisConnection))
		defer rc.Close()
		store = storage.NewCache(backend, rc, cfg.TasksCacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)

		relay := livefeed.NewRedisRelay(rc, cfg.LiveUpdatesChannel, hub, logger)
		go relay.Run(ctx)
		primary = relay
	} else {
		log.Info("REDIS_CONNECTION_STRING not set; cache, idempotency keys and cross-instance updates disabled")
	}

	var mirrors []livefeed.Publisher
	if cfg.LiveUpdatesQueue != "" {
		mirror, err := livefeed.NewQueueMirror(cfg.ConnectionString, cfg.LiveUpdatesQueue)
		if err != nil {
			log.Fatalf("live updates queue: %v", err)
		}
		mirrors = append(mirrors, mirror)
	}

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSAllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, api.Deps{
		Store:     store,
		Auth:      auth,
		Deduper:   deduper,
		Publisher: livefeed.NewFanout(logger, primary, mirrors...),
		Hub:       hub,
		Logger:    logger,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown")
		}
	}()

	log.WithFields(log.Fields{"addr": cfg.ListenAddr, "driver": cfg.StorageDriver}).Info("board api listening")
	if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func openBackend(ctx context.Context, cfg config) (storage.Backend, error) {
	switch cfg.StorageDriver {
	case driverAzTables:
		ts, err := storage.NewTableStore(cfg.ConnectionString, cfg.TasksTable)
		if err != nil {
			return nil, err
		}
		if err := ts.EnsureTable(ctx); err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return storage.NewSQLStore(cfg.SQLitePath)
	}
}

// newAuth returns a nil Authenticator when auth is disabled.
func newAuth(cfg config) (api.Authenticator, error) {
	ac := api.AuthConfig{Mode: cfg.AuthMode, Secret: []byte(cfg.AuthSecret), KeyCacheTTL: cfg.JWKSCacheTTL}
	if cfg.AuthMode == api.AuthModeJWKS {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			return nil, fmt.Errorf("missing Auth0 config")
		}
		jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain), keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		ac.JWKS = jwks
		ac.Audience = cfg.Auth0Audience
		ac.Issuer = "https://" + cfg.Auth0Domain + "/"
	}
	a, err := api.NewAuth(ac)
	if err != nil || a == nil {
		return nil, err
	}
	return a, nil
}
