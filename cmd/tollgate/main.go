package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/tollgate"
	"github.com/layer-3/tollgate/adapters/events"
	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/internal/config"
	"github.com/layer-3/tollgate/ports"
	transporthttp "github.com/layer-3/tollgate/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOLLGATE_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := watermill.NewStdLogger(cfg.Debug, false)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persistence, closePersistence, err := openPersistence(ctx, cfg.Persistence)
	if err != nil {
		log.Fatalf("Failed to open %s persistence: %v", cfg.Persistence.Driver, err)
	}
	defer closePersistence()

	publisher, closePublisher, err := openPublisher(cfg.Events, logger)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer closePublisher()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := tollgate.New(tollgate.Options{
		AuthorityURL:   cfg.AuthorityURL,
		Persistence:    persistence,
		Publisher:      publisher,
		Logger:         logger,
		Registerer:     registry,
		RequestTimeout: cfg.RequestTimeout,
		RefreshTimeout: cfg.RefreshTimeout,
		LogoutTimeout:  cfg.LogoutTimeout,
		ChallengeTTL:   cfg.ChallengeTTL,
	})
	if err != nil {
		log.Fatalf("Failed to build session stack: %v", err)
	}

	if err := client.Gateway.Health(ctx); err != nil {
		logger.Info("Authority health check failed", watermill.LogFields{"authority": cfg.AuthorityURL, "error": err.Error()})
	}

	st, err := client.Session.Resume(ctx)
	if err != nil {
		logger.Error("Failed to resume session", err, nil)
	} else {
		logger.Info("Session state", watermill.LogFields{"phase": st.Phase.String()})
	}

	router := transporthttp.SetupRouter(client.Session, client.Account, client.Pipeline, transporthttp.RouterConfig{
		Logger:   logger,
		Gatherer: registry,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down server", err, nil)
		}
	}()

	logger.Info("Session API listening", watermill.LogFields{"addr": cfg.Listen, "authority": cfg.AuthorityURL})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func openPersistence(ctx context.Context, cfg config.Persistence) (ports.Persistence, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store.NewRedisStore(client, cfg.KeyPrefix), func() { _ = client.Close() }, nil

	case config.DriverSQLite:
		s, err := store.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func openPublisher(cfg config.Events, logger watermill.LoggerAdapter) (ports.EventPublisher, func(), error) {
	if cfg.RedisURL == "" {
		return nil, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	redisClient := redis.NewClient(opts)

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redisClient,
		},
		logger,
	)
	if err != nil {
		_ = redisClient.Close()
		return nil, nil, err
	}

	closeFn := func() {
		_ = publisher.Close()
		_ = redisClient.Close()
	}
	return events.NewWatermillPublisher(publisher, cfg.Topic), closeFn, nil
}
