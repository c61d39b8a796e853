package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"pdfpage/internal/util"
	"pdfpage/pkg/dispatch"
	"pdfpage/pkg/events"
	"pdfpage/pkg/pdfengine"
	"pdfpage/pkg/pipeline"
	"pdfpage/pkg/queue"
	"pdfpage/pkg/quota"
	"pdfpage/pkg/registry"
	"pdfpage/pkg/storage"
	"pdfpage/pkg/store"
	"pdfpage/services/api/internal/app"
	"pdfpage/services/api/internal/config"
	"pdfpage/services/api/internal/office"
	"pdfpage/services/api/internal/server"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	tokenTTL, err := config.ParseTokenTTL(cfg.JWTExpire)
	if err != nil {
		log.Fatalf("failed to parse token TTL: %v", err)
	}
	policies, err := cfg.Policies()
	if err != nil {
		log.Fatalf("failed to build quota policies: %v", err)
	}
	trusted, err := util.NewTrustedProxies(config.ParseTrustedProxies(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger("pdfpage-api", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, err := openStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	anonUsage, err := quota.NewRedisBackend(rdb, "pdfpage:usage", 0)
	if err != nil {
		log.Fatalf("failed to init usage backend: %v", err)
	}
	sessions, err := store.NewJWTHS256SessionStore(cfg.JWTSecret, tokenTTL, store.JWTOptions{Issuer: cfg.JWTIssuer})
	if err != nil {
		log.Fatalf("failed to init token store: %v", err)
	}

	sinks := []quota.UsageLog{dataStore}
	if cfg.UsageStream != "" {
		usageQueue, err := queue.NewUsageQueue(rdb, queue.Config{Stream: cfg.UsageStream})
		if err != nil {
			log.Fatalf("failed to init usage stream: %v", err)
		}
		usageQueue.Start(ctx, 2, dataStore.AppendUsage)
		sinks[0] = usageQueue
		logger.Info("usage events buffered", "stream", cfg.UsageStream)
	}
	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to connect to amqp: %v", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	var objects storage.ObjectStore
	minioCfg := storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}
	if minioCfg.Enabled() {
		m, err := storage.NewMinioStore(ctx, minioCfg)
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		objects = m
	} else {
		logger.Info("object storage disabled, cloud upload unavailable")
	}

	gate := quota.NewGate(quota.NewStore(dataStore, anonUsage, quota.WithLogger(logger)), policies)
	recorder := quota.NewRecorder(sinks...)
	engine := pdfengine.New()
	exec := office.NewExecutor(office.NewConverter(cfg.SofficePath), pdfengine.NewExecutor(engine))
	pipe, err := pipeline.New(pipeline.Config{
		Registry:        registry.Default(),
		Dispatcher:      dispatch.NewDirect(exec),
		Gate:            gate,
		Recorder:        recorder,
		Pages:           engine,
		GateServerRoute: true,
	})
	if err != nil {
		log.Fatalf("failed to init pipeline: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:    dataStore,
		Sessions: sessions,
		Gate:     gate,
		Pipeline: pipe,
		Recorder: recorder,
		Objects:  objects,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Redis:                      rdb,
		TrustedProxies:             trusted,
		FrontendURL:                cfg.FrontendURL,
		IPRateLimitPerWindow:       cfg.IPRateLimitPerWindow,
		IPRateLimitWindow:          cfg.IPRateWindow(),
		SignupRateLimitPerMinute:   cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		PasswordRateLimitPerMinute: cfg.PasswordRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
	}()

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	slog.Info("server stopped")
}

// openStore picks the store for url. memory:// keeps everything in-process.
func openStore(url string) (store.Store, error) {
	switch {
	case strings.HasPrefix(url, "memory://"):
		slog.Warn("using in-memory store, accounts are lost on restart")
		return store.NewMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"), strings.Contains(url, "host="):
		return store.NewGormStore(url)
	}
	return nil, fmt.Errorf("unsupported database url scheme in %q", redactURL(url))
}

func redactURL(url string) string {
	if i := strings.Index(url, "@"); i >= 0 {
		if j := strings.Index(url, "://"); j >= 0 && j < i {
			return url[:j+3] + "***" + url[i:]
		}
	}
	return url
}
