package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fiscalchat/internal/util"
	"fiscalchat/pkg/queue"
	"fiscalchat/pkg/realtime"
	"fiscalchat/pkg/storage"
	"fiscalchat/services/api/internal/app"
	"fiscalchat/services/api/internal/config"
	"fiscalchat/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDurationField("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	jwtLeeway, err := config.ParseDurationField("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	presignTTL, err := config.ParseDurationField("presignTTL", cfg.PresignTTL)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var (
		objects   storage.ObjectStore
		fileStore *storage.FileStore
	)
	if cfg.StorageDriver == "file" {
		fileStore, err = storage.NewFileStore(cfg.FilePath, cfg.FileBaseURL)
		if err != nil {
			log.Fatalf("failed to init file storage: %v", err)
		}
		objects = fileStore
	} else {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init minio storage: %v", err)
		}
	}

	events, err := queue.NewRedisEventQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.NotificationStream,
	})
	if err != nil {
		log.Fatalf("failed to init event queue: %v", err)
	}

	hub := realtime.NewHub(cfg.AllowedOrigin, logger)

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		SessionTTL:    sessionTTL,
		SessionSecret: cfg.SessionSecret,
		JWTIssuer:     cfg.JWTIssuer,
		JWTAudience:   cfg.JWTAudience,
		JWTLeeway:     jwtLeeway,
		PresignTTL:    presignTTL,
		Objects:       objects,
		Events:        events,
		Push:          hub,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(config.ParseTrustedProxies(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Hub:                        hub,
		LocalFiles:                 fileStore,
		AllowedOrigin:              cfg.AllowedOrigin,
		TrustedProxies:             trustedProxies,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	concurrency := cfg.NotifierConcurrency
	if concurrency == 0 {
		concurrency = 2
	}
	events.Start(ctx, concurrency, appCore.HandleEvent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
