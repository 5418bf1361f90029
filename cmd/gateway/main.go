package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/api"
	"github.com/vaivahik/realtime/internal/auth"
	"github.com/vaivahik/realtime/internal/bus"
	"github.com/vaivahik/realtime/internal/config"
	"github.com/vaivahik/realtime/internal/db"
	"github.com/vaivahik/realtime/internal/gateway"
	"github.com/vaivahik/realtime/internal/metrics"
	"github.com/vaivahik/realtime/internal/notify"
	"github.com/vaivahik/realtime/internal/observ"
	"github.com/vaivahik/realtime/internal/presence"
	"github.com/vaivahik/realtime/internal/ratelimit"
	"github.com/vaivahik/realtime/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting realtime gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs session revocation; without it the gateway still runs,
	// it just cannot refuse revoked sessions.
	var sessions *redis.SessionStore
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, session revocation disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		sessions = redis.NewSessionStore(redisClient, logger)
		defer redisClient.Close()
	}

	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)

	var authn *auth.Authenticator
	if sessions != nil {
		authn = auth.NewAuthenticator(jwtManager, sessions, logger)
	} else {
		authn = auth.NewAuthenticator(jwtManager, nil, logger)
	}

	// Presence and rate limiting are process-local; both sweep
	// periodically to bound memory.
	tracker := presence.NewTracker(logger)
	tracker.StartSweeper(cfg.PresenceSweepInterval, cfg.PresenceMaxOfflineAge)
	defer tracker.Stop()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Capacity:       cfg.RateCapacity,
		RefillInterval: cfg.RateRefillInterval,
		RefillAmount:   cfg.RateRefillAmount,
	})
	limiter.StartSweeper(cfg.PresenceSweepInterval)
	defer limiter.Stop()

	eventBus := bus.New(logger)

	// Notification channels: in-app always, email and push degrade to
	// logging when AWS is unreachable.
	channels := []notify.Channel{notify.NewInAppChannel(repo, logger)}

	emailChannel, err := notify.NewEmailChannel(ctx, notify.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, repo, logger)
	if err != nil {
		logger.Warn("SES unavailable, email channel degraded to logging", zap.Error(err))
		channels = append(channels, notify.NewLogChannel(notify.ChannelEmail, logger))
	} else {
		channels = append(channels, emailChannel)
	}

	pushChannel, err := notify.NewPushChannel(ctx, notify.PushConfig{
		Region: cfg.AWSRegion,
	}, repo, logger)
	if err != nil {
		logger.Warn("SNS unavailable, push channel degraded to logging", zap.Error(err))
		channels = append(channels, notify.NewLogChannel(notify.ChannelPush, logger))
	} else {
		channels = append(channels, pushChannel)
	}

	prefs := notify.NewPreferenceResolver(repo, logger)
	templates := notify.NewTemplateResolver()

	dispatcher := notify.NewDispatcher(prefs, templates, channels, notify.Config{
		Tick: cfg.DispatchTick,
	}, logger)
	if err := dispatcher.SubscribeTo(eventBus); err != nil {
		return fmt.Errorf("failed to subscribe dispatcher: %w", err)
	}

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()
	go dispatcher.Start(dispatchCtx)

	// Websocket gateway
	hub := gateway.NewHub(logger)
	svc := gateway.NewService(repo, tracker, limiter, hub, eventBus, logger)
	wsHandler := gateway.NewHandler(authn, svc, logger)

	// Device registrations exchange raw tokens for SNS platform endpoints
	// when a platform application is configured.
	var provisioner api.DeviceProvisioner
	if cfg.SNSPlatformARN != "" {
		p, err := notify.NewEndpointProvisioner(ctx, cfg.AWSRegion, cfg.SNSPlatformARN, logger)
		if err != nil {
			logger.Warn("SNS unavailable, device endpoint provisioning disabled", zap.Error(err))
		} else {
			provisioner = p
		}
	}

	// HTTP surface
	handler := api.NewHandler(logger, repo, svc, prefs, eventBus, provisioner)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(metrics.Middleware)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(api.AuthMiddleware(authn, logger))
		handler.Routes(r)
	})

	// The websocket endpoint stays outside the timeout and metrics
	// wrappers: connections are long-lived and the upgrade needs the raw
	// ResponseWriter.
	r.Get("/ws", wsHandler.ServeWS)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the dispatcher first; anything still queued is lost.
		dispatcher.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
