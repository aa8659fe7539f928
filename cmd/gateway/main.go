package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/worker"
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

	logger.Info("starting herald gateway",
		zap.Int("port", cfg.Port),
		zap.Int("batch_size", cfg.DispatchBatchSize),
		zap.Duration("batch_delay", cfg.DispatchBatchDelay),
	)

	ctx := context.Background()

	shutdownTracer, err := observ.InitTracer(ctx, observ.TracingConfig{
		ServiceName: "herald",
		Env:         cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency, rate limiting and the preference cache.
	// Everything keeps working without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		guard       *redis.DispatchGuard
		rateLimiter api.Limiter
		prefSource  notify.PreferenceRepository = repo
	)
	if redisClient != nil {
		defer redisClient.Close()
		guard = redis.NewDispatchGuard(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitRequests,
			Window: cfg.RateLimitWindow,
		})
		prefSource = redis.NewPreferenceCache(redisClient, repo, cfg.PreferenceCacheTTL, logger)
	}

	// Channel senders. Push and email fall back to logging when their AWS
	// settings are missing so local runs need no credentials.
	logSender := worker.NewLogSender(logger)
	var (
		messenger notify.Messenger = logSender
		mailer    notify.Mailer    = logSender
		smsSender notify.SMSSender = logSender
		publisher worker.SummaryPublisher
		breaker   *circuitbreaker.CircuitBreaker
	)

	awsCfg, err := worker.LoadAWSConfig(ctx, cfg.AWSRegion)
	if err != nil {
		logger.Warn("aws config unavailable, using log senders", zap.Error(err))
	} else {
		snsClient := awssns.NewFromConfig(awsCfg, func(o *awssns.Options) { o.Region = cfg.SNSRegion })

		if cfg.PushPlatformApplicationARN != "" {
			breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger)
			messenger = circuitbreaker.NewProtectedMessenger(
				worker.NewPushSender(snsClient, worker.PushConfig{
					PlatformApplicationARN: cfg.PushPlatformApplicationARN,
					RatePerSec:             cfg.PushRatePerSec,
				}, logger),
				breaker, logger,
			)
		}
		if cfg.SESFromEmail != "" {
			mailer = worker.NewSESSender(ses.NewFromConfig(awsCfg), cfg.SESFromEmail, logger)
		}
		smsSender = worker.NewSNSSender(snsClient, cfg.SNSSenderID, logger)
		if cfg.SNSEventsTopicARN != "" {
			publisher = sns.NewPublisher(snsClient, cfg.SNSEventsTopicARN)
		}
	}

	logger.Info("initialized delivery channels",
		zap.Bool("push_enabled", breaker != nil),
		zap.Bool("summary_events", publisher != nil),
	)

	// Engine
	tokens := notify.NewTokenRegistry(repo, logger)
	status := notify.NewStatusTracker(repo, logger)
	prefs := notify.NewPreferenceStore(prefSource, cfg.DefaultTimezone, logger)
	engine := notify.NewEngine(notify.EngineDeps{
		Preferences: prefs,
		Tokens:      tokens,
		Push:        notify.NewPushDispatcher(messenger, logger),
		Email:       notify.NewEmailDispatcher(mailer),
		SMS:         notify.NewSMSDispatcher(smsSender),
		Status:      status,
		Analytics:   notify.NewAnalytics(repo),
	}, notify.EngineConfig{
		BatchSize:   cfg.DispatchBatchSize,
		BatchDelay:  cfg.DispatchBatchDelay,
		Concurrency: cfg.DispatchConcurrency,
	}, logger)

	var completions worker.CompletionStore
	if guard != nil {
		completions = guard
	}
	runner := worker.NewRunner(repo, engine, publisher, completions, logger)

	// Dispatch queue
	var queue api.JobQueue
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})

	if cfg.SQSQueueURL != "" {
		sqsClient, err := sqs.NewClient(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.SQSEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		queue = sqs.NewProducer(sqsClient, cfg.SQSQueueURL, logger)
		consumer := sqs.NewConsumer(sqsClient, cfg.SQSQueueURL, logger)

		w := worker.New(consumer, runner, worker.Config{}, logger)
		go func() {
			defer close(workerDone)
			w.Start(workerCtx)
		}()
		logger.Info("dispatch worker started", zap.String("queue_url", cfg.SQSQueueURL))
	} else {
		close(workerDone)
		logger.Warn("SQS_QUEUE_URL not set, dispatches run in process")
	}

	go reportPoolStats(workerCtx, database)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	deps := api.Deps{
		Tokens:        engine,
		Preferences:   prefs,
		Inbox:         status,
		Announcements: repo,
		Runner:        runner,
		Queue:         queue,
	}
	if guard != nil {
		deps.Guard = guard
	}
	handler := api.NewHandler(logger, deps)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CallerKeyFunc))
		handler.Routes(r)
	})

	checks := map[string]api.Pinger{"postgres": database}
	if redisClient != nil {
		checks["redis"] = redisClient
	}
	r.Get("/health", api.HealthHandler(checks, breaker))

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // ?wait=true dispatches run inside the request
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop polling; a job already running finishes first.
		workerCancel()
		<-workerDone
		handler.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// reportPoolStats publishes the database pool gauge until ctx ends.
func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
		}
	}
}
