package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DatabaseURL string // overrides the discrete DB_* settings when set
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// API rate limit, per caller
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// SQS config
	SQSRegion   string
	SQSQueueURL string
	SQSEndpoint string // local emulators

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (push, SMS, events)
	SNSSenderID  string

	// Push
	PushPlatformApplicationARN string
	PushRatePerSec             int

	// SNS topic for dispatch summaries; empty disables publishing
	SNSEventsTopicARN string

	// Dispatch engine
	DispatchBatchSize   int
	DispatchBatchDelay  time.Duration
	DispatchConcurrency int
	DefaultTimezone     string

	PreferenceCacheTTL time.Duration

	// Tracing; an empty endpoint disables span export
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,
		RedisPoolSize: 20,

		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@herald.local",

		PushRatePerSec: 50,

		DispatchBatchSize:  100,
		DispatchBatchDelay: 100 * time.Millisecond,
		DefaultTimezone:    "Asia/Kolkata",

		PreferenceCacheTTL: 5 * time.Minute,

		OTLPInsecure:     true,
		TraceSampleRatio: 1,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if cfg.DBMaxConns, err = intEnv("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if cfg.RedisPoolSize, err = intEnv("REDIS_POOL_SIZE", cfg.RedisPoolSize); err != nil {
		return nil, err
	}

	if cfg.RateLimitRequests, err = intEnv("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests); err != nil {
		return nil, err
	}

	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW_SEC", time.Second, cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SQSEndpoint = os.Getenv("SQS_ENDPOINT")

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	cfg.SNSSenderID = os.Getenv("SNS_SENDER_ID")
	cfg.SNSEventsTopicARN = os.Getenv("SNS_EVENTS_TOPIC_ARN")
	cfg.PushPlatformApplicationARN = os.Getenv("PUSH_PLATFORM_APPLICATION_ARN")

	if cfg.PushRatePerSec, err = intEnv("PUSH_RATE_PER_SEC", cfg.PushRatePerSec); err != nil {
		return nil, err
	}

	// Dispatch engine
	if cfg.DispatchBatchSize, err = intEnv("DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize); err != nil {
		return nil, err
	}
	if cfg.DispatchBatchSize <= 0 {
		return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: must be positive")
	}

	if cfg.DispatchBatchDelay, err = durationEnv("DISPATCH_BATCH_DELAY_MS", time.Millisecond, cfg.DispatchBatchDelay); err != nil {
		return nil, err
	}

	// Zero means one worker per recipient in a batch.
	if cfg.DispatchConcurrency, err = intEnv("DISPATCH_CONCURRENCY", 0); err != nil {
		return nil, err
	}

	if tz := os.Getenv("DEFAULT_TIMEZONE"); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
		}
		cfg.DefaultTimezone = tz
	}

	if cfg.PreferenceCacheTTL, err = durationEnv("PREFERENCE_CACHE_TTL_SEC", time.Second, cfg.PreferenceCacheTTL); err != nil {
		return nil, err
	}

	// Tracing
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if cfg.OTLPInsecure, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
	}

	if v := os.Getenv("TRACE_SAMPLE_RATIO"); v != "" {
		if cfg.TraceSampleRatio, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid TRACE_SAMPLE_RATIO: %w", err)
		}
		if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
			return nil, fmt.Errorf("invalid TRACE_SAMPLE_RATIO: must be between 0 and 1")
		}
	}

	return cfg, nil
}

// DSN returns DatabaseURL when set, otherwise a URL built from the
// discrete DB_* settings.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	return u.String()
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv reads key as an integer count of unit.
func durationEnv(key string, unit, def time.Duration) (time.Duration, error) {
	n, err := intEnv(key, int(def/unit))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}
