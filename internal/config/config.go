package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewDunningConfigHolder),
	fx.Provide(func(h *DunningConfigHolder) DunningPolicy { return h }),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BootstrapOperatorEmail string

	Gateway   GatewayConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
}

// GatewayConfig selects and configures the payment gateway adapter.
type GatewayConfig struct {
	Provider            string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string
	Timeout             time.Duration
	BreakerMaxFailures  uint32
	BreakerOpenTimeout  time.Duration
}

// SchedulerConfig controls the dunning sweeps.
type SchedulerConfig struct {
	Enabled    bool
	Spec       string
	BatchSize  int
	JobTimeout time.Duration
	LockTTL    time.Duration
}

// RateLimitConfig bounds webhook ingress per provider. It shares the Redis of the sweep lock.
type RateLimitConfig struct {
	Enabled      bool
	WebhookRate  float64
	WebhookBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "dunning"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPPort:          getenv("HTTP_PORT", "8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "dunning"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "dunning.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),

		BootstrapOperatorEmail: strings.ToLower(strings.TrimSpace(getenv("BOOTSTRAP_OPERATOR_EMAIL", ""))),

		Gateway: GatewayConfig{
			Provider:            strings.ToLower(strings.TrimSpace(getenv("GATEWAY_PROVIDER", "stripe"))),
			StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripeAPIURL:        strings.TrimSpace(getenv("STRIPE_API_URL", "")),
			Timeout:             getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
			BreakerMaxFailures:  uint32(getenvInt("GATEWAY_BREAKER_MAX_FAILURES", 5)),
			BreakerOpenTimeout:  getenvDuration("GATEWAY_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:    getenvBool("SCHEDULER_ENABLED", true),
			Spec:       getenv("SCHEDULER_SPEC", "@every 1h"),
			BatchSize:  getenvInt("SCHEDULER_BATCH_SIZE", 200),
			JobTimeout: getenvDuration("SCHEDULER_JOB_TIMEOUT", 10*time.Minute),
			LockTTL:    getenvDuration("SCHEDULER_LOCK_TTL", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst: getenvInt("RATE_LIMIT_WEBHOOK_BURST", 100),
		},
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
