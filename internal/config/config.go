package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	// loads a local .env file, if present, before Load reads the environment
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	ServerPort  string
	StoreDriver string // sqlite, postgres or memory
	DatabaseURL string
	RedisAddr   string // empty disables Redis features
	JWTSecret   string

	// AdminPasswordHash is a bcrypt hash; empty disables admin login.
	AdminPasswordHash string

	Limits    LimitsConfig
	Stripe    StripeConfig
	Notify    NotifyConfig
	HTTP      HTTPConfig
	Scheduler SchedulerConfig
}

// ErrEphemeralStore is returned for stores that live on a single container.
var ErrEphemeralStore = errors.New("store does not survive across serverless containers")

// CheckServerless rejects the sqlite and memory drivers. Lambda containers
// have a read-only filesystem outside /tmp and share nothing with each
// other, so only postgres keeps quotas consistent there.
func (c *Config) CheckServerless() error {
	if c.StoreDriver == "postgres" {
		return nil
	}
	return fmt.Errorf("%w: STORE_DRIVER=%q, set STORE_DRIVER=postgres", ErrEphemeralStore, c.StoreDriver)
}

type LimitsConfig struct {
	RateLimitBackend  string // sql or redis
	RequestsPerMinute int
	FailureStrategy   string // fail_open or fail_closed
	QuestionCost      float64
}

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	PriceIDBasic     string
	PriceIDUnlimited string
	PublicBaseURL    string
}

// Enabled reports whether checkout can be offered. Without it upgrades are
// applied directly, the way the manual fallback works.
func (c StripeConfig) Enabled() bool {
	return c.SecretKey != "" && c.PriceIDBasic != "" && c.PriceIDUnlimited != ""
}

type NotifyConfig struct {
	WebhookURL string
}

type HTTPConfig struct {
	AllowedOrigins   []string
	ReplayProtection bool
	ReplayWindow     time.Duration
}

type SchedulerConfig struct {
	SweepInterval time.Duration // zero disables the sweeper
}

func Load() *Config {
	return &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		StoreDriver:       getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL:       getEnv("DATABASE_URL", "file:entitlements.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		JWTSecret:         getEnv("JWT_SECRET", "secret-key"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		Limits: LimitsConfig{
			RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "sql"),
			RequestsPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
			FailureStrategy:   getEnv("RATE_LIMIT_FAILURE_STRATEGY", "fail_closed"),
			QuestionCost:      getEnvFloat("QUESTION_COST", 0.03),
		},
		Stripe: StripeConfig{
			SecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
			PriceIDBasic:     getEnv("STRIPE_PRICE_BASIC", ""),
			PriceIDUnlimited: getEnv("STRIPE_PRICE_UNLIMITED", ""),
			PublicBaseURL:    strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
		HTTP: HTTPConfig{
			AllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ReplayProtection: getEnvBool("REPLAY_PROTECTION", false),
			ReplayWindow:     getEnvDuration("REPLAY_WINDOW", 60*time.Second),
		},
		Scheduler: SchedulerConfig{
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", 10*time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %v: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %v: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func getEnvList(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
