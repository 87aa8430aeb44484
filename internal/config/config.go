package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig aggregates runtime configuration, injected through
// environment variables to avoid hardcoding.
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka cluster (comma separated), notification topic, consumer group.
	KafkaBrokers []string
	NotifyTopic  string
	NotifyGroup  string

	// Redis Stream outbox (core services append atomically, the relay
	// forwards to Kafka asynchronously).
	NotifyStream         string
	NotifyStreamGroup    string
	NotifyStreamConsumer string

	// Reservation holding window and the expiry sweep cadence. The sweep
	// interval must stay under the TTL or expired holds linger.
	ReservationTTL      time.Duration
	ExpireSweepInterval time.Duration

	// Webhook retry discipline.
	WebhookSecrets      map[string]string // provider -> signing secret
	WebhookMaxRetries   int
	WebhookBackoffBase  time.Duration
	WebhookRetryBatch   int
	RetrySweepInterval  time.Duration

	// Checkout rate limiting.
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration

	// Simple admin token protecting catalog endpoints.
	AdminToken string
}

// Load reads and validates configuration, falling back to defaults.
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		DBPath:               getEnv("DB_PATH", "stock_reserve.db"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              0,
		KafkaBrokers:         splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		NotifyTopic:          getEnv("NOTIFY_TOPIC", "stock-reserve-notifications"),
		NotifyGroup:          getEnv("NOTIFY_GROUP_ID", "stock-reserve-notify-consumer"),
		NotifyStream:         getEnv("NOTIFY_EVENT_STREAM", "stock_reserve:notify_events"),
		NotifyStreamGroup:    getEnv("NOTIFY_EVENT_GROUP", "stock-reserve-relay-group"),
		NotifyStreamConsumer: getEnv("NOTIFY_EVENT_CONSUMER", "stock-reserve-relay-1"),
		ReservationTTL:       15 * time.Minute,
		ExpireSweepInterval:  time.Minute,
		WebhookSecrets:       map[string]string{},
		WebhookMaxRetries:    5,
		WebhookBackoffBase:   30 * time.Second,
		WebhookRetryBatch:    50,
		RetrySweepInterval:   30 * time.Second,
		CheckoutRateLimit:    100,
		CheckoutRateWindow:   time.Second,
		AdminToken:           getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	ttlMin, err := getEnvInt("RESERVATION_TTL_MIN", int(cfg.ReservationTTL.Minutes()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RESERVATION_TTL_MIN: %w", err)
	}
	if ttlMin <= 0 {
		return AppConfig{}, fmt.Errorf("RESERVATION_TTL_MIN must be > 0")
	}
	cfg.ReservationTTL = time.Duration(ttlMin) * time.Minute

	expireSec, err := getEnvInt("EXPIRE_SWEEP_INTERVAL_SEC", int(cfg.ExpireSweepInterval.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid EXPIRE_SWEEP_INTERVAL_SEC: %w", err)
	}
	if expireSec <= 0 {
		return AppConfig{}, fmt.Errorf("EXPIRE_SWEEP_INTERVAL_SEC must be > 0")
	}
	cfg.ExpireSweepInterval = time.Duration(expireSec) * time.Second
	if cfg.ExpireSweepInterval >= cfg.ReservationTTL {
		return AppConfig{}, fmt.Errorf("EXPIRE_SWEEP_INTERVAL_SEC must be shorter than the reservation TTL")
	}

	maxRetries, err := getEnvInt("WEBHOOK_MAX_RETRIES", cfg.WebhookMaxRetries)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid WEBHOOK_MAX_RETRIES: %w", err)
	}
	if maxRetries <= 0 {
		return AppConfig{}, fmt.Errorf("WEBHOOK_MAX_RETRIES must be > 0")
	}
	cfg.WebhookMaxRetries = maxRetries

	backoffSec, err := getEnvInt("WEBHOOK_BACKOFF_BASE_SEC", int(cfg.WebhookBackoffBase.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid WEBHOOK_BACKOFF_BASE_SEC: %w", err)
	}
	if backoffSec <= 0 {
		return AppConfig{}, fmt.Errorf("WEBHOOK_BACKOFF_BASE_SEC must be > 0")
	}
	cfg.WebhookBackoffBase = time.Duration(backoffSec) * time.Second

	retryBatch, err := getEnvInt("WEBHOOK_RETRY_BATCH", cfg.WebhookRetryBatch)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid WEBHOOK_RETRY_BATCH: %w", err)
	}
	if retryBatch <= 0 {
		return AppConfig{}, fmt.Errorf("WEBHOOK_RETRY_BATCH must be > 0")
	}
	cfg.WebhookRetryBatch = retryBatch

	retrySec, err := getEnvInt("RETRY_SWEEP_INTERVAL_SEC", int(cfg.RetrySweepInterval.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RETRY_SWEEP_INTERVAL_SEC: %w", err)
	}
	if retrySec <= 0 {
		return AppConfig{}, fmt.Errorf("RETRY_SWEEP_INTERVAL_SEC must be > 0")
	}
	cfg.RetrySweepInterval = time.Duration(retrySec) * time.Second

	rateLimit, err := getEnvInt("CHECKOUT_RATE_LIMIT", cfg.CheckoutRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	cfg.CheckoutRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("CHECKOUT_RATE_WINDOW_SEC", int(cfg.CheckoutRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_WINDOW_SEC must be > 0")
	}
	cfg.CheckoutRateWindow = time.Duration(rateWindowSec) * time.Second

	secrets, err := parseSecrets(getEnv("WEBHOOK_SECRETS", "stripe=dev-stripe-secret"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid WEBHOOK_SECRETS: %w", err)
	}
	cfg.WebhookSecrets = secrets

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.NotifyTopic == "" {
		return AppConfig{}, fmt.Errorf("NOTIFY_TOPIC must not be empty")
	}
	if cfg.NotifyGroup == "" {
		return AppConfig{}, fmt.Errorf("NOTIFY_GROUP_ID must not be empty")
	}
	if cfg.NotifyStream == "" {
		return AppConfig{}, fmt.Errorf("NOTIFY_EVENT_STREAM must not be empty")
	}
	if cfg.NotifyStreamGroup == "" {
		return AppConfig{}, fmt.Errorf("NOTIFY_EVENT_GROUP must not be empty")
	}
	if cfg.NotifyStreamConsumer == "" {
		return AppConfig{}, fmt.Errorf("NOTIFY_EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// getEnv reads a string env var, falling back when unset or blank.
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt reads an integer env var, falling back when unset.
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV parses a comma-separated string into a slice.
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseSecrets parses "provider=secret,provider2=secret2".
func parseSecrets(value string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitCSV(value) {
		name, secret, ok := strings.Cut(pair, "=")
		if !ok || name == "" || secret == "" {
			return nil, fmt.Errorf("malformed entry %q, want provider=secret", pair)
		}
		out[name] = secret
	}
	return out, nil
}
