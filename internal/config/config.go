package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DispatchConfig holds the tunables of the matching/assignment engine.
type DispatchConfig struct {
	RadiusMeters    float64
	LivenessWindow  time.Duration
	CandidateLimit  int
	TaxiOfferTTL    time.Duration
	CourierOfferTTL time.Duration
	SweepInterval   time.Duration
	MaxRebroadcasts int
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisGeoKey      string
	RedisPresenceKey string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	PushEndpoint string
	StripeKey    string

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

// ConsumerConfig drives the heartbeat consumer binary.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr        string
	RedisPassword    string
	RedisGeoKey      string
	RedisPresenceKey string

	LogLevel string
}

func defaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		RadiusMeters:    5000,
		LivenessWindow:  90 * time.Second,
		CandidateLimit:  16,
		TaxiOfferTTL:    30 * time.Second,
		CourierOfferTTL: 60 * time.Second,
		SweepInterval:   2 * time.Second,
		MaxRebroadcasts: 3,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		RedisPresenceKey: "driver:presence:",
		KafkaTopic:       "driver-heartbeats",
		Dispatch:         defaultDispatchConfig(),
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisPresenceKey, "REDIS_PRESENCE_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")

	setFloatFromEnv(&cfg.Dispatch.RadiusMeters, "DISPATCH_RADIUS_METERS", &errs)
	setDurationFromEnv(&cfg.Dispatch.LivenessWindow, "DISPATCH_LIVENESS_WINDOW", &errs)
	setIntFromEnv(&cfg.Dispatch.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.Dispatch.TaxiOfferTTL, "DISPATCH_TAXI_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.Dispatch.CourierOfferTTL, "DISPATCH_COURIER_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.Dispatch.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.Dispatch.MaxRebroadcasts, "DISPATCH_MAX_REBROADCASTS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Dispatch.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}
	if cfg.Dispatch.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SWEEP_INTERVAL must be > 0"))
	}
	if cfg.Dispatch.MaxRebroadcasts < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_REBROADCASTS must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// StripeConfigured reports whether the marketplace fee gate can use Stripe.
func (c ServerConfig) StripeConfigured() bool { return c.StripeKey != "" }

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "driver-heartbeats",
		KafkaGroup:       "kwenda-dispatch-consumer",
		RedisAddr:        "localhost:6379",
		RedisGeoKey:      "drivers_geo",
		RedisPresenceKey: "driver:presence:",
		LogLevel:         "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisPresenceKey, "REDIS_PRESENCE_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
