package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis       RedisConfig
	Kafka       KafkaConfig
	MercadoPago MercadoPagoConfig
	Gateway     GatewayConfig
	Webhook     WebhookConfig
	Scheduler   SchedulerConfig
	MetricsPush MetricsPushConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && strings.TrimSpace(c.Topic) != ""
}

type MercadoPagoConfig struct {
	BaseURL         string
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
}

// GatewayConfig bounds every outbound processor call.
type GatewayConfig struct {
	Provider       string
	Timeout        time.Duration
	MaxTries       int
	InitialBackoff time.Duration
	RateLimit      float64
	RateBurst      int
}

type WebhookConfig struct {
	Workers             int
	QueueSize           int
	RequireSignature    bool
	MaxDeliveryAttempts int
	ClaimTimeout        time.Duration
	LockTTL             time.Duration
	// Intake limit per provider across replicas. Zero disables it.
	IntakeRate  float64
	IntakeBurst int
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "duesync"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "duesync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: parseList(getenv("KAFKA_BROKERS", "")),
			Topic:   strings.TrimSpace(getenv("KAFKA_TOPIC", "duesync.events")),
		},
		MercadoPago: MercadoPagoConfig{
			BaseURL:         strings.TrimRight(getenv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"), "/"),
			AccessToken:     strings.TrimSpace(getenv("MERCADOPAGO_ACCESS_TOKEN", "")),
			WebhookSecret:   strings.TrimSpace(getenv("MERCADOPAGO_WEBHOOK_SECRET", "")),
			NotificationURL: strings.TrimSpace(getenv("MERCADOPAGO_NOTIFICATION_URL", "")),
			SuccessURL:      strings.TrimSpace(getenv("MERCADOPAGO_SUCCESS_URL", "")),
			FailureURL:      strings.TrimSpace(getenv("MERCADOPAGO_FAILURE_URL", "")),
			PendingURL:      strings.TrimSpace(getenv("MERCADOPAGO_PENDING_URL", "")),
		},
		Gateway: GatewayConfig{
			Provider:       strings.ToLower(getenv("GATEWAY_PROVIDER", "mercadopago")),
			Timeout:        getenvDuration("GATEWAY_TIMEOUT", 5*time.Second),
			MaxTries:       getenvInt("GATEWAY_MAX_TRIES", 3),
			InitialBackoff: getenvDuration("GATEWAY_INITIAL_BACKOFF", 200*time.Millisecond),
			RateLimit:      getenvFloat("GATEWAY_RATE_LIMIT", 20),
			RateBurst:      getenvInt("GATEWAY_RATE_BURST", 40),
		},
		Webhook: WebhookConfig{
			Workers:             getenvInt("WEBHOOK_WORKERS", 4),
			QueueSize:           getenvInt("WEBHOOK_QUEUE_SIZE", 256),
			RequireSignature:    getenvBool("WEBHOOK_REQUIRE_SIGNATURE", true),
			MaxDeliveryAttempts: getenvInt("WEBHOOK_MAX_DELIVERY_ATTEMPTS", 8),
			ClaimTimeout:        getenvDuration("WEBHOOK_CLAIM_TIMEOUT", 5*time.Minute),
			LockTTL:             getenvDuration("WEBHOOK_LOCK_TTL", 30*time.Second),
			IntakeRate:          getenvFloat("WEBHOOK_INTAKE_RATE", 0),
			IntakeBurst:         getenvInt("WEBHOOK_INTAKE_BURST", 0),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", 5*time.Minute),
		},
	}

	return cfg
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
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
	if err != nil {
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

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
