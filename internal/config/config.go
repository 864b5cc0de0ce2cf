package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds snowflake ids; every running process needs its own.
	NodeID int64

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminAPIToken string
	// AdminCORSOrigins lists browser origins allowed on /admin. Empty
	// disables CORS.
	AdminCORSOrigins []string

	Webhook    WebhookConfig
	Dispatcher DispatcherConfig
	Email      EmailConfig
	SMS        SMSConfig
	Export     ExportConfig

	DeliveryPolicyPath string
}

// WebhookConfig configures the inbound receiver.
type WebhookConfig struct {
	// Secrets maps provider name to signing secret. A provider without a
	// secret is rejected with 503.
	Secrets              map[string]string
	ProcessingTimeout    time.Duration
	StaleProcessingAfter time.Duration
	MaxInboundAttempts   int
	MaxBodyBytes         int64
	// IntakeRate and IntakeBurst cap accepted deliveries per provider per
	// second. Zero disables the limiter; it also needs Redis.
	IntakeRate  float64
	IntakeBurst int
}

// DispatcherConfig configures the outbox delivery loop.
type DispatcherConfig struct {
	Enabled         bool
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	Lease           time.Duration
	DeliveryTimeout time.Duration
	ReapInterval    time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type SMSConfig struct {
	GatewayURL    string
	APIKey        string
	Sender        string
	Timeout       time.Duration
	RatePerSecond float64
}

type ExportConfig struct {
	SigningSecret string
	Timeout       time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "courier"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		AdminAPIToken:    strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		AdminCORSOrigins: parseList(getenv("ADMIN_CORS_ALLOW_ORIGINS", "")),

		Webhook: WebhookConfig{
			Secrets:              parseSecrets(getenv("WEBHOOK_SECRETS", "")),
			ProcessingTimeout:    getenvDuration("WEBHOOK_PROCESSING_TIMEOUT", 10*time.Second),
			StaleProcessingAfter: getenvDuration("WEBHOOK_STALE_PROCESSING_AFTER", 5*time.Minute),
			MaxInboundAttempts:   getenvInt("WEBHOOK_MAX_INBOUND_ATTEMPTS", 10),
			MaxBodyBytes:         int64(getenvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
			IntakeRate:           getenvFloat("WEBHOOK_INTAKE_RATE", 0),
			IntakeBurst:          getenvInt("WEBHOOK_INTAKE_BURST", 50),
		},
		Dispatcher: DispatcherConfig{
			Enabled:         getenvBool("DISPATCHER_ENABLED", true),
			PollInterval:    getenvDuration("DISPATCHER_POLL_INTERVAL", 2*time.Second),
			BatchSize:       getenvInt("DISPATCHER_BATCH_SIZE", 50),
			Workers:         getenvInt("DISPATCHER_WORKERS", 8),
			Lease:           getenvDuration("DISPATCHER_LEASE", 2*time.Minute),
			DeliveryTimeout: getenvDuration("DISPATCHER_DELIVERY_TIMEOUT", 15*time.Second),
			ReapInterval:    getenvDuration("DISPATCHER_REAP_INTERVAL", 30*time.Second),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 1025),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "no-reply@courier.local"),
		},
		SMS: SMSConfig{
			GatewayURL: strings.TrimSpace(getenv("SMS_GATEWAY_URL", "")),
			APIKey:     strings.TrimSpace(getenv("SMS_API_KEY", "")),
			Sender:     getenv("SMS_SENDER", "COURIER"),
			Timeout:    getenvDuration("SMS_TIMEOUT", 10*time.Second),
			// Client-side cap on gateway calls per process. Zero disables it.
			RatePerSecond: getenvFloat("SMS_RATE_PER_SECOND", 10),
		},
		Export: ExportConfig{
			SigningSecret: strings.TrimSpace(getenv("EXPORT_WEBHOOK_SIGNING_SECRET", "")),
			Timeout:       getenvDuration("EXPORT_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		DeliveryPolicyPath: strings.TrimSpace(getenv("DELIVERY_POLICY_PATH", "")),
	}

	return cfg
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewDeliveryPolicyHolder),
)

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// parseSecrets reads "stripe=whsec_x,acme=secret" pairs.
func parseSecrets(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, secret, ok := strings.Cut(pair, "=")
		if !ok {
			log.Printf("[config] ignoring malformed webhook secret entry")
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		secret = strings.TrimSpace(secret)
		if name == "" || secret == "" {
			continue
		}
		out[name] = secret
	}
	return out
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
