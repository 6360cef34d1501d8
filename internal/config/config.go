// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Challenge store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the push-auth HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL is the Postgres DSN. Required when ChallengeStore is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the redis:// URL used when ChallengeStore is redis.
	RedisURL string `mapstructure:"REDIS_URL"`
	// ChallengeStore selects the challenge backend: memory, postgres or redis.
	ChallengeStore string `mapstructure:"CHALLENGE_STORE"`

	// PushAuthTTL is the challenge lifetime (e.g. "2m").
	PushAuthTTL string `mapstructure:"PUSH_AUTH_TTL"`
	// PushAuthMaxPending is how many pending challenges a user may hold; older ones are superseded.
	PushAuthMaxPending int `mapstructure:"PUSH_AUTH_MAX_PENDING"`
	// PushAuthRetention is how long resolved challenges are kept before the sweeper deletes them.
	PushAuthRetention string `mapstructure:"PUSH_AUTH_RETENTION"`
	// PushAuthSweepSchedule is the cron spec for the expiry sweeper (e.g. "@every 1m").
	PushAuthSweepSchedule string `mapstructure:"PUSH_AUTH_SWEEP_SCHEDULE"`
	// HandoffTTL is the lifetime of the handoff token returned by poll once approved.
	HandoffTTL string `mapstructure:"HANDOFF_TTL"`
	// PushPolicyFile optionally overrides the built-in Rego push-eligibility policy.
	PushPolicyFile string `mapstructure:"PUSH_POLICY_FILE"`

	// DispatchConcurrency bounds parallel push sends per challenge.
	DispatchConcurrency int `mapstructure:"DISPATCH_CONCURRENCY"`
	// DispatchTimeout is the per-device send timeout (e.g. "10s").
	DispatchTimeout string `mapstructure:"DISPATCH_TIMEOUT"`
	// MaxSubscriptionFailures disables a subscription after this many consecutive delivery failures.
	MaxSubscriptionFailures int `mapstructure:"MAX_SUBSCRIPTION_FAILURES"`
	// DefaultTrustTTLDays is how long a device stays trusted after it registers a subscription.
	// Zero means trust never lapses.
	DefaultTrustTTLDays int `mapstructure:"DEFAULT_TRUST_TTL_DAYS"`

	// VAPIDPublicKey and VAPIDPrivateKey are the base64url Web Push application server keys.
	VAPIDPublicKey  string `mapstructure:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `mapstructure:"VAPID_PRIVATE_KEY"`
	// VAPIDSubject is the contact URI sent with VAPID (mailto: or https:).
	VAPIDSubject string `mapstructure:"VAPID_SUBJECT"`
	// PushDevOutbox when true stores notifications in memory instead of sending them, readable
	// via GET /v1/auth/push/dev/push/outbox/:subscriptionId. Must not be true when Env is production.
	PushDevOutbox bool `mapstructure:"PUSH_DEV_OUTBOX"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`

	// Telemetry (optional). When Kafka brokers are set, the server emits telemetry to Kafka.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	TelemetryKafkaTopic   string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// OTelEndpoint is the OTLP gRPC collector endpoint (e.g. localhost:4317). Empty disables OTel export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CHALLENGE_STORE", StoreMemory)
	v.SetDefault("PUSH_AUTH_TTL", "2m")
	v.SetDefault("PUSH_AUTH_MAX_PENDING", 3)
	v.SetDefault("PUSH_AUTH_RETENTION", "24h")
	v.SetDefault("PUSH_AUTH_SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("HANDOFF_TTL", "60s")
	v.SetDefault("PUSH_POLICY_FILE", "")
	v.SetDefault("DISPATCH_CONCURRENCY", 8)
	v.SetDefault("DISPATCH_TIMEOUT", "10s")
	v.SetDefault("MAX_SUBSCRIPTION_FAILURES", 5)
	v.SetDefault("DEFAULT_TRUST_TTL_DAYS", 30)
	v.SetDefault("VAPID_PUBLIC_KEY", "")
	v.SetDefault("VAPID_PRIVATE_KEY", "")
	v.SetDefault("VAPID_SUBJECT", "mailto:support@strategiz.io")
	v.SetDefault("PUSH_DEV_OUTBOX", false)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "push-auth")
	v.SetDefault("JWT_AUDIENCE", "push-auth-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "push-auth-telemetry")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "push-auth-telemetry-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	switch cfg.ChallengeStore {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when CHALLENGE_STORE=postgres")
		}
	case StoreRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("config: REDIS_URL must be set when CHALLENGE_STORE=redis")
		}
	default:
		return nil, errors.New("config: CHALLENGE_STORE must be one of memory, postgres, redis")
	}

	if cfg.PushDevOutbox && cfg.Env == "production" {
		return nil, errors.New("config: PUSH_DEV_OUTBOX must not be true when APP_ENV=production")
	}

	if cfg.PushAuthMaxPending < 1 {
		return nil, errors.New("config: PUSH_AUTH_MAX_PENDING must be at least 1")
	}
	if cfg.DispatchConcurrency < 1 {
		cfg.DispatchConcurrency = 8
	}
	if cfg.MaxSubscriptionFailures < 1 {
		cfg.MaxSubscriptionFailures = 5
	}
	if cfg.DefaultTrustTTLDays < 0 {
		return nil, errors.New("config: DEFAULT_TRUST_TTL_DAYS must not be negative")
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// ChallengeTTL parses PushAuthTTL. Returns 2m if unset or invalid.
func (c *Config) ChallengeTTL() time.Duration {
	return parseDuration(c.PushAuthTTL, 2*time.Minute)
}

// Retention parses PushAuthRetention. Returns 24h if unset or invalid.
func (c *Config) Retention() time.Duration {
	return parseDuration(c.PushAuthRetention, 24*time.Hour)
}

// HandoffLifetime parses HandoffTTL. Returns 60s if unset or invalid.
func (c *Config) HandoffLifetime() time.Duration {
	return parseDuration(c.HandoffTTL, 60*time.Second)
}

// SendTimeout parses DispatchTimeout. Returns 10s if unset or invalid.
func (c *Config) SendTimeout() time.Duration {
	return parseDuration(c.DispatchTimeout, 10*time.Second)
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// DeviceTrustTTL returns the trust window for newly registered devices; 0 means no expiry.
func (c *Config) DeviceTrustTTL() time.Duration {
	if c == nil || c.DefaultTrustTTLDays <= 0 {
		return 0
	}
	return time.Duration(c.DefaultTrustTTLDays) * 24 * time.Hour
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
