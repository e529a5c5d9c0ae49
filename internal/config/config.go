// Package config loads service configuration from environment variables
// using koanf, following the precedence: env vars (only source) over
// compiled defaults. Only the recognized keys are read.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/diagramflow/core/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`

	Gateway    GatewayConfig    `koanf:"gateway"`
	Providers  map[string]ProviderConfig
	DB         DBConfig         `koanf:"db"`
	Redis      RedisConfig      `koanf:"redis"`
	SMS        SMSConfig        `koanf:"sms"`
	TokenBuffer TokenBufferConfig `koanf:"token_buffer"`
	AWS        AWSConfig        `koanf:"aws"`
	OTEL       OTELConfig       `koanf:"otel"`
	Auth       AuthConfig       `koanf:"auth"`
}

// GatewayConfig holds the HTTP-facing process's configuration.
type GatewayConfig struct {
	HTTPPort int `koanf:"http_port"`

	// DiagramProviderID names the configured provider (a key into
	// Config.Providers) that backs the one-shot /generate_diagram call.
	DiagramProviderID string `koanf:"diagram_provider_id"` // GATEWAY_DIAGRAM_PROVIDER_ID

	// PaletteProviderIDs is a comma-separated list of provider IDs that
	// the node-palette batch fans a request out to. Koanf's struct-tag
	// unmarshalling has no native list-from-env support, so this is read
	// as a raw string and split in ProviderIDs.
	PaletteProviderIDs string `koanf:"palette_provider_ids"` // GATEWAY_PALETTE_PROVIDER_IDS
}

// ProviderIDs splits the comma-separated PaletteProviderIDs into a
// trimmed, non-empty slice of provider IDs.
func (g GatewayConfig) ProviderIDs() []string {
	if g.PaletteProviderIDs == "" {
		return nil
	}
	parts := strings.Split(g.PaletteProviderIDs, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// ProviderConfig holds per-LLM-provider configuration, populated from
// `<PROVIDER>_API_KEY`, `<PROVIDER>_QPM_LIMIT`, `<PROVIDER>_CONCURRENT_LIMIT`
// environment variables (see loadProviders).
type ProviderConfig struct {
	APIKey          domain.SecretString
	Endpoint        string // <PROVIDER>_ENDPOINT
	Model           string // <PROVIDER>_MODEL
	QPMLimit        int
	ConcurrentLimit int
	Scope           domain.RateLimiterScope
	Variant         string // <PROVIDER>_VARIANT: "" or "stream" for SSE, "duplex" for a persistent WebSocket
}

// DBConfig holds the relational store's pool-sizing configuration, per the
// `W * (B + O)` pool-sizing formula in the concurrency/resource model.
type DBConfig struct {
	DSN            domain.SecretString `koanf:"dsn"`
	PoolSize       int                 `koanf:"pool_size"`     // DB_POOL_SIZE
	PoolOverflow   int                 `koanf:"pool_overflow"` // DB_POOL_OVERFLOW
	MigrationsPath string              `koanf:"migrations_path"`
}

// RedisConfig holds the coordination store's connection parameters.
type RedisConfig struct {
	URL      string `koanf:"url"` // COORDINATION_STORE_URL
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Timeout  time.Duration
}

// SMSConfig holds the SMS Code Service's tunables.
type SMSConfig struct {
	CodeTTL         time.Duration       `koanf:"code_ttl"`        // SMS_CODE_TTL, a Go duration string such as "5m"; SMS_CODE_TTL_SECONDS is not read
	ResendCooldown  time.Duration       `koanf:"resend_cooldown"` // SMS_RESEND_COOLDOWN, a Go duration string; SMS_RESEND_COOLDOWN_SECONDS is not read
	HourlyCap       int                 `koanf:"hourly_cap"`      // SMS_HOURLY_CAP
	GatewayEndpoint string              `koanf:"gateway_endpoint"`
	MACPepper       domain.SecretString `koanf:"mac_pepper"` // SMS_MAC_PEPPER, binds the OTP MAC
	UseLogGateway   bool                `koanf:"use_log_gateway"` // SMS_USE_LOG_GATEWAY, local/dev delivery
}

// TokenBufferConfig holds the Token-Usage Buffer's flush cadence.
type TokenBufferConfig struct {
	FlushInterval  time.Duration `koanf:"flush_interval"`  // TOKEN_BUFFER_FLUSH_INTERVAL, a Go duration string; TOKEN_BUFFER_FLUSH_INTERVAL_SECONDS is not read
	FlushThreshold int           `koanf:"flush_threshold"` // TOKEN_BUFFER_FLUSH_THRESHOLD
}

// AWSConfig holds AWS SDK configuration for the SNS-backed SMS gateway.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint string `koanf:"endpoint"` // Empty disables OTLP export
}

// AuthConfig holds the Request Authenticator's JWT validation parameters.
type AuthConfig struct {
	Issuer       string `koanf:"issuer"`
	Audience     string `koanf:"audience"`
	JWTPublicKey string `koanf:"jwt_public_key"` // AUTH_JWT_PUBLIC_KEY, PEM-encoded
	JWTKeyID     string `koanf:"jwt_key_id"`     // AUTH_JWT_KEY_ID
}

func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Gateway: GatewayConfig{HTTPPort: 8080},

		DB: DBConfig{
			PoolSize:     domain.DefaultDBPoolSize,
			PoolOverflow: domain.DefaultDBPoolOverflow,
		},
		Redis: RedisConfig{
			URL:     "localhost:6379",
			Timeout: 2 * time.Second,
		},
		SMS: SMSConfig{
			CodeTTL:        domain.SMSCodeLifetime,
			ResendCooldown: domain.SMSResendCooldown,
			HourlyCap:      domain.SMSHourlyCap,
			UseLogGateway:  true,
		},
		TokenBuffer: TokenBufferConfig{
			FlushInterval:  domain.TokenBufferFlushInterval,
			FlushThreshold: domain.TokenBufferFlushThreshold,
		},
		AWS: AWSConfig{Region: "us-east-1"},
	}
}

// Load loads configuration from environment variables over compiled
// defaults, then parses the per-provider `<PROVIDER>_*` keys that koanf's
// struct-tag unmarshalling cannot express (the provider name is itself part
// of the key), and validates required fields for non-local environments.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")
	cfg := defaults()

	if err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		for _, section := range []string{"gateway", "db", "redis", "sms", "token_buffer", "aws", "otel", "auth"} {
			if rest, ok := strings.CutPrefix(key, section+"_"); ok {
				return section + "." + rest
			}
		}
		if strings.HasPrefix(key, "log_") {
			return key
		}
		return strings.ReplaceAll(key, "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Providers = loadProviders(k.All())

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadProviders scans the raw (dotted, lower-cased) environment keys for the
// `<provider>.api.key` / `<provider>.qpm.limit` / `<provider>.concurrent.limit`
// triples and assembles one ProviderConfig per provider name encountered.
func loadProviders(raw map[string]any) map[string]ProviderConfig {
	providers := map[string]ProviderConfig{}
	for key, val := range raw {
		parts := strings.SplitN(key, ".", 2)
		if len(parts) != 2 {
			continue
		}
		name, field := parts[0], parts[1]
		switch name {
		case "gateway", "db", "redis", "sms", "token", "aws", "otel", "auth",
			"environment", "log":
			continue
		}

		pc := providers[name]
		switch field {
		case "api.key":
			pc.APIKey = domain.SecretString(fmt.Sprint(val))
		case "endpoint":
			pc.Endpoint = fmt.Sprint(val)
		case "model":
			pc.Model = fmt.Sprint(val)
		case "qpm.limit":
			pc.QPMLimit = toInt(val, domain.DefaultQPMLimit)
		case "concurrent.limit":
			pc.ConcurrentLimit = toInt(val, domain.DefaultConcurrentLimit)
		case "variant":
			pc.Variant = fmt.Sprint(val)
		default:
			continue
		}
		if pc.Scope == "" {
			pc.Scope = domain.ScopeGlobal
		}
		providers[name] = pc
	}
	return providers
}

func toInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

// validateRequired checks that required configuration is present outside
// local development.
func validateRequired(cfg *Config) error {
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.DB.DSN.IsEmpty() {
		return fmt.Errorf("%w: db.dsn", domain.ErrConfigRequired)
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("%w: redis.url", domain.ErrConfigRequired)
	}
	if cfg.Auth.JWTPublicKey == "" {
		return fmt.Errorf("%w: auth.jwt_public_key", domain.ErrConfigRequired)
	}
	if cfg.SMS.MACPepper.IsEmpty() {
		return fmt.Errorf("%w: sms.mac_pepper", domain.ErrConfigRequired)
	}
	if cfg.Gateway.DiagramProviderID == "" {
		return fmt.Errorf("%w: gateway.diagram_provider_id", domain.ErrConfigRequired)
	}
	if len(cfg.Gateway.ProviderIDs()) == 0 {
		return fmt.Errorf("%w: gateway.palette_provider_ids", domain.ErrConfigRequired)
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
