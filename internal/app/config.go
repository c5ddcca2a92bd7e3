package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/storefront/internal/domain/payment"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (STOREFRONT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL string `default:"" usage:"Base URL for product images (e.g. https://cdn.example.com/images)" flag:"image-base-url"`
	Orders       OrdersConfig
	Gateway      GatewayConfig
	Webhook      WebhookConfig
	Auth         AuthConfig
	Notify       NotifyConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Health       HealthConfig
	Graceful     GracefulConfig
}

// OrdersConfig controls order placement.
type OrdersConfig struct {
	EnforceStock bool `default:"true" usage:"Reject lines exceeding stock and reserve stock on placement" flag:"enforce-stock"`
}

// GatewayConfig configures the Lahza payment gateway.
type GatewayConfig struct {
	BaseURL     string        `default:"https://api.lahza.io" usage:"Lahza API base URL" flag:"gateway-url"`
	SecretKey   string        `usage:"Lahza secret key (STOREFRONT_GATEWAY_SECRET_KEY)" flag:"gateway-secret-key"`
	Timeout     time.Duration `default:"15s" usage:"Gateway request timeout"`
	UnitMode    string        `default:"auto" usage:"How reported amounts are read: auto, minor or major" flag:"gateway-unit-mode"`
	CallbackURL string        `usage:"Default checkout callback URL" flag:"gateway-callback-url"`
}

// WebhookConfig guards the gateway webhook.
type WebhookConfig struct {
	Secret         string   `usage:"HMAC secret for X-Lahza-Signature (STOREFRONT_WEBHOOK_SECRET)" flag:"webhook-secret"`
	AllowCIDRs     []string `usage:"Source addresses allowed to call the webhook; empty allows any" flag:"webhook-allow-cidrs"`
	TrustForwarded bool     `default:"false" usage:"Read the webhook source address from X-Forwarded-For" flag:"webhook-trust-forwarded"`
}

// AuthConfig configures admin authentication.
type AuthConfig struct {
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (STOREFRONT_AUTH_API_KEY_PEPPER)" flag:"api-key-pepper"`
	JWTSecret    string `usage:"HS256 secret for bearer tokens; empty disables tokens" flag:"jwt-secret"`
	JWTIssuer    string `default:"storefront" usage:"Expected bearer token issuer" flag:"jwt-issuer"`
}

// NotifyConfig configures buyer notifications. Without an SMS endpoint
// messages are only logged.
type NotifyConfig struct {
	SMSEndpoint string        `usage:"SMS provider endpoint" flag:"sms-endpoint"`
	SMSToken    string        `usage:"SMS provider token" flag:"sms-token"`
	SMSSender   string        `default:"Storefront" usage:"SMS sender id" flag:"sms-sender"`
	QueueSize   int           `default:"256" usage:"Notification queue size"`
	Workers     int           `default:"2" usage:"Notification workers"`
	SendTimeout time.Duration `default:"10s" usage:"Per-message send timeout"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max            int           `default:"100" usage:"Max requests per window"`
	Window         time.Duration `default:"1m"  usage:"Rate limit window duration"`
	TrustForwarded bool          `default:"false" usage:"Key clients by X-Forwarded-For" flag:"ratelimit-trust-forwarded"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string      `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool          `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	MaxAge           time.Duration `default:"24h" usage:"Preflight cache duration" flag:"cors-max-age"`
}

// HealthConfig controls probe scheduling.
type HealthConfig struct {
	Interval         time.Duration `default:"10s" usage:"Probe interval" flag:"health-interval"`
	FailureThreshold int           `default:"3" usage:"Consecutive failures before unhealthy" flag:"health-failure-threshold"`
	MaxGoroutines    int           `default:"10000" usage:"Liveness goroutine ceiling" flag:"health-max-goroutines"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from an optional .env file, environment
// variables and YAML config files, then applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set STOREFRONT_DATABASE_URL or DATABASE_URL")
	}
	if _, err := payment.ParseUnitMode(c.Gateway.UnitMode); err != nil {
		return errors.Wrap(err, "gateway unit mode")
	}
	if c.Auth.APIKeyPepper == "" {
		return errors.New("API key pepper is required: set STOREFRONT_AUTH_API_KEY_PEPPER")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's STOREFRONT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
