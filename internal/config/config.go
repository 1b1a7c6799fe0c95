package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names accepted in EPRESCRIBE_PROVIDER.
const (
	ProviderInternal = "internal"
	ProviderDoseSpot = "dosespot"
)

// Webhook verification modes accepted in DOSESPOT_WEBHOOK_MODE.
const (
	WebhookModeStrict     = "strict"
	WebhookModePermissive = "permissive"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	FrontendURL    string        `mapstructure:"FRONTEND_URL"`
	NATSURL        string        `mapstructure:"NATS_URL"`

	EPrescribe EPrescribeConfig `mapstructure:",squash"`
}

// EPrescribeConfig selects the prescribing provider and carries the vendor
// credentials. Vendor fields are ignored when Provider is "internal".
type EPrescribeConfig struct {
	Provider    string `mapstructure:"EPRESCRIBE_PROVIDER"`
	EPCSEnabled bool   `mapstructure:"EPRESCRIBE_EPCS_ENABLED"`

	DoseSpotBaseURL        string        `mapstructure:"DOSESPOT_BASE_URL"`
	DoseSpotClientID       string        `mapstructure:"DOSESPOT_CLIENT_ID"`
	DoseSpotClientSecret   string        `mapstructure:"DOSESPOT_CLIENT_SECRET"`
	DoseSpotClinicID       string        `mapstructure:"DOSESPOT_CLINIC_ID"`
	DoseSpotWebhookSecret  string        `mapstructure:"DOSESPOT_WEBHOOK_SECRET"`
	DoseSpotWebhookMode    string        `mapstructure:"DOSESPOT_WEBHOOK_MODE"`
	DoseSpotTimeout        time.Duration `mapstructure:"DOSESPOT_TIMEOUT"`
	DoseSpotMaxRetries     int           `mapstructure:"DOSESPOT_MAX_RETRIES"`
	DoseSpotRetryBaseDelay time.Duration `mapstructure:"DOSESPOT_RETRY_BASE_DELAY"`
	DoseSpotRateLimitRPS   float64       `mapstructure:"DOSESPOT_RATE_LIMIT_RPS"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "FRONTEND_URL", "NATS_URL",
	"EPRESCRIBE_PROVIDER", "EPRESCRIBE_EPCS_ENABLED",
	"DOSESPOT_BASE_URL", "DOSESPOT_CLIENT_ID", "DOSESPOT_CLIENT_SECRET",
	"DOSESPOT_CLINIC_ID", "DOSESPOT_WEBHOOK_SECRET", "DOSESPOT_WEBHOOK_MODE",
	"DOSESPOT_TIMEOUT", "DOSESPOT_MAX_RETRIES", "DOSESPOT_RETRY_BASE_DELAY",
	"DOSESPOT_RATE_LIMIT_RPS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("EPRESCRIBE_PROVIDER", ProviderInternal)
	v.SetDefault("EPRESCRIBE_EPCS_ENABLED", false)
	v.SetDefault("DOSESPOT_BASE_URL", "https://my.staging.dosespot.com")
	v.SetDefault("DOSESPOT_WEBHOOK_MODE", WebhookModeStrict)
	v.SetDefault("DOSESPOT_TIMEOUT", "30s")
	v.SetDefault("DOSESPOT_MAX_RETRIES", 3)
	v.SetDefault("DOSESPOT_RETRY_BASE_DELAY", "1s")
	v.SetDefault("DOSESPOT_RATE_LIMIT_RPS", 0)

	// Unmarshal only sees keys viper knows about.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.EPrescribe.Provider = strings.ToLower(strings.TrimSpace(cfg.EPrescribe.Provider))
	cfg.EPrescribe.DoseSpotWebhookMode = strings.ToLower(strings.TrimSpace(cfg.EPrescribe.DoseSpotWebhookMode))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get "development" (no auth, admin role) and everything else
// gets "external" (bearer tokens from an identity provider).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// VendorEnabled reports whether prescriptions go to DoseSpot.
func (c *Config) VendorEnabled() bool {
	return c.EPrescribe.Provider == ProviderDoseSpot
}

// Validate refuses configurations that would run without authentication
// outside development, or with a vendor selected but not reachable.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "external":
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	return c.EPrescribe.Validate()
}

func (e EPrescribeConfig) Validate() error {
	switch e.Provider {
	case ProviderInternal:
		return nil
	case ProviderDoseSpot:
	default:
		return fmt.Errorf("EPRESCRIBE_PROVIDER must be %q or %q, got %q", ProviderInternal, ProviderDoseSpot, e.Provider)
	}

	var missing []string
	if e.DoseSpotBaseURL == "" {
		missing = append(missing, "DOSESPOT_BASE_URL")
	}
	if e.DoseSpotClientID == "" {
		missing = append(missing, "DOSESPOT_CLIENT_ID")
	}
	if e.DoseSpotClientSecret == "" {
		missing = append(missing, "DOSESPOT_CLIENT_SECRET")
	}
	if e.DoseSpotClinicID == "" {
		missing = append(missing, "DOSESPOT_CLINIC_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("EPRESCRIBE_PROVIDER=dosespot requires %s", strings.Join(missing, ", "))
	}

	if e.DoseSpotWebhookMode != WebhookModeStrict && e.DoseSpotWebhookMode != WebhookModePermissive {
		return fmt.Errorf("DOSESPOT_WEBHOOK_MODE must be %q or %q, got %q",
			WebhookModeStrict, WebhookModePermissive, e.DoseSpotWebhookMode)
	}
	if e.DoseSpotMaxRetries < 0 {
		return fmt.Errorf("DOSESPOT_MAX_RETRIES must not be negative")
	}
	return nil
}
