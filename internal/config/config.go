package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`

	Store         string `mapstructure:"STORE"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	PollBatchSize            int           `mapstructure:"POLL_BATCH_SIZE"`
	PollInterval             time.Duration `mapstructure:"POLL_INTERVAL"`
	PollErrorBackoff         time.Duration `mapstructure:"POLL_ERROR_BACKOFF"`
	EligibilitySweepInterval time.Duration `mapstructure:"ELIGIBILITY_SWEEP_INTERVAL"`
	DenialSweepInterval      time.Duration `mapstructure:"DENIAL_SWEEP_INTERVAL"`
	SubmissionSweepInterval  time.Duration `mapstructure:"SUBMISSION_SWEEP_INTERVAL"`
	SweepBatchSize           int           `mapstructure:"SWEEP_BATCH_SIZE"`
	MaxAutomationAttempts    int           `mapstructure:"MAX_AUTOMATION_ATTEMPTS"`
	RetryBaseDelay           time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	StaleClaimAfter          time.Duration `mapstructure:"STALE_CLAIM_AFTER"`

	GatewayTimeout    time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	GatewayMaxRetries int           `mapstructure:"GATEWAY_MAX_RETRIES"`
	GatewayRPS        float64       `mapstructure:"GATEWAY_RPS"`

	HighConfidenceThreshold int `mapstructure:"HIGH_CONFIDENCE_THRESHOLD"`
	AppealThreshold         int `mapstructure:"APPEAL_THRESHOLD"`

	AssistantURL     string        `mapstructure:"ASSISTANT_URL"`
	AssistantAPIKey  string        `mapstructure:"ASSISTANT_API_KEY"`
	AssistantTimeout time.Duration `mapstructure:"ASSISTANT_TIMEOUT"`

	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	// Payers holds PAYER_<ID>_* overrides keyed by lower-case payer id.
	Payers map[string]PayerOverride `mapstructure:"-"`
}

// PayerOverride replaces parts of a built-in payer entry. Empty fields keep
// the built-in value.
type PayerOverride struct {
	Endpoint string
	APIKey   string
	Active   *bool
}

var boundKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS",
	"STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"POLL_BATCH_SIZE", "POLL_INTERVAL", "POLL_ERROR_BACKOFF",
	"ELIGIBILITY_SWEEP_INTERVAL", "DENIAL_SWEEP_INTERVAL", "SUBMISSION_SWEEP_INTERVAL",
	"SWEEP_BATCH_SIZE", "MAX_AUTOMATION_ATTEMPTS", "RETRY_BASE_DELAY", "STALE_CLAIM_AFTER",
	"GATEWAY_TIMEOUT", "GATEWAY_MAX_RETRIES", "GATEWAY_RPS",
	"HIGH_CONFIDENCE_THRESHOLD", "APPEAL_THRESHOLD",
	"ASSISTANT_URL", "ASSISTANT_API_KEY", "ASSISTANT_TIMEOUT",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("POLL_BATCH_SIZE", 10)
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("POLL_ERROR_BACKOFF", "10s")
	v.SetDefault("ELIGIBILITY_SWEEP_INTERVAL", "30m")
	v.SetDefault("DENIAL_SWEEP_INTERVAL", "60m")
	v.SetDefault("SUBMISSION_SWEEP_INTERVAL", "15m")
	v.SetDefault("SWEEP_BATCH_SIZE", 100)
	v.SetDefault("MAX_AUTOMATION_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1m")
	v.SetDefault("STALE_CLAIM_AFTER", "15m")
	v.SetDefault("GATEWAY_TIMEOUT", "30s")
	v.SetDefault("GATEWAY_MAX_RETRIES", 2)
	v.SetDefault("GATEWAY_RPS", 5)
	v.SetDefault("HIGH_CONFIDENCE_THRESHOLD", 80)
	v.SetDefault("APPEAL_THRESHOLD", 70)
	v.SetDefault("ASSISTANT_TIMEOUT", "20s")

	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Payers = payerOverrides(v, os.Environ())

	if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development);")
		log.Println("WARNING: every request is treated as an admin. Set ENV=production and AUTH_ISSUER before deploying.")
	}

	return cfg, nil
}

// payerOverrides collects PAYER_<ID>_ENDPOINT, PAYER_<ID>_API_KEY and
// PAYER_<ID>_ACTIVE from the environment and the .env file.
func payerOverrides(v *viper.Viper, environ []string) map[string]PayerOverride {
	keys := make(map[string]bool)
	for _, kv := range environ {
		k, _, _ := strings.Cut(kv, "=")
		keys[strings.ToUpper(k)] = true
	}
	for _, k := range v.AllKeys() {
		keys[strings.ToUpper(k)] = true
	}

	out := make(map[string]PayerOverride)
	for key := range keys {
		rest, ok := strings.CutPrefix(key, "PAYER_")
		if !ok {
			continue
		}
		var id, field string
		for _, suffix := range []string{"_ENDPOINT", "_API_KEY", "_ACTIVE"} {
			if p, ok := strings.CutSuffix(rest, suffix); ok && p != "" {
				id, field = strings.ToLower(p), suffix
				break
			}
		}
		if id == "" {
			continue
		}

		_ = v.BindEnv(key)
		o := out[id]
		switch field {
		case "_ENDPOINT":
			o.Endpoint = v.GetString(key)
		case "_API_KEY":
			o.APIKey = v.GetString(key)
		case "_ACTIVE":
			active := v.GetBool(key)
			o.Active = &active
		}
		out[id] = o
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise:
//   - ENV=development -> "development" (no auth, all requests get admin)
//   - anything else   -> "external" (bearer JWTs from AUTH_ISSUER)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (ENV=%q)", c.Env)
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}
	if c.PollBatchSize <= 0 || c.SweepBatchSize <= 0 {
		return fmt.Errorf("POLL_BATCH_SIZE and SWEEP_BATCH_SIZE must be positive")
	}
	if c.PollInterval <= 0 || c.PollErrorBackoff <= 0 {
		return fmt.Errorf("POLL_INTERVAL and POLL_ERROR_BACKOFF must be positive")
	}
	if c.EligibilitySweepInterval <= 0 || c.DenialSweepInterval <= 0 || c.SubmissionSweepInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if c.MaxAutomationAttempts < 1 {
		return fmt.Errorf("MAX_AUTOMATION_ATTEMPTS must be at least 1, got %d", c.MaxAutomationAttempts)
	}
	if c.HighConfidenceThreshold < 0 || c.HighConfidenceThreshold > 100 {
		return fmt.Errorf("HIGH_CONFIDENCE_THRESHOLD must be within 0-100, got %d", c.HighConfidenceThreshold)
	}
	if c.AppealThreshold < 0 || c.AppealThreshold > 100 {
		return fmt.Errorf("APPEAL_THRESHOLD must be within 0-100, got %d", c.AppealThreshold)
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	return nil
}
