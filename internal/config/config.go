package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/trialcare/trialcare/pkg/isoduration"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	InvitationSigningKey     string `mapstructure:"INVITATION_SIGNING_KEY"`
	InvitationExpiresIn      string `mapstructure:"INVITATION_EXPIRES_IN"`
	ProxyInvitationExpiresIn string `mapstructure:"PROXY_INVITATION_EXPIRES_IN"`
	MaxInvitationResendTimes int    `mapstructure:"MAX_INVITATION_RESEND_TIMES"`
	ShortCodeLength          int    `mapstructure:"SHORT_CODE_LENGTH"`
	InvitationLinkBaseURL    string `mapstructure:"INVITATION_LINK_BASE_URL"`
	InvitationPermissions    string `mapstructure:"INVITATION_PERMISSIONS_FILE"`
	InvitationSweepSchedule  string `mapstructure:"INVITATION_SWEEP_SCHEDULE"`

	RoleCacheSize int           `mapstructure:"ROLE_CACHE_SIZE"`
	RoleCacheTTL  time.Duration `mapstructure:"ROLE_CACHE_TTL"`

	PublicRateLimitRPS    float64       `mapstructure:"PUBLIC_RATE_LIMIT_RPS"`
	PublicRateLimitBurst  int           `mapstructure:"PUBLIC_RATE_LIMIT_BURST"`
	PublicRateLimitWindow time.Duration `mapstructure:"PUBLIC_RATE_LIMIT_WINDOW"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`

	SMTPHost        string `mapstructure:"SMTP_HOST"`
	SMTPPort        int    `mapstructure:"SMTP_PORT"`
	SMTPUsername    string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword    string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom        string `mapstructure:"SMTP_FROM"`
	DefaultLanguage string `mapstructure:"DEFAULT_LANGUAGE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"INVITATION_SIGNING_KEY", "INVITATION_EXPIRES_IN", "PROXY_INVITATION_EXPIRES_IN",
	"MAX_INVITATION_RESEND_TIMES", "SHORT_CODE_LENGTH", "INVITATION_LINK_BASE_URL",
	"INVITATION_PERMISSIONS_FILE", "INVITATION_SWEEP_SCHEDULE",
	"ROLE_CACHE_SIZE", "ROLE_CACHE_TTL",
	"PUBLIC_RATE_LIMIT_RPS", "PUBLIC_RATE_LIMIT_BURST", "PUBLIC_RATE_LIMIT_WINDOW", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM", "DEFAULT_LANGUAGE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ISSUER", "trialcare")
	v.SetDefault("INVITATION_EXPIRES_IN", "P1W")
	v.SetDefault("PROXY_INVITATION_EXPIRES_IN", "P1D")
	v.SetDefault("MAX_INVITATION_RESEND_TIMES", 5)
	v.SetDefault("SHORT_CODE_LENGTH", 16)
	v.SetDefault("INVITATION_LINK_BASE_URL", "http://localhost:3000/invitation/")
	v.SetDefault("INVITATION_SWEEP_SCHEDULE", "@every 15m")
	v.SetDefault("ROLE_CACHE_SIZE", 1024)
	v.SetDefault("ROLE_CACHE_TTL", "5m")
	v.SetDefault("PUBLIC_RATE_LIMIT_RPS", 5)
	v.SetDefault("PUBLIC_RATE_LIMIT_BURST", 20)
	v.SetDefault("PUBLIC_RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("DEFAULT_LANGUAGE", "en")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in development mode: the X-Dev-User-ID header is trusted, do not use in production")
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

// InvitationExpiry parses the personal and proxy invitation lifetimes.
func (c *Config) InvitationExpiry() (personal, proxy isoduration.Duration, err error) {
	personal, err = isoduration.Parse(c.InvitationExpiresIn)
	if err != nil {
		return personal, proxy, fmt.Errorf("INVITATION_EXPIRES_IN: %w", err)
	}
	proxy, err = isoduration.Parse(c.ProxyInvitationExpiresIn)
	if err != nil {
		return personal, proxy, fmt.Errorf("PROXY_INVITATION_EXPIRES_IN: %w", err)
	}
	return personal, proxy, nil
}

// Validate checks that the configuration is safe to run. Outside development
// both signing keys are required and must differ, so an invitation token can
// never pass as an access token.
func (c *Config) Validate() error {
	if _, _, err := c.InvitationExpiry(); err != nil {
		return err
	}
	if c.MaxInvitationResendTimes < 1 {
		return fmt.Errorf("MAX_INVITATION_RESEND_TIMES must be at least 1, got %d", c.MaxInvitationResendTimes)
	}
	if c.ShortCodeLength < 8 || c.ShortCodeLength > 64 {
		return fmt.Errorf("SHORT_CODE_LENGTH must be between 8 and 64, got %d", c.ShortCodeLength)
	}
	if c.InvitationLinkBaseURL == "" {
		return fmt.Errorf("INVITATION_LINK_BASE_URL is required")
	}

	if !c.IsDev() {
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes outside development")
		}
		if len(c.InvitationSigningKey) < 32 {
			return fmt.Errorf("INVITATION_SIGNING_KEY must be at least 32 bytes outside development")
		}
		if c.AuthSigningKey == c.InvitationSigningKey {
			return fmt.Errorf("AUTH_SIGNING_KEY and INVITATION_SIGNING_KEY must differ")
		}
	}

	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	return nil
}

// InvitationKey returns the invitation signing key, falling back to a fixed
// development key.
func (c *Config) InvitationKey() []byte {
	if c.InvitationSigningKey == "" && c.IsDev() {
		return []byte("trialcare-development-invitation-key")
	}
	return []byte(c.InvitationSigningKey)
}

// AuthKey returns the access token signing key, falling back to a fixed
// development key.
func (c *Config) AuthKey() []byte {
	if c.AuthSigningKey == "" && c.IsDev() {
		return []byte("trialcare-development-auth-key")
	}
	return []byte(c.AuthSigningKey)
}
