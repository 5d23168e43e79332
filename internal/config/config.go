// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; when empty the server falls back to the in-memory session store (dev only).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; signs access tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; verifies access tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "scp-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "scp-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// AccessTokenTTL is the access token lifetime (e.g. "15m").
	AccessTokenTTL string `mapstructure:"ACCESS_TOKEN_TTL"`
	// RefreshTokenTTL is the refresh token / session lifetime (e.g. "168h").
	RefreshTokenTTL string `mapstructure:"REFRESH_TOKEN_TTL"`
	// SessionLimit is the maximum number of active sessions per user; creating one more evicts the least-recently-active.
	SessionLimit int `mapstructure:"SESSION_LIMIT"`
	// RevokedRetention is how long revoked sessions are kept before the sweeper deletes them (e.g. "168h").
	RevokedRetention string `mapstructure:"REVOKED_RETENTION"`
	// SweepInterval is how often the sweeper deletes expired and stale revoked sessions (e.g. "5m").
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// StoreTimeout bounds session store calls on the login and refresh paths (e.g. "45s").
	StoreTimeout string `mapstructure:"STORE_TIMEOUT"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// CookieDomain is the Domain attribute for auth cookies; empty for host-only.
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`
	// RefreshCookiePath restricts the refresh-token cookie to the refresh endpoint.
	RefreshCookiePath string `mapstructure:"REFRESH_COOKIE_PATH"`
	// BodyTokens, when true, also returns tokens in the JSON body of login/register/refresh
	// responses (migration-window compatibility for clients that do not use cookies).
	BodyTokens bool `mapstructure:"AUTH_BODY_TOKENS"`
	// Env is the application environment ("development", "production"). Cookies are Secure when production.
	Env string `mapstructure:"APP_ENV"`
	// OTLPEndpoint is the OTLP gRPC endpoint for telemetry export; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
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
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ISSUER", "scp-auth")
	v.SetDefault("JWT_AUDIENCE", "scp-api")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h") // 7d
	v.SetDefault("SESSION_LIMIT", 3)
	v.SetDefault("REVOKED_RETENTION", "168h") // 7d
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("STORE_TIMEOUT", "45s")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("REFRESH_COOKIE_PATH", "/api/auth/refresh")
	v.SetDefault("AUTH_BODY_TOKENS", true)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.SessionLimit < 1 {
		return nil, errors.New("config: SESSION_LIMIT must be at least 1")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

// Production reports whether the app runs with production hardening (Secure cookies).
func (c *Config) Production() bool {
	return c.Env == "production"
}

// AccessTTL parses AccessTokenTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.AccessTokenTTL, 15*time.Minute)
}

// RefreshTTL parses RefreshTokenTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.RefreshTokenTTL, 168*time.Hour)
}

// RevokedRetentionTTL parses RevokedRetention as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RevokedRetentionTTL() time.Duration {
	return parseDuration(c.RevokedRetention, 168*time.Hour)
}

// SweepEvery parses SweepInterval as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) SweepEvery() time.Duration {
	return parseDuration(c.SweepInterval, 5*time.Minute)
}

// StoreCallTimeout parses StoreTimeout as a time.Duration. Returns 45s if unset or invalid.
func (c *Config) StoreCallTimeout() time.Duration {
	return parseDuration(c.StoreTimeout, 45*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
