package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	LogLevel        string   `mapstructure:"LOG_LEVEL"`
	StoreDriver     string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DatabaseSchema  string   `mapstructure:"DATABASE_SCHEMA"`
	SQLitePath      string   `mapstructure:"SQLITE_PATH"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL     string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey  string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	CodesFile       string   `mapstructure:"CODES_FILE"`
	MaxLineageDepth int      `mapstructure:"MAX_LINEAGE_DEPTH"`
	MetricsEnabled  bool     `mapstructure:"METRICS_ENABLED"`
	BodyLimit       string   `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "DATABASE_SCHEMA",
	"SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "CODES_FILE",
	"MAX_LINEAGE_DEPTH", "METRICS_ENABLED", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DATABASE_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "services.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAX_LINEAGE_DEPTH", 8)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("BODY_LIMIT", "2M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" && len(cfg.CORSOrigins) <= 1 {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)

	if cfg.IsDev() {
		log.Warn().Msg("running in DEVELOPMENT mode: requests without a token are treated as an admin clinician")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasAuth reports whether any token verification source is configured.
func (c *Config) HasAuth() bool {
	return c.AuthIssuer != "" || c.AuthJWKSURL != "" || c.AuthSigningKey != ""
}

// Validate checks that the configuration is safe to run. Outside
// development a token verification source must be configured.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if !c.IsDev() && !c.HasAuth() {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.MaxLineageDepth < 1 {
		return fmt.Errorf("MAX_LINEAGE_DEPTH must be at least 1, got %d", c.MaxLineageDepth)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
