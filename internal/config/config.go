package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/rdrf/rdrf/internal/domain/calculation"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	ComputeEndpoint  string        `mapstructure:"COMPUTE_ENDPOINT"`
	ValidateEndpoint string        `mapstructure:"VALIDATE_ENDPOINT"`
	DebounceWindow   time.Duration `mapstructure:"DEBOUNCE_WINDOW"`
	CascadeMaxDepth  int           `mapstructure:"CASCADE_MAX_DEPTH"`
	StaleResponses   string        `mapstructure:"STALE_RESPONSES"`
	ComputeTimeout   time.Duration `mapstructure:"COMPUTE_TIMEOUT"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"COMPUTE_ENDPOINT", "VALIDATE_ENDPOINT", "DEBOUNCE_WINDOW", "CASCADE_MAX_DEPTH",
	"STALE_RESPONSES", "COMPUTE_TIMEOUT",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. The database is optional here; commands that need
// it call RequireDatabase.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("COMPUTE_ENDPOINT", "http://localhost:8000/api/v1/calculatedcdes/")
	v.SetDefault("VALIDATE_ENDPOINT", "http://localhost:8000/api/v1/rpc/")
	v.SetDefault("DEBOUNCE_WINDOW", calculation.DefaultDebounce)
	v.SetDefault("CASCADE_MAX_DEPTH", calculation.DefaultMaxCascadeDepth)
	v.SetDefault("STALE_RESPONSES", string(calculation.StaleDiscard))
	v.SetDefault("COMPUTE_TIMEOUT", 0)
	v.SetDefault("CORS_ORIGINS", "")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("REQUEST_TIMEOUT", 10*time.Second)

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	var origins []string
	for _, o := range cfg.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.CORSOrigins = origins

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" && c.Env != "test" {
		return fmt.Errorf("ENV must be development, test or production, got %q", c.Env)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max >= 1", c.DBMinConns, c.DBMaxConns)
	}
	if c.ComputeEndpoint == "" {
		return fmt.Errorf("COMPUTE_ENDPOINT is required")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("DEBOUNCE_WINDOW must be positive, got %s", c.DebounceWindow)
	}
	if c.CascadeMaxDepth < 1 {
		return fmt.Errorf("CASCADE_MAX_DEPTH must be at least 1, got %d", c.CascadeMaxDepth)
	}
	if _, err := c.StalePolicy(); err != nil {
		return fmt.Errorf("STALE_RESPONSES: %w", err)
	}
	if c.ComputeTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

// RequireDatabase fails when no DATABASE_URL is configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func (c *Config) StalePolicy() (calculation.StalePolicy, error) {
	return calculation.ParseStalePolicy(c.StaleResponses)
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
