// Package config loads process configuration from a .env file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"

	PollerRiver = "river"
	PollerLocal = "local"
)

type Config struct {
	HTTPAddr string
	LogLevel slog.Level

	DatabaseURL string
	Redis       RedisConfig
	BoltPath    string

	LedgerDriver string
	TasksDriver  string
	PollerMode   string

	PollInterval    time.Duration
	PollMaxAttempts int

	JWTSecret string
	JWTIssuer string

	WebhookSecret      string
	SignatureTolerance time.Duration

	Veo    ProviderConfig
	Runway ProviderConfig

	CORSOrigins []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig configures one generation provider. A provider without an
// API key is not registered.
type ProviderConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Credits           int64
	RequestsPerSecond float64
}

func (p ProviderConfig) Enabled() bool { return p.APIKey != "" }

var envBindings = map[string]string{
	"http.addr":                    "HTTP_ADDR",
	"log.level":                    "LOG_LEVEL",
	"database.url":                 "DATABASE_URL",
	"redis.addr":                   "REDIS_ADDR",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"bolt.path":                    "BOLT_PATH",
	"ledger.driver":                "LEDGER_DRIVER",
	"tasks.driver":                 "TASKS_DRIVER",
	"poller.mode":                  "POLLER_MODE",
	"poll.interval":                "POLL_INTERVAL",
	"poll.max_attempts":            "POLL_MAX_ATTEMPTS",
	"auth.jwt_secret":              "JWT_SECRET",
	"auth.jwt_issuer":              "JWT_ISSUER",
	"payments.webhook_secret":      "PAYMENTS_WEBHOOK_SECRET",
	"payments.signature_tolerance": "PAYMENTS_SIGNATURE_TOLERANCE",
	"providers.veo.base_url":       "VEO_BASE_URL",
	"providers.veo.api_key":        "VEO_API_KEY",
	"providers.veo.model":          "VEO_MODEL",
	"providers.veo.credits":        "VEO_CREDITS",
	"providers.veo.rps":            "VEO_RPS",
	"providers.runway.base_url":    "RUNWAY_BASE_URL",
	"providers.runway.api_key":     "RUNWAY_API_KEY",
	"providers.runway.model":       "RUNWAY_QUALITY",
	"providers.runway.credits":     "RUNWAY_CREDITS",
	"providers.runway.rps":         "RUNWAY_RPS",
	"cors.allowed_origins":         "CORS_ALLOWED_ORIGINS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("bolt.path", "framecredit.db")
	v.SetDefault("ledger.driver", DriverPostgres)
	v.SetDefault("tasks.driver", DriverPostgres)
	v.SetDefault("poller.mode", PollerRiver)
	v.SetDefault("poll.interval", "10s")
	v.SetDefault("poll.max_attempts", 90)
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("payments.signature_tolerance", "5m")
	v.SetDefault("providers.veo.base_url", "https://api.kie.ai")
	v.SetDefault("providers.veo.model", "veo3_fast")
	v.SetDefault("providers.veo.credits", 60)
	v.SetDefault("providers.veo.rps", 5)
	v.SetDefault("providers.runway.base_url", "https://api.kie.ai")
	v.SetDefault("providers.runway.model", "720p")
	v.SetDefault("providers.runway.credits", 30)
	v.SetDefault("providers.runway.rps", 5)
	v.SetDefault("cors.allowed_origins", "http://localhost:3000")
}

// Load reads envFile when it exists, then lets the environment override it.
// An empty envFile skips the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
			// .env keys arrive upper-case and flat; map them onto the dotted keys.
			for key, env := range envBindings {
				if fileVal := v.Get(strings.ToLower(env)); fileVal != nil && os.Getenv(env) == "" {
					v.Set(key, fileVal)
				}
			}
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	cfg := &Config{
		HTTPAddr:    v.GetString("http.addr"),
		LogLevel:    level,
		DatabaseURL: v.GetString("database.url"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		BoltPath:           v.GetString("bolt.path"),
		LedgerDriver:       strings.ToLower(v.GetString("ledger.driver")),
		TasksDriver:        strings.ToLower(v.GetString("tasks.driver")),
		PollerMode:         strings.ToLower(v.GetString("poller.mode")),
		PollInterval:       v.GetDuration("poll.interval"),
		PollMaxAttempts:    v.GetInt("poll.max_attempts"),
		JWTSecret:          v.GetString("auth.jwt_secret"),
		JWTIssuer:          v.GetString("auth.jwt_issuer"),
		WebhookSecret:      v.GetString("payments.webhook_secret"),
		SignatureTolerance: v.GetDuration("payments.signature_tolerance"),
		Veo:                provider(v, "veo"),
		Runway:             provider(v, "runway"),
		CORSOrigins:        splitList(v.GetString("cors.allowed_origins")),
	}
	return cfg, nil
}

func provider(v *viper.Viper, name string) ProviderConfig {
	prefix := "providers." + name + "."
	return ProviderConfig{
		BaseURL:           v.GetString(prefix + "base_url"),
		APIKey:            v.GetString(prefix + "api_key"),
		Model:             v.GetString(prefix + "model"),
		Credits:           v.GetInt64(prefix + "credits"),
		RequestsPerSecond: v.GetFloat64(prefix + "rps"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.LedgerDriver {
	case DriverPostgres, DriverRedis, DriverBolt, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q is not one of postgres, redis, bolt, memory", c.LedgerDriver))
	}
	switch c.TasksDriver {
	case DriverPostgres, DriverBolt, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("tasks.driver %q is not one of postgres, bolt, memory", c.TasksDriver))
	}
	switch c.PollerMode {
	case PollerRiver:
		if c.TasksDriver != DriverPostgres {
			errs = append(errs, errors.New("poller.mode river requires tasks.driver postgres"))
		}
	case PollerLocal:
	default:
		errs = append(errs, fmt.Errorf("poller.mode %q is not one of river, local", c.PollerMode))
	}
	if c.NeedsPostgres() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("database.url is required by the selected drivers"))
	}
	if c.PollInterval <= 0 || c.PollMaxAttempts <= 0 {
		errs = append(errs, errors.New("poll.interval and poll.max_attempts must be positive"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("payments.webhook_secret is required"))
	}
	if !c.Veo.Enabled() && !c.Runway.Enabled() {
		errs = append(errs, errors.New("at least one provider api key is required"))
	}
	for name, p := range map[string]ProviderConfig{"veo": c.Veo, "runway": c.Runway} {
		if p.Enabled() && p.Credits <= 0 {
			errs = append(errs, fmt.Errorf("providers.%s.credits must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) NeedsPostgres() bool {
	return c.LedgerDriver == DriverPostgres || c.TasksDriver == DriverPostgres || c.PollerMode == PollerRiver
}

func (c *Config) NeedsBolt() bool {
	return c.LedgerDriver == DriverBolt || c.TasksDriver == DriverBolt
}
