// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Token exchange styles accepted by TOKEN_EXCHANGE_STYLE.
const (
	ExchangeStyleJSON = "json"
	ExchangeStyleForm = "form"
)

// Config holds all env configuration vars for Polaris.
type Config struct {
	Port     string
	LogLevel slog.Level

	// Persistence. StoreDriver selects which of the URLs/paths below is used.
	StoreDriver string
	SQLitePath  string
	DatabaseURL string
	RedisURL    string

	// Identity provider directory. Empty values fall back to the oauth package defaults.
	AuthDomain  string
	ClientID    string
	RedirectURI string
	OAuthScope  string
	UserAgent   string

	// State lifecycle. Defaults: 10m TTL, 1h retention after expiry.
	StateTTL       time.Duration
	StateRetention time.Duration

	// TokenExchangeStyle is how codes are posted to token endpoints:
	// "json" (Kiro auth service) or "form" (RFC 6749). Default json.
	TokenExchangeStyle string

	// TokenExchangeTimeout bounds each token endpoint round-trip. Default 30s.
	TokenExchangeTimeout time.Duration

	// TokenExchangeRPS caps outbound token exchanges per second. 0 disables. Default 10.
	TokenExchangeRPS int

	// SweepInterval is how often expired states are purged. 0 disables. Default 1h.
	SweepInterval time.Duration

	// RegisterScheme registers the kiro:// handler once at startup.
	RegisterScheme bool
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error for an unknown STORE_DRIVER or a missing URL the driver needs.
func LoadConfig() (*Config, error) {
	// Create config obj
	cfg := &Config{}

	cfg.Port = PortFromEnv()

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.StoreDriver = strings.ToLower(os.Getenv("STORE_DRIVER"))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverSQLite
	}
	cfg.SQLitePath = os.Getenv("SQLITE_PATH")
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "./polaris_auth.db"
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	// Only the selected driver's connection string is required.
	switch cfg.StoreDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case DriverRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when STORE_DRIVER=redis")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want sqlite, postgres, redis or memory)", cfg.StoreDriver)
	}

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.ClientID = os.Getenv("CLIENT_ID")
	cfg.RedirectURI = os.Getenv("REDIRECT_URI")
	cfg.OAuthScope = os.Getenv("OAUTH_SCOPE")
	cfg.UserAgent = os.Getenv("USER_AGENT")

	cfg.TokenExchangeStyle = strings.ToLower(os.Getenv("TOKEN_EXCHANGE_STYLE"))
	switch cfg.TokenExchangeStyle {
	case "":
		cfg.TokenExchangeStyle = ExchangeStyleJSON
	case ExchangeStyleJSON, ExchangeStyleForm:
	default:
		return nil, fmt.Errorf("unknown TOKEN_EXCHANGE_STYLE %q (want json or form)", cfg.TokenExchangeStyle)
	}

	cfg.StateTTL = envDuration("STATE_TTL", 10*time.Minute)
	cfg.StateRetention = envDuration("STATE_RETENTION", time.Hour)
	cfg.TokenExchangeTimeout = envDuration("TOKEN_EXCHANGE_TIMEOUT", 30*time.Second)

	// "0" is valid for both of these and disables the feature.
	if os.Getenv("TOKEN_EXCHANGE_RPS") == "0" {
		cfg.TokenExchangeRPS = 0
	} else {
		cfg.TokenExchangeRPS = envInt("TOKEN_EXCHANGE_RPS", 10)
	}
	if os.Getenv("SWEEP_INTERVAL") == "0" {
		cfg.SweepInterval = 0
	} else {
		cfg.SweepInterval = envDuration("SWEEP_INTERVAL", time.Hour)
	}

	// Default false -- only explicit "true" enables.
	cfg.RegisterScheme = envBool("REGISTER_SCHEME", false)

	return cfg, nil
}

// PortFromEnv returns PORT, defaulting to 8000. The launcher commands need
// nothing else, so they skip the rest of LoadConfig's validation.
func PortFromEnv() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8000"
}

// SetPort overrides Port, validating it as a TCP port number. Used for the --port flag.
func (c *Config) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	c.Port = strconv.Itoa(port)
	return nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envBool reads an env var as bool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
