package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mind-engage/mindengage-lti/internal/db"
	"github.com/mind-engage/mindengage-lti/pkg/tool/clientcred"
)

type StoreBackend string

const (
	StoreSQL    StoreBackend = "sql"
	StoreRedis  StoreBackend = "redis"
	StoreMemory StoreBackend = "memory"
)

type Config struct {
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	StoreBackend   StoreBackend `env:"STORE_BACKEND" envDefault:"sql"`
	DBDriver       string       `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN          string       `env:"DB_DSN"` // driver default when empty
	RedisAddr      string       `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string       `env:"REDIS_PASSWORD"`
	RedisDB        int          `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string       `env:"REDIS_KEY_PREFIX" envDefault:"lti:"`
	TablePrefix    string       `env:"KV_TABLE_PREFIX"`

	SigningKeyID   string `env:"SIGNING_KEY_ID" envDefault:"tool-signing-key"`
	SigningKeyFile string `env:"SIGNING_KEY_FILE"`

	StateTTL          time.Duration `env:"STATE_TTL" envDefault:"2h"`
	CookieSecure      bool          `env:"COOKIE_SECURE" envDefault:"true"`
	LoginPathSegment  string        `env:"LOGIN_PATH_SEGMENT" envDefault:"login"`
	LaunchPathSegment string        `env:"LAUNCH_PATH_SEGMENT" envDefault:"launch"`

	// Scopes requested on every client-credentials grant.
	ClientCredentialScopes []string      `env:"CC_SCOPES" envSeparator:","`
	HTTPClientTimeout      time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"15s"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Origins the session bridge may send codes to, on top of the launched
	// tool's own origin and PUBLIC_BASE_URL.
	AuthorizeRedirectOrigins []string `env:"AUTHORIZE_REDIRECT_ORIGINS" envSeparator:","`

	AdminUser     string `env:"ADMIN_USER" envDefault:"admin"`
	AdminPassHash string `env:"ADMIN_PASS_HASH"` // bcrypt; admin routes are off when empty

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if len(cfg.ClientCredentialScopes) == 0 {
		cfg.ClientCredentialScopes = clientcred.DefaultScopes
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreSQL:
		if _, err := db.ParseDriver(c.DBDriver); err != nil {
			return err
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.SigningKeyID == "" {
		return fmt.Errorf("SIGNING_KEY_ID is required")
	}
	if c.LoginPathSegment == "" || c.LaunchPathSegment == "" || c.LoginPathSegment == c.LaunchPathSegment {
		return fmt.Errorf("login and launch path segments must be distinct and non-empty")
	}
	if c.StateTTL <= 0 {
		return fmt.Errorf("STATE_TTL must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
