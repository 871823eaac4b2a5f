package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Data backends for the server and the CLI.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendHTTP     = "http"
)

// Session store backends for the CLI.
const (
	SessionSQLite = "sqlite"
	SessionRedis  = "redis"
	SessionMemory = "memory"
)

// Config holds runtime configuration sourced from env vars.
type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DataBackend string        `env:"DATA_BACKEND" envDefault:"memory"`
	DatabaseURL string        `env:"DATABASE_URL"`
	DataPath    string        `env:"ECELL_DATA_PATH" envDefault:".ecell/members.db"`
	JWTSecret   string        `env:"JWT_SECRET"`
	JWTIssuer   string        `env:"JWT_ISSUER" envDefault:"ecell-backend"`
	JWTTTL      time.Duration `env:"JWT_TTL" envDefault:"1h"`
	CORSOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	BcryptCost  int           `env:"BCRYPT_COST" envDefault:"10"`

	// Admin account created at startup when AdminPassword is set.
	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	AdminRole     string `env:"ADMIN_ROLE" envDefault:"super_admin"`

	EmailDomain     string `env:"ECELL_EMAIL_DOMAIN" envDefault:"inst.edu"`
	VerifyPasswords bool   `env:"ECELL_VERIFY_PASSWORDS" envDefault:"false"`

	// CLI only.
	DataURL        string        `env:"ECELL_DATA_URL"`
	SessionBackend string        `env:"ECELL_SESSION_BACKEND" envDefault:"sqlite"`
	SessionPath    string        `env:"ECELL_SESSION_PATH" envDefault:".ecell/session.db"`
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix    string        `env:"REDIS_PREFIX" envDefault:"ecell:session:"`
	SessionTTL     time.Duration `env:"ECELL_SESSION_TTL" envDefault:"0s"`
	RequestTimeout time.Duration `env:"ECELL_REQUEST_TIMEOUT" envDefault:"10s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadDotEnv loads .env into the process environment if present. Existing
// variables win.
func LoadDotEnv() error {
	return godotenv.Load()
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DataBackend = strings.ToLower(strings.TrimSpace(cfg.DataBackend))
	cfg.SessionBackend = strings.ToLower(strings.TrimSpace(cfg.SessionBackend))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.JWTTTL <= 0 {
		cfg.JWTTTL = time.Hour
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return cfg, nil
}

// ValidateServer checks what the HTTP data service needs.
func (c Config) ValidateServer() error {
	switch c.DataBackend {
	case BackendMemory:
	case BackendPostgres, BackendSQLite:
		if err := c.validateData(c.DataBackend); err != nil {
			return err
		}
	default:
		return fmt.Errorf("DATA_BACKEND must be memory, postgres or sqlite, got %q", c.DataBackend)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return c.validateAdmin()
}

// ValidateClient checks what the command-line client needs.
func (c Config) ValidateClient() error {
	switch backend := c.ClientDataBackend(); backend {
	case BackendPostgres, BackendSQLite:
		if err := c.validateData(backend); err != nil {
			return err
		}
	case BackendHTTP, BackendMemory:
	default:
		return fmt.Errorf("DATA_BACKEND must be memory, postgres or sqlite, got %q", c.DataBackend)
	}
	switch c.SessionBackend {
	case SessionSQLite:
		if strings.TrimSpace(c.SessionPath) == "" {
			return errors.New("ECELL_SESSION_PATH is required for the sqlite session backend")
		}
	case SessionRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("REDIS_ADDR is required for the redis session backend")
		}
	case SessionMemory:
	default:
		return fmt.Errorf("ECELL_SESSION_BACKEND must be sqlite, redis or memory, got %q", c.SessionBackend)
	}
	return c.validateAdmin()
}

func (c Config) validateData(backend string) error {
	switch {
	case backend == BackendPostgres && c.DatabaseURL == "":
		return errors.New("DATABASE_URL is required when DATA_BACKEND=postgres")
	case backend == BackendSQLite && strings.TrimSpace(c.DataPath) == "":
		return errors.New("ECELL_DATA_PATH is required for the sqlite data backend")
	}
	return nil
}

func (c Config) validateAdmin() error {
	if c.AdminPassword == "" {
		return nil
	}
	if strings.TrimSpace(c.AdminUsername) == "" {
		return errors.New("ADMIN_USERNAME is required when ADMIN_PASSWORD is set")
	}
	if c.AdminRole != "admin" && c.AdminRole != "super_admin" {
		return fmt.Errorf("ADMIN_ROLE must be admin or super_admin, got %q", c.AdminRole)
	}
	return nil
}

// ClientDataBackend resolves the CLI's data backend. An ECELL_DATA_URL means
// the remote HTTP service. Members in a memory store would be gone by the next
// invocation, so memory is only honored when sessions are in memory too;
// otherwise members go to the SQLite file at ECELL_DATA_PATH.
func (c Config) ClientDataBackend() string {
	if strings.TrimSpace(c.DataURL) != "" {
		return BackendHTTP
	}
	if c.DataBackend == BackendMemory && c.SessionBackend != SessionMemory {
		return BackendSQLite
	}
	return c.DataBackend
}

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
