// Package config loads aimmd's configuration from a YAML file plus
// environment variable overrides: New() returns defaults, Load() applies
// file-then-env overrides on top of them, by hand rather than through a
// reflective decoder.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hat-open/aimm/internal/aimm/engine"
	"github.com/hat-open/aimm/pkg/logger"
)

// ServerConfig controls the admin HTTP surface.
type ServerConfig struct {
	AdminAddr string `yaml:"admin_addr"`
}

// EngineConfig controls worker-pool admission and the re-exec wiring used
// to spawn isolated children.
type EngineConfig struct {
	MaxChildren    int           `yaml:"max_children"`
	CheckPeriod    time.Duration `yaml:"check_period"`
	SigtermTimeout time.Duration `yaml:"sigterm_timeout"`
}

// BackendConfig selects and parameterizes one persistence backend.
type BackendConfig struct {
	Kind string `yaml:"kind"` // memory | sql | eventbus | jsonfile

	SQLDSN string `yaml:"sql_dsn"` // postgres DSN, passed to lib/pq

	RedisAddr        string `yaml:"redis_addr"`
	RedisDB          int    `yaml:"redis_db"`
	RedisModelPrefix string `yaml:"redis_model_prefix"`

	JSONFilePath string `yaml:"jsonfile_path"`
}

// EventBusControlConfig parameterizes the Event-bus control surface.
type EventBusControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// SessionCredential is one username/password-hash pair accepted at login.
type SessionCredential struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// SessionControlConfig parameterizes the interactive websocket control
// surface.
type SessionControlConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Path      string              `yaml:"path"`
	JWTSecret string              `yaml:"jwt_secret"`
	TokenTTL  time.Duration       `yaml:"token_ttl"`
	Creds     []SessionCredential `yaml:"creds"`

	// LoginRatePerSecond/LoginBurst bound login attempts per username.
	// Zero takes session.Mount's built-in default (1 req/s, burst 5).
	LoginRatePerSecond float64 `yaml:"login_rate_per_second"`
	LoginBurst         int     `yaml:"login_burst"`
}

// GCConfig controls the periodic lingering-action sweep.
type GCConfig struct {
	Schedule    string        `yaml:"schedule"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Config is the top-level aimmd configuration.
type Config struct {
	Server  ServerConfig         `yaml:"server"`
	Logging logger.LoggingConfig `yaml:"logging"`
	Engine  EngineConfig         `yaml:"engine"`
	Backend BackendConfig        `yaml:"backend"`
	GC      GCConfig             `yaml:"gc"`

	EventBus EventBusControlConfig `yaml:"eventbus"`
	Session  SessionControlConfig  `yaml:"session"`
}

// New returns a Config populated with the defaults a local/dev run needs.
func New() *Config {
	return &Config{
		Server: ServerConfig{AdminAddr: ":8081"},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Engine: EngineConfig{
			MaxChildren:    8,
			CheckPeriod:    200 * time.Millisecond,
			SigtermTimeout: 5 * time.Second,
		},
		Backend: BackendConfig{
			Kind:         "jsonfile",
			JSONFilePath: "aimm-models.json",
		},
		GC: GCConfig{
			Schedule:    "@every 1m",
			GracePeriod: 10 * time.Minute,
		},
		EventBus: EventBusControlConfig{
			Enabled: false,
			Prefix:  "aimm",
		},
		Session: SessionControlConfig{
			Enabled:  false,
			Path:     "/ws",
			TokenTTL: 24 * time.Hour,
		},
	}
}

// ToEngineConfig maps the loaded configuration onto engine.Config,
// wiring in the re-exec coordinates the worker pool needs.
func (c *Config) ToEngineConfig(workerArgv0, workerArg string) engine.Config {
	return engine.Config{
		MaxChildren:    c.Engine.MaxChildren,
		CheckPeriod:    c.Engine.CheckPeriod,
		SigtermTimeout: c.Engine.SigtermTimeout,
		WorkerArgv0:    workerArgv0,
		WorkerArg:      workerArg,
	}
}

// Load reads .env (if present), then path (if non-empty and present), then
// applies environment variable overrides, in that order — each stage can
// override the previous one.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("aimm: config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("aimm: config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides mirrors cmd/gateway/main.go's pattern of a handful of
// named os.Getenv reads rather than a reflective decoder.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AIMM_ADMIN_ADDR")); v != "" {
		cfg.Server.AdminAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_MAX_CHILDREN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxChildren = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_BACKEND_KIND")); v != "" {
		cfg.Backend.Kind = v
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_SQL_DSN")); v != "" {
		cfg.Backend.SQLDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_REDIS_ADDR")); v != "" {
		cfg.Backend.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_JSONFILE_PATH")); v != "" {
		cfg.Backend.JSONFilePath = v
	}
	if v := strings.TrimSpace(os.Getenv("AIMM_SESSION_JWT_SECRET")); v != "" {
		cfg.Session.JWTSecret = v
	}
}

// Validate rejects configurations that would fail later in a more
// confusing way (an unknown backend kind, a session control enabled with
// no signing secret).
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "memory", "sql", "eventbus", "jsonfile":
	default:
		return fmt.Errorf("aimm: config: unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.Kind == "sql" && strings.TrimSpace(c.Backend.SQLDSN) == "" {
		return fmt.Errorf("aimm: config: backend.sql_dsn is required for backend kind %q", c.Backend.Kind)
	}
	if c.Backend.Kind == "eventbus" && strings.TrimSpace(c.Backend.RedisAddr) == "" {
		return fmt.Errorf("aimm: config: backend.redis_addr is required for backend kind %q", c.Backend.Kind)
	}
	if c.Session.Enabled && strings.TrimSpace(c.Session.JWTSecret) == "" {
		return fmt.Errorf("aimm: config: session.jwt_secret is required when session control is enabled")
	}
	if c.Session.Enabled && len(c.Session.Creds) == 0 {
		return fmt.Errorf("aimm: config: session.creds must list at least one login credential when session control is enabled")
	}
	if c.Engine.MaxChildren <= 0 {
		return fmt.Errorf("aimm: config: engine.max_children must be > 0")
	}
	return nil
}
