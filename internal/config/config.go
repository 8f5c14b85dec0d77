package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for the loqui client.
type Config struct {
	// ServerHost is the host (and optional port) of the loqui backend,
	// used for both the REST API and the websocket push endpoint.
	ServerHost string `env:"LOQUI_SERVER_HOST"`

	// UseTLS selects https/wss vs. http/ws. Only disabled for local
	// development servers.
	UseTLS bool `env:"LOQUI_USE_TLS" envDefault:"true"`

	// Account credentials. Either Email+Password (login flow) or a
	// previously issued UserID+Token pair must be provided; a stored
	// session from a prior run also satisfies this.
	Email    string `env:"LOQUI_EMAIL"`
	Password string `env:"LOQUI_PASSWORD"`
	UserID   string `env:"LOQUI_USER_ID"`
	Token    string `env:"LOQUI_TOKEN"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// StateDir is where the session database lives.
	// Defaults to ~/.loqui/ when empty.
	StateDir string `env:"LOQUI_STATE_DIR"`

	// ProfileFile is an optional YAML file seeding connection defaults
	// (host, device name, email) when the corresponding env vars are
	// unset. Environment variables always win.
	ProfileFile string `env:"LOQUI_PROFILE"`

	// Push connection tuning. The reconnect policy is a fixed delay with
	// a hard attempt cap, not exponential backoff.
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	PingInterval         time.Duration `env:"PING_INTERVAL" envDefault:"25s"`

	// EventBuffer is the per-subscriber buffer size on the event router.
	EventBuffer int `env:"EVENT_BUFFER" envDefault:"64"`

	// HistoryPageSize is the page size requested from the message
	// history API.
	HistoryPageSize int `env:"HISTORY_PAGE_SIZE" envDefault:"30"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// profile mirrors the subset of Config that may be seeded from the
// optional YAML profile file.
type profile struct {
	ServerHost string `yaml:"server_host"`
	DeviceName string `yaml:"device_name"`
	Email      string `yaml:"email"`
	UseTLS     *bool  `yaml:"use_tls"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env
// vars, then fills remaining gaps from the optional profile file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ProfileFile != "" {
		if err := cfg.applyProfile(cfg.ProfileFile); err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "loqui"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".loqui")
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyProfile fills unset fields from the YAML profile file. Values
// already set through the environment are never overridden.
func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if c.ServerHost == "" {
		c.ServerHost = p.ServerHost
	}

	if c.DeviceName == "" {
		c.DeviceName = p.DeviceName
	}

	if c.Email == "" {
		c.Email = p.Email
	}

	if p.UseTLS != nil && os.Getenv("LOQUI_USE_TLS") == "" {
		c.UseTLS = *p.UseTLS
	}

	return nil
}

func (c *Config) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("LOQUI_SERVER_HOST is required")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive")
	}

	if c.EventBuffer < 1 {
		return fmt.Errorf("EVENT_BUFFER must be at least 1")
	}

	if c.HistoryPageSize < 1 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be at least 1")
	}

	return nil
}

// HasLogin reports whether email/password login credentials are present.
func (c *Config) HasLogin() bool {
	return c.Email != "" && c.Password != ""
}

// HasSession reports whether a pre-issued user id and token are present.
func (c *Config) HasSession() bool {
	return c.UserID != "" && c.Token != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RESTBaseURL returns the base URL for REST API calls.
func (c *Config) RESTBaseURL() string {
	if c.UseTLS {
		return "https://" + c.ServerHost
	}

	return "http://" + c.ServerHost
}

// WebsocketURL returns the push endpoint URL for the given identity.
func (c *Config) WebsocketURL(userID string) string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}

	return scheme + "://" + c.ServerHost + "/ws?userId=" + userID
}
