package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	preflighterrors "github.com/odvcencio/preflight/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultIPCBind           = "127.0.0.1:4499"
	DefaultBusURL            = "nats://localhost:4222"
	DefaultBusName           = "preflight"
	DefaultThrottleMinDelay  = 100 * time.Millisecond
	DefaultThrottleMaxDelay  = 10 * time.Minute
	DefaultFetchTimeout      = 30 * time.Second
	DefaultMaxEventClients   = 64
	DefaultLogLevel          = "info"
	DefaultSpareRendererPool = 1
)

// MinTokenLength is the minimum recommended length for IPC authentication tokens
const MinTokenLength = 32

// Config represents the complete Preflight configuration
type Config struct {
	IPC         IPCConfig         `yaml:"ipc"`
	Bus         BusConfig         `yaml:"bus"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Speculation SpeculationConfig `yaml:"speculation"`
	Network     NetworkConfig     `yaml:"network"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// IPCConfig controls the HTTP/WebSocket surface exposed to client apps.
type IPCConfig struct {
	Bind            string   `yaml:"bind"`
	AuthToken       string   `yaml:"auth_token"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	PublicMetrics   bool     `yaml:"public_metrics"`
	MaxEventClients int      `yaml:"max_event_clients"`
}

// BusConfig controls the optional cross-process event bus.
type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Name    string `yaml:"name"`
}

// ThrottleConfig bounds the per-uid speculative request backoff.
type ThrottleConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// SpeculationConfig controls hidden-tab speculation behavior.
type SpeculationConfig struct {
	// ExtraSchemes extends the http/https allow-list with deployment-specific
	// internal schemes.
	ExtraSchemes      []string `yaml:"extra_schemes"`
	SpareRendererPool int      `yaml:"spare_renderer_pool"`
}

// NetworkConfig controls detached resource requests.
type NetworkConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	UserAgent    string        `yaml:"user_agent"`
}

// LoggingConfig controls the structured event log.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		IPC: IPCConfig{
			Bind:            DefaultIPCBind,
			MaxEventClients: DefaultMaxEventClients,
		},
		Bus: BusConfig{
			Enabled: false,
			URL:     DefaultBusURL,
			Name:    DefaultBusName,
		},
		Throttle: ThrottleConfig{
			MinDelay: DefaultThrottleMinDelay,
			MaxDelay: DefaultThrottleMaxDelay,
		},
		Speculation: SpeculationConfig{
			SpareRendererPool: DefaultSpareRendererPool,
		},
		Network: NetworkConfig{
			FetchTimeout: DefaultFetchTimeout,
			UserAgent:    "preflight/1.0",
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load loads configuration from ~/.preflight/config.yaml plus environment
// variable overrides, falling back to defaults for anything unset.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".preflight", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadAndMerge reads a yaml file into cfg, leaving unset fields untouched.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return preflighterrors.Wrap(err, preflighterrors.ErrCodeConfigLoad,
			fmt.Sprintf("reading config %s", path))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return preflighterrors.Wrap(err, preflighterrors.ErrCodeConfigParse,
			fmt.Sprintf("parsing %s", path))
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PREFLIGHT_IPC_BIND"); v != "" {
		cfg.IPC.Bind = v
	}
	if v := os.Getenv("PREFLIGHT_IPC_AUTH_TOKEN"); v != "" {
		cfg.IPC.AuthToken = v
	}
	if v := os.Getenv("PREFLIGHT_BUS_URL"); v != "" {
		cfg.Bus.URL = v
		cfg.Bus.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("PREFLIGHT_THROTTLE_MIN_DELAY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Throttle.MinDelay = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("PREFLIGHT_THROTTLE_MAX_DELAY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Throttle.MaxDelay = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("PREFLIGHT_MAX_EVENT_CLIENTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IPC.MaxEventClients = n
		}
	}
	if v := os.Getenv("PREFLIGHT_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("PREFLIGHT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.IPC.Bind); err != nil {
		return invalid("ipc.bind %q is not host:port: %v", c.IPC.Bind, err)
	}
	if c.IPC.AuthToken != "" && len(c.IPC.AuthToken) < MinTokenLength {
		return invalid("ipc.auth_token shorter than %d characters", MinTokenLength)
	}
	if c.Throttle.MinDelay <= 0 {
		return invalid("throttle.min_delay must be positive, got %v", c.Throttle.MinDelay)
	}
	if c.Throttle.MaxDelay < c.Throttle.MinDelay {
		return invalid("throttle.max_delay %v below min_delay %v", c.Throttle.MaxDelay, c.Throttle.MinDelay)
	}
	if c.Network.FetchTimeout <= 0 {
		return invalid("network.fetch_timeout must be positive, got %v", c.Network.FetchTimeout)
	}
	for _, scheme := range c.Speculation.ExtraSchemes {
		if scheme == "" || strings.ContainsAny(scheme, ":/") {
			return invalid("speculation.extra_schemes entry %q is not a bare scheme", scheme)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level %q is not one of debug/info/warn/error", c.Logging.Level)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return preflighterrors.New(preflighterrors.ErrCodeConfigInvalid, fmt.Sprintf(format, args...))
}

// LogDir resolves the event log directory, defaulting under the user home.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "preflight", "logs")
	}
	return filepath.Join(home, ".preflight", "logs")
}
