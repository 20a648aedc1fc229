package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const configFileName = ".waggle.toml"

// Config is the gateway configuration. Every field is optional; the GetX
// accessors supply the defaults, so a missing file and an empty file
// behave identically.
type Config struct {
	Host                  *string `toml:"host,omitempty"`
	Port                  *int    `toml:"port,omitempty"`
	AuthToken             *string `toml:"auth_token,omitempty"`
	LogLevel              *string `toml:"log_level,omitempty"`
	SessionTimeoutMinutes *int    `toml:"session_timeout_minutes,omitempty"`
	SweepIntervalSeconds  *int    `toml:"sweep_interval_seconds,omitempty"`
	BufferSize            *int    `toml:"buffer_size,omitempty"`
	KeepAliveSeconds      *int    `toml:"keep_alive_seconds,omitempty"`
	StreamIdleSeconds     *int    `toml:"stream_idle_seconds,omitempty"`
	Metrics               *bool   `toml:"metrics,omitempty"`
	TUI                   *bool   `toml:"tui,omitempty"`
	InstanceDir           *string `toml:"instance_dir,omitempty"`

	RateLimit *RateLimitConfig `toml:"rate_limit,omitempty"`
	Upstreams []UpstreamConfig `toml:"upstreams,omitempty"`
	Resources []ResourceConfig `toml:"resources,omitempty"`
}

// RateLimitConfig throttles requests per remote address. A nil section or
// zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond *float64 `toml:"requests_per_second,omitempty"`
	Burst             *int     `toml:"burst,omitempty"`
}

// UpstreamConfig names one upstream MCP server whose tools get imported
// into the catalog under the "<name>_" prefix.
type UpstreamConfig struct {
	Name  string  `toml:"name"`
	URL   string  `toml:"url"`
	Token *string `toml:"token,omitempty"`
}

// GetToken returns the bearer token to present to this upstream, or empty
// when the upstream is unauthenticated.
func (u *UpstreamConfig) GetToken() string {
	if u.Token == nil {
		return ""
	}
	return *u.Token
}

// ResourceConfig declares one file-backed resource served by
// resources/read. Watch enables change notifications for it.
type ResourceConfig struct {
	Name     string `toml:"name"`
	Path     string `toml:"path"`
	MimeType string `toml:"mime_type,omitempty"`
	Watch    bool   `toml:"watch,omitempty"`
}

// Load reads every .waggle.toml from the filesystem root down to the
// current directory, with closer files overriding farther ones. A missing
// file is not an error.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return &Config{}, nil
	}
	return loadChain(cwd)
}

// LoadFile reads exactly one config file, bypassing the directory chain.
// Used when the --config flag names a file explicitly.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func loadChain(dir string) (*Config, error) {
	var paths []string
	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			paths = append(paths, candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	// Decode outermost first so closer files override its keys.
	cfg := &Config{}
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := toml.DecodeFile(paths[i], cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", paths[i], err)
		}
	}
	return cfg, nil
}

// Accessors with defaults

func (c *Config) GetHost() string {
	if c == nil || c.Host == nil {
		return "" // all interfaces
	}
	return *c.Host
}

func (c *Config) GetPort() int {
	if c == nil || c.Port == nil {
		return 7777 // default
	}
	return *c.Port
}

// ListenAddr joins host and port into a net address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.GetPort())
}

func (c *Config) GetAuthToken() string {
	if c == nil || c.AuthToken == nil {
		return "" // no auth
	}
	return *c.AuthToken
}

func (c *Config) GetLogLevel() string {
	if c == nil || c.LogLevel == nil {
		return "info" // default
	}
	return *c.LogLevel
}

func (c *Config) GetSessionTimeout() time.Duration {
	if c == nil || c.SessionTimeoutMinutes == nil {
		return 30 * time.Minute // default
	}
	return time.Duration(*c.SessionTimeoutMinutes) * time.Minute
}

func (c *Config) GetSweepInterval() time.Duration {
	if c == nil || c.SweepIntervalSeconds == nil {
		return 60 * time.Second // default
	}
	return time.Duration(*c.SweepIntervalSeconds) * time.Second
}

func (c *Config) GetBufferSize() int {
	if c == nil || c.BufferSize == nil {
		return 100 // default
	}
	return *c.BufferSize
}

func (c *Config) GetKeepAlive() time.Duration {
	if c == nil || c.KeepAliveSeconds == nil {
		return 30 * time.Second // default
	}
	return time.Duration(*c.KeepAliveSeconds) * time.Second
}

func (c *Config) GetStreamIdleTimeout() time.Duration {
	if c == nil || c.StreamIdleSeconds == nil {
		return 30 * time.Second // default
	}
	return time.Duration(*c.StreamIdleSeconds) * time.Second
}

func (c *Config) GetMetricsEnabled() bool {
	if c == nil || c.Metrics == nil {
		return true // default enabled
	}
	return *c.Metrics
}

func (c *Config) GetTUIEnabled() bool {
	if c == nil || c.TUI == nil {
		return true // default enabled in the binary
	}
	return *c.TUI
}

func (c *Config) GetInstanceDir() string {
	if c == nil || c.InstanceDir == nil {
		return "" // discovery falls back to ~/.waggle/instances
	}
	return *c.InstanceDir
}

// Rate limit helpers

func (r *RateLimitConfig) GetRequestsPerSecond() float64 {
	if r == nil || r.RequestsPerSecond == nil {
		return 0 // disabled
	}
	return *r.RequestsPerSecond
}

func (r *RateLimitConfig) GetBurst() int {
	if r == nil || r.Burst == nil {
		return 10 // default
	}
	return *r.Burst
}

// Helper functions
func intPtr(i int) *int {
	return &i
}

func stringPtr(s string) *string {
	return &s
}

func boolPtr(b bool) *bool {
	return &b
}
