package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the browsercoord MCP server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Network NetworkConfig `yaml:"network"`
	MCP     MCPConfig     `yaml:"mcp"`
	Mangle  MangleConfig  `yaml:"mangle"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`
}

// BrowserConfig selects how the session handle is created and tunes the coordinator.
type BrowserConfig struct {
	// BrowserName is reported to remote endpoints and used in the profile directory name.
	BrowserName string `yaml:"browser_name"`
	// Executable overrides browser discovery.
	Executable string `yaml:"executable"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Isolated launches an ephemeral context instead of a persistent profile.
	Isolated bool `yaml:"isolated"`
	// UserDataDir overrides the profile directory derived from the cache root.
	UserDataDir string `yaml:"user_data_dir"`
	// RemoteEndpoint connects to a remote browser launcher service (ws://host:port).
	RemoteEndpoint string `yaml:"remote_endpoint"`
	// CDPEndpoint attaches to an already running browser over the DevTools protocol.
	CDPEndpoint string `yaml:"cdp_endpoint"`
	// LaunchArgs are extra command-line switches (e.g. ["--no-sandbox"]).
	LaunchArgs []string `yaml:"launch_args"`
	// AutoStart creates the session handle at startup instead of on first tool call.
	AutoStart bool `yaml:"auto_start"`
	// Viewport width for new contexts (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new contexts (default: 720).
	ViewportHeight int `yaml:"viewport_height"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"navigation_timeout"`
	// RequestTimeout bounds the wait for in-flight requests after an action.
	RequestTimeout string `yaml:"request_timeout"`
	// SettleDelay is the pause after the network settles, for trailing timers.
	SettleDelay string `yaml:"settle_delay"`
	// OutputDir receives downloads.
	OutputDir string `yaml:"output_dir"`
	// SaveTrace records a JSONL session trace for every handle.
	SaveTrace bool `yaml:"save_trace"`
	// TraceDir is where session traces are written.
	TraceDir string `yaml:"trace_dir"`
	// CaptureIndexedDB includes IndexedDB in captured storage when the engine supports it.
	CaptureIndexedDB bool `yaml:"capture_indexed_db"`
}

// NetworkConfig lists origins for request interception.
type NetworkConfig struct {
	// AllowedOrigins switches interception to default-deny; only these origins load.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// BlockedOrigins are always aborted.
	BlockedOrigins []string `yaml:"blocked_origins"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded fact journal.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:      "browsercoord-mcp",
			Version:   "0.1.0",
			LogFile:   "browsercoord-mcp.log",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Browser: BrowserConfig{
			BrowserName:              "chromium",
			ViewportWidth:            1280,
			ViewportHeight:           720,
			DefaultNavigationTimeout: "15s",
			RequestTimeout:           "10s",
			SettleDelay:              "1s",
			OutputDir:                filepath.Join(os.TempDir(), "browsercoord-output"),
			TraceDir:                 "data/traces",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path is required")
	}
	if err := cfg.overlay(path); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// overlay merges the YAML document at path over c; keys absent from the file keep their value.
func (c *Config) overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.RemoteEndpoint != "" {
		if err := ValidateEndpoint(c.Browser.RemoteEndpoint); err != nil {
			return fmt.Errorf("browser.remote_endpoint: %w", err)
		}
	}
	if c.Browser.CDPEndpoint != "" {
		if err := ValidateEndpoint(c.Browser.CDPEndpoint); err != nil {
			return fmt.Errorf("browser.cdp_endpoint: %w", err)
		}
	}
	return nil
}

// ErrInvalidEndpoint is returned for endpoint strings that are not absolute ws/http URLs.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// ValidateEndpoint checks that endpoint is an absolute ws, wss, http or https URL with a host.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w %q: scheme must be ws, wss, http or https", ErrInvalidEndpoint, endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// RequestWaitTimeout returns how long to wait for in-flight requests after an action.
func (b BrowserConfig) RequestWaitTimeout() time.Duration {
	return parseDuration(b.RequestTimeout, 10*time.Second)
}

// SettleDuration returns the trailing quiescence delay.
func (b BrowserConfig) SettleDuration() time.Duration {
	return parseDuration(b.SettleDelay, time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 720
	}
	return b.ViewportHeight
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
