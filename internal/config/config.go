package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level screenwatch config.
	WorkspaceDirName = ".screenwatch"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the screenwatch server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Browser  BrowserConfig  `yaml:"browser"`
	Observer ObserverConfig `yaml:"observer"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LoggingConfig configures the zap console core and the rotated JSON file core.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format of the console core: console | json.
	Format string `yaml:"format"`
	// File enables the JSON file core when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// StartURL is opened by the watch command when no URL is given.
	StartURL string `yaml:"start_url"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// ObserverConfig tunes the screen observer loop and its handler routines.
type ObserverConfig struct {
	PollInterval      string `yaml:"poll_interval"`
	FaultBackoff      string `yaml:"fault_backoff"`
	ProbeTimeout      string `yaml:"probe_timeout"`
	ActionTimeout     string `yaml:"action_timeout"`
	JoinTimeout       string `yaml:"join_timeout"`
	Settle            string `yaml:"settle"`
	LongSettle        string `yaml:"long_settle"`
	ReloadSettle      string `yaml:"reload_settle"`
	RateLimitCooldown string `yaml:"rate_limit_cooldown"`
	// EscalationPolicy is advisory (report and keep polling) or stop.
	EscalationPolicy string `yaml:"escalation_policy"`
	// CatalogPath replaces the built-in pattern catalog with a YAML file.
	CatalogPath string `yaml:"catalog_path"`
	// SerializeActions shares one lock per session between observer actions and tool clicks.
	SerializeActions bool `yaml:"serialize_actions"`
	// RepaintBeforeProbe captures a screenshot before presence checks.
	RepaintBeforeProbe bool `yaml:"repaint_before_probe"`
	// LogLevel raises the observer's own log level above the global one.
	LogLevel string `yaml:"log_level"`
	// AutoStart starts an observer for every session the server creates.
	AutoStart bool `yaml:"auto_start"`
	// EventBuffer is the number of recent events kept per session.
	EventBuffer int `yaml:"event_buffer"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL flight recorder of observer events.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "screenwatch-mcp",
			Version: "0.1.0",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			File:       "screenwatch.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			SessionStore:             "sessions.json",
			StartURL:                 "https://www.instagram.com/",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Observer: ObserverConfig{
			PollInterval:      "500ms",
			FaultBackoff:      "1s",
			ProbeTimeout:      "750ms",
			ActionTimeout:     "5s",
			JoinTimeout:       "2s",
			Settle:            "1s",
			LongSettle:        "2s",
			ReloadSettle:      "3s",
			RateLimitCooldown: "60s",
			EscalationPolicy:  "advisory",
			LogLevel:          "info",
			EventBuffer:       256,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "schemas/observer.mg",
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable: true,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .screenwatch/config.yaml file.
// Returns the workspace root directory (parent of .screenwatch/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .screenwatch/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .screenwatch/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# screenwatch project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# observer:
#   poll_interval: "500ms"
#   action_timeout: "5s"
#   escalation_policy: "stop"
#   catalog_path: ".screenwatch/catalog.yaml"
#   serialize_actions: true

# browser:
#   headless: false
#   start_url: "https://www.instagram.com/"

# logging:
#   level: debug
#   file: "data/screenwatch.log"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, sessions, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Logging.File = resolve(cfg.Logging.File)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Observer.CatalogPath = resolve(cfg.Observer.CatalogPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	switch c.Observer.EscalationPolicy {
	case "", "advisory", "stop":
	default:
		return fmt.Errorf("observer.escalation_policy must be advisory or stop, got %q", c.Observer.EscalationPolicy)
	}
	for name, v := range map[string]string{
		"observer.poll_interval":       c.Observer.PollInterval,
		"observer.fault_backoff":       c.Observer.FaultBackoff,
		"observer.probe_timeout":       c.Observer.ProbeTimeout,
		"observer.action_timeout":      c.Observer.ActionTimeout,
		"observer.join_timeout":        c.Observer.JoinTimeout,
		"observer.settle":              c.Observer.Settle,
		"observer.long_settle":         c.Observer.LongSettle,
		"observer.reload_settle":       c.Observer.ReloadSettle,
		"observer.rate_limit_cooldown": c.Observer.RateLimitCooldown,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 15*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDurationOr(b.DefaultAttachTimeout, 10*time.Second)
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
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

func (o ObserverConfig) GetPollInterval() time.Duration {
	return parseDurationOr(o.PollInterval, 500*time.Millisecond)
}

func (o ObserverConfig) GetFaultBackoff() time.Duration {
	return parseDurationOr(o.FaultBackoff, time.Second)
}

func (o ObserverConfig) GetProbeTimeout() time.Duration {
	return parseDurationOr(o.ProbeTimeout, 750*time.Millisecond)
}

// GetActionTimeout bounds each click, keystroke, back navigation and reload.
func (o ObserverConfig) GetActionTimeout() time.Duration {
	return parseDurationOr(o.ActionTimeout, 5*time.Second)
}

func (o ObserverConfig) GetJoinTimeout() time.Duration {
	return parseDurationOr(o.JoinTimeout, 2*time.Second)
}

func (o ObserverConfig) GetSettle() time.Duration {
	return parseDurationOr(o.Settle, time.Second)
}

func (o ObserverConfig) GetLongSettle() time.Duration {
	return parseDurationOr(o.LongSettle, 2*time.Second)
}

func (o ObserverConfig) GetReloadSettle() time.Duration {
	return parseDurationOr(o.ReloadSettle, 3*time.Second)
}

// GetRateLimitCooldown returns how long the rate-limit routine waits before reloading.
func (o ObserverConfig) GetRateLimitCooldown() time.Duration {
	return parseDurationOr(o.RateLimitCooldown, 60*time.Second)
}

// GetEventBuffer returns the per-session event ring size with a sane default.
func (o ObserverConfig) GetEventBuffer() int {
	if o.EventBuffer <= 0 {
		return 256
	}
	return o.EventBuffer
}
