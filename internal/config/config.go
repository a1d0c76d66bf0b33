package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration options for the control room
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Endpoint  EndpointConfig  `mapstructure:"endpoint" yaml:"endpoint"`
	Plan      PlanConfig      `mapstructure:"plan" yaml:"plan"`
	Attention AttentionConfig `mapstructure:"attention" yaml:"attention"`
	AutoMode  AutoModeConfig  `mapstructure:"auto_mode" yaml:"auto_mode"`
	Sessions  SessionsConfig  `mapstructure:"sessions" yaml:"sessions"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Projects  []ProjectConfig `mapstructure:"projects" yaml:"projects"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is the directory holding controlroom.log. Empty logs to stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// EndpointConfig selects and tunes the terminal scripting endpoint
type EndpointConfig struct {
	// Backend is "websocket" (a scripting host speaking JSON over a websocket)
	// or "tmux" (a dedicated tmux server driven through its CLI).
	Backend string `mapstructure:"backend" yaml:"backend"`
	// URL is the websocket URL, e.g. ws://127.0.0.1:7420/control
	URL string `mapstructure:"url" yaml:"url"`
	// UnixSocket dials the websocket over a unix domain socket when set.
	UnixSocket string `mapstructure:"unix_socket" yaml:"unix_socket"`
	// TmuxSocket is the tmux -L socket name for the tmux backend.
	TmuxSocket    string          `mapstructure:"tmux_socket" yaml:"tmux_socket"`
	DialTimeoutMs int             `mapstructure:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	Reconnect     ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

// ReconnectConfig bounds the reconnect backoff after a dropped connection
type ReconnectConfig struct {
	InitialBackoffMs int `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms" yaml:"max_backoff_ms"`
	// MaxAttempts caps consecutive attempts per reconnect cycle. 0 retries forever.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// PlanConfig controls plan discovery and watching
type PlanConfig struct {
	// File is the default plan document name inside a project directory
	File string `mapstructure:"file" yaml:"file"`
	// TestFile is the default test plan document name
	TestFile string `mapstructure:"test_file" yaml:"test_file"`
	// Discovery lists glob patterns tried when File does not exist
	Discovery  []string `mapstructure:"discovery" yaml:"discovery"`
	DebounceMs int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	// SettleMs is how long after a self-write completes that matching
	// filesystem events are still attributed to it.
	SettleMs int `mapstructure:"settle_ms" yaml:"settle_ms"`
	// RescanMs is how often a project without a plan or test plan looks
	// for one to appear.
	RescanMs int `mapstructure:"rescan_ms" yaml:"rescan_ms"`
}

// AttentionConfig tunes the attention monitor
type AttentionConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	SampleWindowMs int `mapstructure:"sample_window_ms" yaml:"sample_window_ms"`
	// IdlePromptPatterns are regular expressions matched against the last
	// non-blank screen line. Empty uses the built-in shell prompt heuristic.
	IdlePromptPatterns []string `mapstructure:"idle_prompt_patterns" yaml:"idle_prompt_patterns"`
}

// AutoModeConfig is the default automation policy applied to every project
type AutoModeConfig struct {
	Enabled             bool   `mapstructure:"enabled" yaml:"enabled"`
	AutoAdvance         bool   `mapstructure:"auto_advance" yaml:"auto_advance"`
	RequireConfirmation bool   `mapstructure:"require_confirmation" yaml:"require_confirmation"`
	DesignatedSession   string `mapstructure:"designated_session" yaml:"designated_session"`
	// Commands maps a stage name to the text sent on entering that stage
	Commands map[string]string `mapstructure:"commands" yaml:"commands"`
	// StagePhases maps a stage name to the plan phase whose completion ends it
	StagePhases map[string]string `mapstructure:"stage_phases" yaml:"stage_phases"`
}

// SessionsConfig holds named session templates and layouts
type SessionsConfig struct {
	Templates map[string]TemplateConfig `mapstructure:"templates" yaml:"templates"`
	Layouts   map[string]LayoutConfig   `mapstructure:"layouts" yaml:"layouts"`
}

// TemplateConfig describes a single-pane session
type TemplateConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Title   string `mapstructure:"title" yaml:"title"`
	// Layout names an entry in SessionsConfig.Layouts. When set, spawning
	// the template applies the layout instead of opening a single pane.
	Layout string `mapstructure:"layout" yaml:"layout,omitempty"`
}

// LayoutConfig is a window/tab/pane grid
type LayoutConfig struct {
	Windows []WindowLayoutConfig `mapstructure:"windows" yaml:"windows"`
}

// WindowLayoutConfig is one window in a layout
type WindowLayoutConfig struct {
	Title string            `mapstructure:"title" yaml:"title"`
	Tabs  []TabLayoutConfig `mapstructure:"tabs" yaml:"tabs"`
}

// TabLayoutConfig is one tab in a window. The first pane is the primary
// pane; every later pane is split from the one before it.
type TabLayoutConfig struct {
	Title string       `mapstructure:"title" yaml:"title"`
	Panes []PaneConfig `mapstructure:"panes" yaml:"panes"`
}

// PaneConfig is one pane in a tab
type PaneConfig struct {
	Template string `mapstructure:"template" yaml:"template"`
	// Split is "vertical" or "horizontal". Ignored for the primary pane.
	Split string `mapstructure:"split" yaml:"split,omitempty"`
}

// StoreConfig controls the workflow journal
type StoreConfig struct {
	// Path is the sqlite database file. Empty disables the journal.
	Path string `mapstructure:"path" yaml:"path"`
}

// ProjectConfig names a supervised project
type ProjectConfig struct {
	Name         string `mapstructure:"name" yaml:"name"`
	Dir          string `mapstructure:"dir" yaml:"dir"`
	PlanFile     string `mapstructure:"plan_file" yaml:"plan_file,omitempty"`
	TestPlanFile string `mapstructure:"test_plan_file" yaml:"test_plan_file,omitempty"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Endpoint: EndpointConfig{
			Backend:       BackendWebsocket,
			URL:           "ws://127.0.0.1:7420/control",
			TmuxSocket:    "controlroom",
			DialTimeoutMs: 5000,
			Reconnect: ReconnectConfig{
				InitialBackoffMs: 250,
				MaxBackoffMs:     10000,
				MaxAttempts:      0,
			},
		},
		Plan: PlanConfig{
			File:       "PLAN.md",
			TestFile:   "TEST_PLAN.md",
			Discovery:  []string{"*PLAN*.md", "docs/*plan*.md"},
			DebounceMs: 100,
			SettleMs:   250,
			RescanMs:   2000,
		},
		Attention: AttentionConfig{
			PollIntervalMs: 500,
			SampleWindowMs: 2000,
		},
		AutoMode: AutoModeConfig{
			Enabled:             false,
			AutoAdvance:         true,
			RequireConfirmation: true,
			Commands:            map[string]string{},
			StagePhases:         map[string]string{},
		},
		Sessions: SessionsConfig{
			Templates: map[string]TemplateConfig{
				"shell": {Title: "shell"},
			},
			Layouts: map[string]LayoutConfig{},
		},
		Store: StoreConfig{
			Path: filepath.Join(ConfigDir(), "journal.db"),
		},
	}
}

// Endpoint backends
const (
	BackendWebsocket = "websocket"
	BackendTmux      = "tmux"
)

// DialTimeout returns the dial timeout as a time.Duration
func (c *EndpointConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// InitialBackoff returns the first reconnect delay
func (c *ReconnectConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the reconnect delay ceiling
func (c *ReconnectConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// Debounce returns the watcher coalescing interval
func (c *PlanConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// Settle returns the self-write settle interval
func (c *PlanConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// Rescan returns how often missing plan documents are looked for
func (c *PlanConfig) Rescan() time.Duration {
	return time.Duration(c.RescanMs) * time.Millisecond
}

// PollInterval returns how often session screens are sampled
func (c *AttentionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SampleWindow returns how long output must be quiet before a session is
// no longer considered working
func (c *AttentionConfig) SampleWindow() time.Duration {
	return time.Duration(c.SampleWindowMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)

	// Endpoint defaults
	viper.SetDefault("endpoint.backend", defaults.Endpoint.Backend)
	viper.SetDefault("endpoint.url", defaults.Endpoint.URL)
	viper.SetDefault("endpoint.unix_socket", defaults.Endpoint.UnixSocket)
	viper.SetDefault("endpoint.tmux_socket", defaults.Endpoint.TmuxSocket)
	viper.SetDefault("endpoint.dial_timeout_ms", defaults.Endpoint.DialTimeoutMs)
	viper.SetDefault("endpoint.reconnect.initial_backoff_ms", defaults.Endpoint.Reconnect.InitialBackoffMs)
	viper.SetDefault("endpoint.reconnect.max_backoff_ms", defaults.Endpoint.Reconnect.MaxBackoffMs)
	viper.SetDefault("endpoint.reconnect.max_attempts", defaults.Endpoint.Reconnect.MaxAttempts)

	// Plan defaults
	viper.SetDefault("plan.file", defaults.Plan.File)
	viper.SetDefault("plan.test_file", defaults.Plan.TestFile)
	viper.SetDefault("plan.discovery", defaults.Plan.Discovery)
	viper.SetDefault("plan.debounce_ms", defaults.Plan.DebounceMs)
	viper.SetDefault("plan.settle_ms", defaults.Plan.SettleMs)
	viper.SetDefault("plan.rescan_ms", defaults.Plan.RescanMs)

	// Attention defaults
	viper.SetDefault("attention.poll_interval_ms", defaults.Attention.PollIntervalMs)
	viper.SetDefault("attention.sample_window_ms", defaults.Attention.SampleWindowMs)
	viper.SetDefault("attention.idle_prompt_patterns", defaults.Attention.IdlePromptPatterns)

	// Auto mode defaults
	viper.SetDefault("auto_mode.enabled", defaults.AutoMode.Enabled)
	viper.SetDefault("auto_mode.auto_advance", defaults.AutoMode.AutoAdvance)
	viper.SetDefault("auto_mode.require_confirmation", defaults.AutoMode.RequireConfirmation)
	viper.SetDefault("auto_mode.designated_session", defaults.AutoMode.DesignatedSession)
	viper.SetDefault("auto_mode.commands", defaults.AutoMode.Commands)
	viper.SetDefault("auto_mode.stage_phases", defaults.AutoMode.StagePhases)

	// Session defaults
	viper.SetDefault("sessions.templates", defaults.Sessions.Templates)
	viper.SetDefault("sessions.layouts", defaults.Sessions.Layouts)

	// Store defaults
	viper.SetDefault("store.path", defaults.Store.Path)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "controlroom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".controlroom"
	}
	return filepath.Join(home, ".config", "controlroom")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidBackends returns the list of valid endpoint backends
func ValidBackends() []string {
	return []string{BackendWebsocket, BackendTmux}
}

// ValidStages returns the stage names accepted in auto_mode maps
func ValidStages() []string {
	return []string{"planning", "execute", "review", "pr", "done"}
}
