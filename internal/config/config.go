package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gattflow/internal/engine"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/policy"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string                `yaml:"log_level"`
	Adapter   AdapterConfig         `yaml:"adapter"`
	Devices   []string              `yaml:"devices"`
	Engine    EngineConfig          `yaml:"engine"`
	Tasks     map[string]TaskConfig `yaml:"tasks"`
	Reconnect ReconnectConfig       `yaml:"reconnect"`
	Bond      BondConfig            `yaml:"bond"`
	History   HistoryConfig         `yaml:"history"`
	Monitor   MonitorConfig         `yaml:"monitor"`
}

// AdapterConfig selects the radio binding.
type AdapterConfig struct {
	Kind        string        `yaml:"kind"`         // "sim" or "bluetooth"
	ScanService string        `yaml:"scan_service"` // bluetooth scan filter
	SimLatency  time.Duration `yaml:"sim_latency"`
}

// EngineConfig holds scheduler settings.
type EngineConfig struct {
	SafetyFactor      float64       `yaml:"safety_factor"`
	Smoothing         float64       `yaml:"smoothing"`
	Deviations        float64       `yaml:"deviations"`
	MinTimeout        time.Duration `yaml:"min_timeout"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	DispatchRate      float64       `yaml:"dispatch_rate"` // per second, 0 is unlimited
	DispatchBurst     int           `yaml:"dispatch_burst"`
	AutoDiscover      bool          `yaml:"auto_discover"`
	AutoReconnect     bool          `yaml:"auto_reconnect"`
	ReconnectPriority string        `yaml:"reconnect_priority"`
	RetryScope        string        `yaml:"retry_scope"` // "task" or "node"
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

// TaskConfig overrides the defaults of one operation kind.
type TaskConfig struct {
	Priority   string        `yaml:"priority"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries *int          `yaml:"max_retries"`
}

// ReconnectConfig holds link recovery settings.
type ReconnectConfig struct {
	ShortTermRate    time.Duration `yaml:"short_term_rate"`
	ShortTermTimeout time.Duration `yaml:"short_term_timeout"`
	LongTermRate     time.Duration `yaml:"long_term_rate"`
	LongTermMaxDelay time.Duration `yaml:"long_term_max_delay"`
	LongTermTimeout  time.Duration `yaml:"long_term_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

// BondConfig holds bonding retry settings.
type BondConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	DisconnectOnFailure bool          `yaml:"disconnect_on_failure"`
}

// HistoryConfig holds the event store settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

// MonitorConfig holds the live event stream settings. An empty Listen
// disables the server.
type MonitorConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gattflow")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	historyPath := filepath.Join(home, ".local", "share", "gattflow", "history.db")

	eo := engine.DefaultOptions()
	return &Config{
		LogLevel: "info",
		Adapter: AdapterConfig{
			Kind:       "sim",
			SimLatency: 20 * time.Millisecond,
		},
		Engine: EngineConfig{
			SafetyFactor:      eo.SafetyFactor,
			Smoothing:         eo.Estimator.Smoothing,
			Deviations:        eo.Estimator.Deviations,
			MinTimeout:        eo.Estimator.Floor,
			AutoDiscover:      eo.AutoDiscoverServices,
			AutoReconnect:     eo.AutoReconnect,
			ReconnectPriority: eo.ReconnectPriority.String(),
			RetryScope:        eo.Retry.Scope.String(),
		},
		Reconnect: ReconnectConfig{
			ShortTermRate:    eo.Reconnect.ShortTermRate,
			ShortTermTimeout: eo.Reconnect.ShortTermTimeout,
			LongTermRate:     eo.Reconnect.LongTermRate,
			LongTermMaxDelay: eo.Reconnect.LongTermMaxDelay,
			LongTermTimeout:  eo.Reconnect.LongTermTimeout,
			MaxAttempts:      eo.Reconnect.MaxAttempts,
		},
		Bond: BondConfig{
			MaxRetries:          eo.Bond.MaxRetries,
			BaseDelay:           eo.Bond.BaseDelay,
			MaxDelay:            eo.Bond.MaxDelay,
			DisconnectOnFailure: eo.Bond.DisconnectOnFailure,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    historyPath,
			Buffer:  256,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in history.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.History.Path = expandTilde(cfg.History.Path)

	return cfg, nil
}

const header = "# gattflow configuration\n# See `gattflow run --help` for how each section is used.\n\n"

// WriteDefault writes the default config to DefaultConfigPath unless a file
// already exists there. It returns the written path, or "" if nothing was
// written.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Adapter.Kind {
	case "sim", "bluetooth":
	default:
		return fmt.Errorf("adapter.kind must be \"sim\" or \"bluetooth\", got %q", c.Adapter.Kind)
	}
	if c.Adapter.SimLatency < 0 {
		return fmt.Errorf("adapter.sim_latency must be >= 0")
	}

	for i, d := range c.Devices {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("devices[%d] must not be empty", i)
		}
		if d == engine.ManagerKey {
			return fmt.Errorf("devices[%d]: %q is reserved", i, d)
		}
	}

	e := c.Engine
	if e.SafetyFactor < 1 {
		return fmt.Errorf("engine.safety_factor must be >= 1, got %v", e.SafetyFactor)
	}
	if e.Smoothing <= 0 || e.Smoothing > 1 {
		return fmt.Errorf("engine.smoothing must be in (0, 1], got %v", e.Smoothing)
	}
	if e.Deviations < 0 {
		return fmt.Errorf("engine.deviations must be >= 0")
	}
	if e.MinTimeout <= 0 {
		return fmt.Errorf("engine.min_timeout must be > 0")
	}
	if e.MaxInFlight < 0 {
		return fmt.Errorf("engine.max_in_flight must be >= 0")
	}
	if e.DispatchRate < 0 || e.DispatchBurst < 0 {
		return fmt.Errorf("engine.dispatch_rate and engine.dispatch_burst must be >= 0")
	}
	if _, err := op.ParsePriority(e.ReconnectPriority); err != nil {
		return fmt.Errorf("engine.reconnect_priority: %w", err)
	}
	if _, err := policy.ParseScope(e.RetryScope); err != nil {
		return fmt.Errorf("engine.retry_scope: %w", err)
	}
	if e.RetryDelay < 0 {
		return fmt.Errorf("engine.retry_delay must be >= 0")
	}

	for name, tc := range c.Tasks {
		if _, err := op.ParseKind(name); err != nil {
			return fmt.Errorf("tasks: %w", err)
		}
		if tc.Priority != "" {
			if _, err := op.ParsePriority(tc.Priority); err != nil {
				return fmt.Errorf("tasks.%s.priority: %w", name, err)
			}
		}
		if tc.Timeout < 0 {
			return fmt.Errorf("tasks.%s.timeout must be >= 0", name)
		}
		if tc.MaxRetries != nil && *tc.MaxRetries < 0 {
			return fmt.Errorf("tasks.%s.max_retries must be >= 0", name)
		}
	}

	r := c.Reconnect
	if r.ShortTermRate < 0 || r.ShortTermTimeout < 0 || r.LongTermRate < 0 || r.LongTermMaxDelay < 0 || r.LongTermTimeout < 0 {
		return fmt.Errorf("reconnect durations must be >= 0")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}

	if c.Bond.MaxRetries < 0 {
		return fmt.Errorf("bond.max_retries must be >= 0")
	}
	if c.Bond.BaseDelay < 0 || c.Bond.MaxDelay < 0 {
		return fmt.Errorf("bond delays must be >= 0")
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			return fmt.Errorf("history.path must not be empty when history is enabled")
		}
		if c.History.Buffer <= 0 {
			return fmt.Errorf("history.buffer must be > 0")
		}
	}

	return nil
}

// EngineOptions converts the config into engine options. The config must
// have passed Validate.
func (c *Config) EngineOptions(log *zap.Logger) (engine.Options, error) {
	o := engine.DefaultOptions()
	o.Logger = log

	e := c.Engine
	o.SafetyFactor = e.SafetyFactor
	o.Estimator.Smoothing = e.Smoothing
	o.Estimator.Deviations = e.Deviations
	o.Estimator.Floor = e.MinTimeout
	o.MaxInFlight = e.MaxInFlight
	o.DispatchRate = e.DispatchRate
	o.DispatchBurst = e.DispatchBurst
	o.AutoDiscoverServices = e.AutoDiscover
	o.AutoReconnect = e.AutoReconnect

	var err error
	if o.ReconnectPriority, err = op.ParsePriority(e.ReconnectPriority); err != nil {
		return o, fmt.Errorf("engine.reconnect_priority: %w", err)
	}
	if o.Retry.Scope, err = policy.ParseScope(e.RetryScope); err != nil {
		return o, fmt.Errorf("engine.retry_scope: %w", err)
	}
	o.Retry.Delay = e.RetryDelay

	for name, tc := range c.Tasks {
		k, err := op.ParseKind(name)
		if err != nil {
			return o, fmt.Errorf("tasks: %w", err)
		}
		ko := o.Kinds[k]
		if tc.Priority != "" {
			if ko.Priority, err = op.ParsePriority(tc.Priority); err != nil {
				return o, fmt.Errorf("tasks.%s.priority: %w", name, err)
			}
		}
		if tc.Timeout > 0 {
			ko.Timeout = tc.Timeout
		}
		if tc.MaxRetries != nil {
			ko.MaxRetries = *tc.MaxRetries
		}
		o.Kinds[k] = ko
	}

	o.Reconnect = policy.ReconnectOptions{
		ShortTermRate:    c.Reconnect.ShortTermRate,
		ShortTermTimeout: c.Reconnect.ShortTermTimeout,
		LongTermRate:     c.Reconnect.LongTermRate,
		LongTermMaxDelay: c.Reconnect.LongTermMaxDelay,
		LongTermTimeout:  c.Reconnect.LongTermTimeout,
		MaxAttempts:      c.Reconnect.MaxAttempts,
	}
	o.Bond = policy.BondOptions{
		MaxRetries:          c.Bond.MaxRetries,
		BaseDelay:           c.Bond.BaseDelay,
		MaxDelay:            c.Bond.MaxDelay,
		DisconnectOnFailure: c.Bond.DisconnectOnFailure,
	}
	return o, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
