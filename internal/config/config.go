// Package config loads the YAML configuration file and fills in defaults
// for every component section. The zero-value file is valid: conductor runs
// with sane defaults when no config.yaml exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/conductor/internal/cache"
	"github.com/basket/conductor/internal/cron"
	"github.com/basket/conductor/internal/engine"
	"github.com/basket/conductor/internal/modes"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/provider"
	"github.com/basket/conductor/internal/skills"
	"github.com/basket/conductor/internal/subagent"
	"github.com/basket/conductor/internal/task"
)

// HomeEnv overrides the conductor home directory when set.
const HomeEnv = "CONDUCTOR_HOME"

// Interrupt configures the interrupt controller.
type Interrupt struct {
	// SoftLimit is how many soft interrupts are honored before the
	// controller escalates to a hard stop. Zero means the default.
	SoftLimit int `yaml:"soft_limit"`
}

// Display configures the console event sink.
type Display struct {
	Enabled bool   `yaml:"enabled"`
	Color   string `yaml:"color"` // auto | always | never
}

// Config is the full configuration tree, one section per component.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	Quiet     bool   `yaml:"quiet"`
	Mode      string `yaml:"mode"` // ask | plan | execute
	HooksFile string `yaml:"hooks_file"`
	DBPath    string `yaml:"db_path"`

	Engine    engine.Config            `yaml:"engine"`
	Scheduler task.Limits              `yaml:"scheduler"`
	Interrupt Interrupt                `yaml:"interrupt"`
	Provider  provider.AnthropicConfig `yaml:"provider"`
	Subagents subagent.Config          `yaml:"subagents"`
	Cache     cache.Config             `yaml:"cache"`
	Skills    skills.Config            `yaml:"skills"`
	Cron      cron.Config              `yaml:"cron"`
	Otel      otel.Config              `yaml:"otel"`
	Display   Display                  `yaml:"display"`

	// HomeDir is resolved at load time and never read from the file.
	HomeDir string `yaml:"-"`
}

// HomeDir resolves the conductor home directory: $CONDUCTOR_HOME if set,
// otherwise ~/.conductor.
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".conductor"), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	sk := skills.DefaultConfig()
	// Dirs stays empty here; normalize resolves it under the home dir.
	sk.Dirs = nil
	return &Config{
		LogLevel:  "info",
		Mode:      string(modes.ModeExecute),
		Engine:    engine.DefaultConfig(),
		Scheduler: task.DefaultLimits(),
		Subagents: subagent.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		Skills:    sk,
		Otel: otel.Config{
			ServiceName: "conductor",
			SampleRate:  1.0,
		},
		Display: Display{Enabled: true, Color: "auto"},
	}
}

// Load reads the config file at path, or <home>/config.yaml when path is
// empty. A missing file yields the defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	home, err := HomeDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create home directory: %w", err)
	}

	if path == "" {
		path = filepath.Join(home, "config.yaml")
	}

	cfg := Default()
	cfg.HomeDir = home

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for secrets
// and the handful of knobs people flip per invocation.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_MODE"); v != "" {
		c.Mode = v
	}
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = string(modes.ModeExecute)
	}
	c.Display.Color = strings.ToLower(strings.TrimSpace(c.Display.Color))
	if c.Display.Color == "" {
		c.Display.Color = "auto"
	}
	if c.DBPath == "" && c.HomeDir != "" {
		c.DBPath = filepath.Join(c.HomeDir, "conductor.db")
	}
	if len(c.Skills.Dirs) == 0 && c.HomeDir != "" {
		c.Skills.Dirs = []string{filepath.Join(c.HomeDir, "skills")}
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "conductor"
	}
	if c.Engine.MaxIterations <= 0 {
		c.Engine.MaxIterations = engine.DefaultConfig().MaxIterations
	}
	if c.Engine.MaxTokens <= 0 {
		c.Engine.MaxTokens = engine.DefaultConfig().MaxTokens
	}
	if c.Engine.ToolTimeout <= 0 {
		c.Engine.ToolTimeout = engine.DefaultConfig().ToolTimeout
	}
}

// Validate rejects values no component could run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (want debug, info, warn, or error)", c.LogLevel)
	}
	if !modes.Mode(c.Mode).Valid() {
		return fmt.Errorf("invalid mode %q (want ask, plan, or execute)", c.Mode)
	}
	switch c.Display.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("invalid display.color %q (want auto, always, or never)", c.Display.Color)
	}
	if c.Interrupt.SoftLimit < 0 {
		return fmt.Errorf("interrupt.soft_limit must not be negative, got %d", c.Interrupt.SoftLimit)
	}
	if c.Otel.SampleRate < 0 || c.Otel.SampleRate > 1 {
		return fmt.Errorf("otel.sample_rate must be in [0, 1], got %v", c.Otel.SampleRate)
	}
	return nil
}
