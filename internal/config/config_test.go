package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Mode != "execute" {
		t.Fatalf("Mode = %q, want %q", cfg.Mode, "execute")
	}
	if cfg.Engine.MaxIterations != 20 {
		t.Fatalf("Engine.MaxIterations = %d, want 20", cfg.Engine.MaxIterations)
	}
	if want := filepath.Join(home, "conductor.db"); cfg.DBPath != want {
		t.Fatalf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if want := filepath.Join(home, "skills"); len(cfg.Skills.Dirs) != 1 || cfg.Skills.Dirs[0] != want {
		t.Fatalf("Skills.Dirs = %v, want [%s]", cfg.Skills.Dirs, want)
	}
}

func TestLoadParsesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CONDUCTOR_MODE", "")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "")

	body := `
log_level: DEBUG
mode: plan
engine:
  max_iterations: 7
  tool_timeout: 30s
  streaming: true
provider:
  model: claude-sonnet-4-20250514
  api_key: from-file
cron:
  enabled: true
  schedules:
    - name: nightly
      spec: "0 3 * * *"
      title: Nightly report
`
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Mode != "plan" {
		t.Fatalf("Mode = %q, want %q", cfg.Mode, "plan")
	}
	if cfg.Engine.MaxIterations != 7 {
		t.Fatalf("Engine.MaxIterations = %d, want 7", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.ToolTimeout != 30*time.Second {
		t.Fatalf("Engine.ToolTimeout = %v, want 30s", cfg.Engine.ToolTimeout)
	}
	if !cfg.Engine.Streaming {
		t.Fatalf("Engine.Streaming = false, want true")
	}
	if cfg.Provider.APIKey != "from-file" {
		t.Fatalf("Provider.APIKey = %q, want %q", cfg.Provider.APIKey, "from-file")
	}
	if len(cfg.Cron.Schedules) != 1 || cfg.Cron.Schedules[0].Name != "nightly" {
		t.Fatalf("Cron.Schedules = %+v, want one schedule named nightly", cfg.Cron.Schedules)
	}
	// File sections merge over defaults rather than replacing them.
	if !cfg.Cache.Enabled {
		t.Fatalf("Cache.Enabled = false, want default true")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")

	body := "log_level: info\nprovider:\n  api_key: from-file\n"
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Fatalf("Provider.APIKey = %q, want %q", cfg.Provider.APIKey, "from-env")
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("mode: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("Load() error = nil, want parse failure")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad mode", func(c *Config) { c.Mode = "yolo" }, "mode"},
		{"bad color", func(c *Config) { c.Display.Color = "sometimes" }, "display.color"},
		{"negative soft limit", func(c *Config) { c.Interrupt.SoftLimit = -1 }, "soft_limit"},
		{"sample rate above one", func(c *Config) { c.Otel.SampleRate = 1.5 }, "sample_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate() on defaults error = %v", err)
	}
}

func TestWatcherEmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := NewWatcher(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the watcher a moment to register before touching the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Fatalf("event path = %q, want %q", ev.Path, path)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload event after write")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
}
