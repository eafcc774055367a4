// Package doctor runs startup diagnostics: configuration, credentials,
// storage, skills, and network reachability. It reports; it never fixes.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/persistence"
)

// Statuses a check can report.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

// CheckResult is one diagnostic outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// SystemInfo describes the host running the checks.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Diagnosis is the full report.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

// Run executes every diagnostic check against the loaded configuration.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeDir,
		checkAPIKey,
		checkDatabase,
		checkSkillDirs,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "config", Status: StatusFail, Message: "invalid configuration", Detail: err.Error()}
	}
	return CheckResult{Name: "config", Status: StatusPass,
		Message: fmt.Sprintf("mode %s, log level %s", cfg.Mode, cfg.LogLevel)}
}

func checkHomeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.HomeDir == "" {
		return CheckResult{Name: "home", Status: StatusFail, Message: "home directory not resolved"}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "home", Status: StatusFail,
			Message: "home directory not writable", Detail: err.Error()}
	}
	os.Remove(probe)
	return CheckResult{Name: "home", Status: StatusPass, Message: cfg.HomeDir}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.Provider.APIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		return CheckResult{Name: "api_key", Status: StatusFail,
			Message: "no API key", Detail: "set ANTHROPIC_API_KEY or provider.api_key in config.yaml"}
	}
	return CheckResult{Name: "api_key", Status: StatusPass, Message: "API key configured"}
}

func checkDatabase(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.DBPath == "" {
		return CheckResult{Name: "database", Status: StatusSkip, Message: "no database path configured"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "database", Status: StatusFail,
			Message: "cannot open database", Detail: err.Error()}
	}
	store.Close()
	return CheckResult{Name: "database", Status: StatusPass, Message: cfg.DBPath}
}

func checkSkillDirs(_ context.Context, cfg *config.Config) CheckResult {
	if !cfg.Skills.Enabled {
		return CheckResult{Name: "skills", Status: StatusSkip, Message: "skills disabled"}
	}
	found := 0
	for _, dir := range cfg.Skills.Dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			found++
		}
	}
	if found == 0 {
		return CheckResult{Name: "skills", Status: StatusWarn,
			Message: "no skill directory exists", Detail: fmt.Sprintf("looked in %v", cfg.Skills.Dirs)}
	}
	return CheckResult{Name: "skills", Status: StatusPass,
		Message: fmt.Sprintf("%d of %d directories present", found, len(cfg.Skills.Dirs))}
}

func checkNetwork(ctx context.Context, _ *config.Config) CheckResult {
	dialer := net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", "api.anthropic.com:443")
	if err != nil {
		return CheckResult{Name: "network", Status: StatusWarn,
			Message: "cannot reach api.anthropic.com", Detail: err.Error()}
	}
	conn.Close()
	return CheckResult{Name: "network", Status: StatusPass, Message: "api.anthropic.com reachable"}
}
