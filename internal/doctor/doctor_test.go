package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/conductor/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.HomeDir, "conductor.db")
	cfg.Provider.APIKey = "test-key"
	return cfg
}

func result(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRunHealthySetup(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	for _, name := range []string{"config", "home", "api_key", "database"} {
		if r := result(d, name); r.Status != StatusPass {
			t.Fatalf("check %s = %s (%s), want PASS", name, r.Status, r.Detail)
		}
	}
	if d.System.Version != "test" {
		t.Fatalf("System.Version = %q, want %q", d.System.Version, "test")
	}
}

func TestRunMissingAPIKeyFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := testConfig(t)
	cfg.Provider.APIKey = ""

	d := Run(context.Background(), cfg, "test")
	if r := result(d, "api_key"); r.Status != StatusFail {
		t.Fatalf("api_key check = %s, want FAIL", r.Status)
	}
	if d.Healthy() {
		t.Fatalf("Healthy() = true, want false with a failing check")
	}
}

func TestRunInvalidConfigFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "bogus"

	d := Run(context.Background(), cfg, "test")
	if r := result(d, "config"); r.Status != StatusFail {
		t.Fatalf("config check = %s, want FAIL", r.Status)
	}
}

func TestRunMissingSkillDirsWarns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Skills.Dirs = []string{filepath.Join(cfg.HomeDir, "does-not-exist")}

	d := Run(context.Background(), cfg, "test")
	if r := result(d, "skills"); r.Status != StatusWarn {
		t.Fatalf("skills check = %s, want WARN", r.Status)
	}
	if d.Healthy() != true {
		t.Fatalf("Healthy() = false, warnings should not fail the diagnosis")
	}
}

func TestRunSkillsDisabledSkips(t *testing.T) {
	cfg := testConfig(t)
	cfg.Skills.Enabled = false

	d := Run(context.Background(), cfg, "test")
	if r := result(d, "skills"); r.Status != StatusSkip {
		t.Fatalf("skills check = %s, want SKIP", r.Status)
	}
}
