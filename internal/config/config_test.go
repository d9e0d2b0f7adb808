package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aop.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
state_db = "/tmp/aop-test.db"
model_routing_file = "/tmp/aop-test/models.json"

[projects.demo]
workspace = "/tmp/aop-test/demo"
default = true

[providers.claude-cli]
kind = "cli"
command = "claude"
flags = ["--print", "--output-format", "json"]

[providers.openai-https]
kind = "https"
base_url = "https://api.openai.com/v1/chat/completions"
credential_env = "OPENAI_API_KEY"

[tiers]
routing_file = "/tmp/aop-test/models.json"

[budget]
auto_approve = false
headroom_percent = 25
auto_max_percent = 40
min_increment = 250

[toolbridge]
command = "aop-tool-bridge"
max_concurrent = 10
window_calls = 120
window = "60s"
max_queue_depth = 50

[pipeline]
semantic_regression_threshold = 0.08
auto_commit = false
shadow_timeout = "120s"
apply_timeout = "60s"

[api]
listen_addr = "127.0.0.1:8787"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.General.LogLevel)
	}
	if cfg.General.StateDB != "/tmp/aop-test.db" {
		t.Errorf("StateDB = %q, want /tmp/aop-test.db", cfg.General.StateDB)
	}
	if !cfg.Projects["demo"].Default {
		t.Error("demo project should be default")
	}
	if cfg.Providers["claude-cli"].Kind != "cli" {
		t.Error("claude-cli should be kind cli")
	}
	if cfg.Providers["openai-https"].CredentialEnv != "OPENAI_API_KEY" {
		t.Errorf("unexpected credential env: %q", cfg.Providers["openai-https"].CredentialEnv)
	}
	if cfg.Pipeline.ShadowTimeout.Duration != 120*time.Second {
		t.Errorf("ShadowTimeout = %v, want 120s", cfg.Pipeline.ShadowTimeout.Duration)
	}
	if cfg.API.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("API.ListenAddr = %q, want 127.0.0.1:8787", cfg.API.ListenAddr)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := `
[general]
log_level = "debug"
`
	path := writeTestConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.General.StateDB != "aop.db" {
		t.Errorf("StateDB default = %q, want aop.db", loaded.General.StateDB)
	}
	if loaded.Toolbridge.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent default = %d, want 10", loaded.Toolbridge.MaxConcurrent)
	}
	if loaded.Toolbridge.Window.Duration != 60*time.Second {
		t.Errorf("Window default = %v, want 60s", loaded.Toolbridge.Window.Duration)
	}
	if loaded.Pipeline.SemanticRegressionThreshold != 0.08 {
		t.Errorf("SemanticRegressionThreshold default = %v, want 0.08", loaded.Pipeline.SemanticRegressionThreshold)
	}
	if loaded.API.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("ListenAddr default = %q, want 127.0.0.1:8787", loaded.API.ListenAddr)
	}
	if loaded.Budget.MinIncrement != 250 {
		t.Errorf("MinIncrement default = %d, want 250", loaded.Budget.MinIncrement)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/aop.toml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"60s", 60 * time.Second},
		{"2m", 2 * time.Minute},
		{"1h", time.Hour},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalText([]byte(tt.input)); err != nil {
			t.Errorf("UnmarshalText(%q) error: %v", tt.input, err)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestDurationMarshalText(t *testing.T) {
	d := Duration{90 * time.Second}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	if string(text) != "1m30s" {
		t.Errorf("MarshalText = %q, want 1m30s", string(text))
	}
}

func TestEnvOverlayAppliesOverrides(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("AOP_AUTO_APPROVE_BUDGET_REQUESTS", "true")
	t.Setenv("AOP_BUDGET_HEADROOM_PERCENT", "33")
	t.Setenv("AOP_BUDGET_MIN_INCREMENT", "500")
	t.Setenv("AOP_AUTO_COMMIT_MUTATIONS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Budget.AutoApprove {
		t.Error("expected AOP_AUTO_APPROVE_BUDGET_REQUESTS to enable auto-approve")
	}
	if cfg.Budget.HeadroomPercent != 33 {
		t.Errorf("HeadroomPercent = %v, want 33", cfg.Budget.HeadroomPercent)
	}
	if cfg.Budget.MinIncrement != 500 {
		t.Errorf("MinIncrement = %d, want 500", cfg.Budget.MinIncrement)
	}
	if !cfg.Pipeline.AutoCommit {
		t.Error("expected AOP_AUTO_COMMIT_MUTATIONS to enable auto-commit")
	}
}

func TestEnvOverlayClampsHeadroomPercent(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("AOP_BUDGET_HEADROOM_PERCENT", "150")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Budget.HeadroomPercent != 95 {
		t.Errorf("HeadroomPercent = %v, want clamped to 95", cfg.Budget.HeadroomPercent)
	}
}

func TestEnvOverlayIgnoresInvalidValues(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("AOP_BUDGET_MIN_INCREMENT", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Budget.MinIncrement != 250 {
		t.Errorf("MinIncrement = %d, want unchanged 250", cfg.Budget.MinIncrement)
	}
}

func TestCloneIsolatesMaps(t *testing.T) {
	original := &Config{
		Projects:  map[string]Project{"demo": {Workspace: "/tmp/demo", Default: true}},
		Providers: map[string]Provider{"claude-cli": {Kind: "cli"}},
	}
	clone := original.Clone()

	clone.Projects["demo"] = Project{Workspace: "/tmp/mutated"}
	if original.Projects["demo"].Workspace != "/tmp/demo" {
		t.Fatal("mutating clone's Projects map leaked into original")
	}

	clone.Providers["claude-cli"] = Provider{Kind: "https"}
	if original.Providers["claude-cli"].Kind != "cli" {
		t.Fatal("mutating clone's Providers map leaked into original")
	}
}

func TestCloneNilConfig(t *testing.T) {
	var c *Config
	if c.Clone() != nil {
		t.Fatal("expected Clone of nil receiver to return nil")
	}
}

func TestDefaultProjectPrefersExplicitDefault(t *testing.T) {
	cfg := &Config{Projects: map[string]Project{
		"a": {Workspace: "/tmp/a"},
		"b": {Workspace: "/tmp/b", Default: true},
	}}
	name, proj, ok := cfg.DefaultProject()
	if !ok || name != "b" || proj.Workspace != "/tmp/b" {
		t.Fatalf("DefaultProject() = %q, %+v, %v, want b", name, proj, ok)
	}
}

func TestDefaultProjectFallsBackToSoleProject(t *testing.T) {
	cfg := &Config{Projects: map[string]Project{
		"only": {Workspace: "/tmp/only"},
	}}
	name, _, ok := cfg.DefaultProject()
	if !ok || name != "only" {
		t.Fatalf("DefaultProject() = %q, %v, want only", name, ok)
	}
}

func TestDefaultProjectAmbiguousWithoutDefault(t *testing.T) {
	cfg := &Config{Projects: map[string]Project{
		"a": {Workspace: "/tmp/a"},
		"b": {Workspace: "/tmp/b"},
	}}
	if _, _, ok := cfg.DefaultProject(); ok {
		t.Fatal("expected no default project when ambiguous and none marked default")
	}
}
