// Package config loads and validates AOP's TOML configuration and applies
// the environment-flag overlay of spec.md §6 on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s"
// or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root AOP configuration document.
type Config struct {
	General    General             `toml:"general"`
	Projects   map[string]Project  `toml:"projects"`
	Providers  map[string]Provider `toml:"providers"`
	Tiers      TiersConfig         `toml:"tiers"`
	Budget     BudgetConfig        `toml:"budget"`
	Toolbridge ToolbridgeConfig    `toml:"toolbridge"`
	Pipeline   PipelineConfig      `toml:"pipeline"`
	API        APIConfig           `toml:"api"`
}

// General holds process-wide settings.
type General struct {
	LogLevel      string   `toml:"log_level"`
	StateDB       string   `toml:"state_db"`
	ModelRouting  string   `toml:"model_routing_file"`
	NATSUrl       string   `toml:"nats_url"`
	ReportTimeout Duration `toml:"report_timeout"`
}

// Project describes one target project AOP can orchestrate against. Only
// one is active per invocation (spec.md §1), but several may be configured.
type Project struct {
	Workspace string `toml:"workspace"`
	Default   bool   `toml:"default"`
}

// Provider configures one LLM provider entry, covering both adapter
// families of spec.md §4.3.
type Provider struct {
	Kind          string   `toml:"kind"` // "cli" or "https"
	Command       string   `toml:"command"`
	Flags         []string `toml:"flags"`
	BaseURL       string   `toml:"base_url"`
	CredentialEnv string   `toml:"credential_env"`
}

// TiersConfig carries the model-routing document path resolved at startup;
// the document itself is loaded by internal/registry.LoadDocument.
type TiersConfig struct {
	RoutingFile string `toml:"routing_file"`
}

// BudgetConfig mirrors spec.md §4.5/§6's budget-request tunables. Values
// left at zero fall back to internal/budget's own defaults.
type BudgetConfig struct {
	AutoApprove     bool    `toml:"auto_approve"`
	HeadroomPercent float64 `toml:"headroom_percent"`
	AutoMaxPercent  float64 `toml:"auto_max_percent"`
	MinIncrement    int     `toml:"min_increment"`
}

// ToolbridgeConfig mirrors spec.md §5's concurrency envelope.
type ToolbridgeConfig struct {
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	MaxConcurrent int      `toml:"max_concurrent"`
	WindowCalls   int      `toml:"window_calls"`
	Window        Duration `toml:"window"`
	MaxQueueDepth int      `toml:"max_queue_depth"`
}

// PipelineConfig mirrors spec.md §4.9/§6's pipeline tunables.
type PipelineConfig struct {
	SemanticRegressionThreshold float64  `toml:"semantic_regression_threshold"`
	AutoCommit                  bool     `toml:"auto_commit"`
	ShadowTimeout               Duration `toml:"shadow_timeout"`
	ApplyTimeout                Duration `toml:"apply_timeout"`
	CIOverrideCommand           []string `toml:"ci_override_command"`
	ShadowDockerImage           string   `toml:"shadow_docker_image"`
	ClaudeMaxBudgetUSD          float64  `toml:"claude_max_budget_usd"`
}

// APIConfig configures the RPC/HTTP surface of spec.md §6.
type APIConfig struct {
	ListenAddr string      `toml:"listen_addr"`
	Security   APISecurity `toml:"security"`
}

// APISecurity gates the write RPCs behind a bearer token, mirroring the
// teacher's auth middleware shape.
type APISecurity struct {
	Enabled           bool     `toml:"enabled"`
	AllowedTokens     []string `toml:"allowed_tokens"`
	RequireLocalOnly  bool     `toml:"require_local_only"`
	AuditLog          string   `toml:"audit_log"`
}

// defaults fills in anything the TOML document left zero.
func (c *Config) defaults() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.General.StateDB == "" {
		c.General.StateDB = "aop.db"
	}
	if c.Toolbridge.MaxConcurrent == 0 {
		c.Toolbridge.MaxConcurrent = 10
	}
	if c.Toolbridge.WindowCalls == 0 {
		c.Toolbridge.WindowCalls = 120
	}
	if c.Toolbridge.Window.Duration == 0 {
		c.Toolbridge.Window = Duration{60 * time.Second}
	}
	if c.Toolbridge.MaxQueueDepth == 0 {
		c.Toolbridge.MaxQueueDepth = 50
	}
	if c.Pipeline.SemanticRegressionThreshold == 0 {
		c.Pipeline.SemanticRegressionThreshold = 0.08
	}
	if c.Pipeline.ShadowTimeout.Duration == 0 {
		c.Pipeline.ShadowTimeout = Duration{120 * time.Second}
	}
	if c.Pipeline.ApplyTimeout.Duration == 0 {
		c.Pipeline.ApplyTimeout = Duration{60 * time.Second}
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8787"
	}
	if c.Budget.MinIncrement == 0 {
		c.Budget.MinIncrement = 250
	}
	if c.Budget.HeadroomPercent == 0 {
		c.Budget.HeadroomPercent = 25
	}
	if c.Budget.AutoMaxPercent == 0 {
		c.Budget.AutoMaxPercent = 40
	}
}

// envOverlay applies spec.md §6's environment flags on top of the loaded
// document. It runs as part of every Load, so environment values are read
// again whenever the file is loaded or reloaded (RWMutexManager.Reload).
func (c *Config) envOverlay() {
	if v, ok := lookupBool("AOP_AUTO_APPROVE_BUDGET_REQUESTS"); ok {
		c.Budget.AutoApprove = v
	}
	if v, ok := lookupFloat("AOP_BUDGET_HEADROOM_PERCENT"); ok {
		c.Budget.HeadroomPercent = clampPercent(v, 1, 95)
	}
	if v, ok := lookupFloat("AOP_BUDGET_AUTO_MAX_PERCENT"); ok {
		c.Budget.AutoMaxPercent = clampPercent(v, 5, 100)
	}
	if v, ok := lookupInt("AOP_BUDGET_MIN_INCREMENT"); ok {
		c.Budget.MinIncrement = v
	}
	if v, ok := lookupBool("AOP_AUTO_COMMIT_MUTATIONS"); ok {
		c.Pipeline.AutoCommit = v
	}
	if v, ok := lookupFloat("AOP_CLAUDE_MAX_BUDGET_USD"); ok {
		c.Pipeline.ClaudeMaxBudgetUSD = v
	}
	if v, ok := os.LookupEnv("AOP_SHADOW_DOCKER_IMAGE"); ok {
		c.Pipeline.ShadowDockerImage = v
	}
}

func clampPercent(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func lookupBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func lookupFloat(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func lookupInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// Load reads and validates the TOML document at path, applies defaults,
// then overlays environment flags.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	c.defaults()
	c.envOverlay()
	return &c, nil
}

// Clone returns a copy suitable for RWMutexManager's snapshot semantics.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Projects = cloneProjects(c.Projects)
	clone.Providers = cloneProviders(c.Providers)
	return &clone
}

func cloneProjects(in map[string]Project) map[string]Project {
	if in == nil {
		return nil
	}
	out := make(map[string]Project, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneProviders(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DefaultProject returns the project marked default, or the sole configured
// project if there's exactly one.
func (c *Config) DefaultProject() (string, Project, bool) {
	for name, p := range c.Projects {
		if p.Default {
			return name, p, true
		}
	}
	if len(c.Projects) == 1 {
		for name, p := range c.Projects {
			return name, p, true
		}
	}
	return "", Project{}, false
}
