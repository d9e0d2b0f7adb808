package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CLIProviderConfig describes one CLI-launched provider (spec.md §4.3).
type CLIProviderConfig struct {
	Command string
	Flags   []string // may reference {prompt}, {prompt_file}, {model}, {cost_cap}
}

// cliPrintResult is the tolerant shape of the last JSON line a CLI-family
// provider prints to stdout, matching the subtype/usage/total_cost_usd
// envelope the original Rust adapter parsed from Claude Code's headless
// print mode (original_source/src-tauri/src/llm_adapter.rs).
type cliPrintResult struct {
	Subtype      string          `json:"subtype"`
	IsError      bool            `json:"is_error"`
	Result       *string         `json:"result"`
	Usage        *cliUsage       `json:"usage"`
	TotalCostUSD *float64        `json:"total_cost_usd"`
	Model        *string         `json:"model"`
	Errors       json.RawMessage `json:"errors"`
}

type cliUsage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

// CLIAdapter spawns an external process per call and parses the last JSON
// line of its stdout, per spec.md §4.3.
type CLIAdapter struct {
	providers  map[string]CLIProviderConfig
	costCapUSD float64 // AOP_CLAUDE_MAX_BUDGET_USD, passed through to CLI flags
	timeout    time.Duration
}

// NewCLIAdapter builds a CLIAdapter over the given provider configs.
func NewCLIAdapter(providers map[string]CLIProviderConfig, costCapUSD float64) *CLIAdapter {
	return &CLIAdapter{providers: providers, costCapUSD: costCapUSD, timeout: 5 * time.Minute}
}

func (a *CLIAdapter) Name() string { return "cli" }

func (a *CLIAdapter) Supports(provider string) bool {
	_, ok := a.providers[provider]
	return ok
}

// Generate runs the configured CLI for req.Provider, writing the combined
// prompt to a temp file so flag templates may use {prompt_file} for large
// payloads, per spec.md §4.3.
func (a *CLIAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	cfg, ok := a.providers[req.Provider]
	if !ok {
		return nil, ErrNoAdapterForProvider
	}

	combined := req.SystemPrompt
	if combined != "" {
		combined += "\n\n"
	}
	combined += req.UserPrompt

	promptFile, err := writeTempPrompt(combined)
	if err != nil {
		return nil, fmt.Errorf("llm: cli adapter: %w", err)
	}
	defer os.Remove(promptFile)

	argv, err := buildCommand(cfg.Command, req.ModelID, combined, promptFile, a.costCapUSD, cfg.Flags)
	if err != nil {
		return nil, fmt.Errorf("llm: cli adapter: build command: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if runErr != nil {
		raw := strings.TrimSpace(stderr.String())
		if len(raw) > 300 {
			raw = raw[:300]
		}
		return nil, fmt.Errorf("llm: cli adapter: %w: %s", ErrNonSuccessStatus, raw)
	}

	result, err := parseLastJSONObject(stdout.String())
	if err != nil {
		raw := stdout.String()
		if len(raw) > 300 {
			raw = raw[:300]
		}
		return nil, fmt.Errorf("llm: cli adapter: %w: %s", ErrEmptyResponse, raw)
	}

	var parsed cliPrintResult
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Result == nil || strings.TrimSpace(*parsed.Result) == "" {
		raw := string(result)
		if len(raw) > 300 {
			raw = raw[:300]
		}
		return nil, fmt.Errorf("llm: cli adapter: %w: %s", ErrEmptyResponse, raw)
	}
	if parsed.IsError {
		return nil, fmt.Errorf("llm: cli adapter: %w: provider reported is_error", ErrNonSuccessStatus)
	}

	resp := &Response{Text: *parsed.Result, CostUSD: parsed.TotalCostUSD, ResolvedModel: parsed.Model}
	if parsed.Usage != nil {
		resp.InputTokens = parsed.Usage.InputTokens
		resp.OutputTokens = parsed.Usage.OutputTokens
	}
	return resp, nil
}

func writeTempPrompt(content string) (string, error) {
	f, err := os.CreateTemp("", "aop-prompt-*.txt")
	if err != nil {
		return "", fmt.Errorf("write temp prompt: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("write temp prompt: %w", err)
	}
	return f.Name(), nil
}

// parseLastJSONObject scans stdout for the final non-empty line and
// requires it parse as a JSON object, matching the "last JSON line of
// stdout" contract of spec.md §4.3.
func parseLastJSONObject(out string) (json.RawMessage, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") || !json.Valid([]byte(line)) {
			return nil, fmt.Errorf("last non-empty line is not a JSON object")
		}
		return json.RawMessage(line), nil
	}
	return nil, fmt.Errorf("no output")
}
