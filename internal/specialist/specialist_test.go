package specialist

import (
	"context"
	"strings"
	"testing"

	"github.com/antigravity-dev/aop/internal/llm"
)

type stubAdapter struct {
	name string
	resp *llm.Response
	err  error
}

func (s *stubAdapter) Name() string                  { return s.name }
func (s *stubAdapter) Supports(provider string) bool { return provider == s.name }
func (s *stubAdapter) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return s.resp, s.err
}

func baseTask() Task {
	return Task{
		TaskID: "task-1", ParentID: "parent-1", Tier: 3, Persona: "react_specialist",
		Objective: "Add a loading guard", TokenBudget: 1200,
		TargetFiles:   []string{"src/session.tsx"},
		ModelProvider: "claude_code", ModelID: "claude-sonnet-4",
	}
}

func content(s string) *string { return &s }

func TestRun_ProducesDiffProposal(t *testing.T) {
	router := llm.NewRouter(&stubAdapter{name: "claude_code", resp: &llm.Response{
		Text: `{"intentDescription":"add loading guard","modifiedContent":"export function X() { return loading ? null : children }\n","changesSummary":["guard"]}`,
	}})

	proposal, err := Run(context.Background(), router, baseTask(), content("export function X() { return children }\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(proposal.DiffContent, "--- a/src/session.tsx") {
		t.Fatalf("expected diff header, got %q", proposal.DiffContent)
	}
	if proposal.Confidence < 0.40 || proposal.Confidence > 0.95 {
		t.Fatalf("confidence out of range: %f", proposal.Confidence)
	}
	if proposal.TokensUsed < 40 {
		t.Fatalf("expected tokens used >= 40, got %d", proposal.TokensUsed)
	}
	if len(proposal.IntentHash) != 64 {
		t.Fatalf("expected 64-char hex sha256 intent hash, got %q", proposal.IntentHash)
	}
}

func TestRun_ParsesFencedJSON(t *testing.T) {
	router := llm.NewRouter(&stubAdapter{name: "claude_code", resp: &llm.Response{
		Text: "Here is my answer:\n```json\n{\"intentDescription\":\"x\",\"modifiedContent\":\"changed\\n\",\"changesSummary\":[]}\n```\n",
	}})

	proposal, err := Run(context.Background(), router, baseTask(), content("original\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if proposal.IntentDescription != "x" {
		t.Fatalf("expected fenced JSON to parse, got proposal %+v", proposal)
	}
}

func TestRun_EmptyModifiedContentIsHardError(t *testing.T) {
	router := llm.NewRouter(&stubAdapter{name: "claude_code", resp: &llm.Response{
		Text: `{"intentDescription":"x","modifiedContent":"","changesSummary":[]}`,
	}})
	if _, err := Run(context.Background(), router, baseTask(), content("original\n")); err == nil {
		t.Fatal("expected hard error for empty modifiedContent")
	}
}

func TestRun_UnchangedContentIsHardError(t *testing.T) {
	router := llm.NewRouter(&stubAdapter{name: "claude_code", resp: &llm.Response{
		Text: `{"intentDescription":"x","modifiedContent":"original\n","changesSummary":[]}`,
	}})
	if _, err := Run(context.Background(), router, baseTask(), content("original\n")); err == nil {
		t.Fatal("expected hard error for unchanged content")
	}
}

func TestValidate_RejectsWrongTier(t *testing.T) {
	task := baseTask()
	task.Tier = 2
	if err := task.Validate(); err == nil {
		t.Fatal("expected tier validation error")
	}
}

func TestSemanticDistance_IsBounded(t *testing.T) {
	a := &DiffProposal{IntentDescription: "add loading guard to session provider"}
	b := &DiffProposal{IntentDescription: "rewrite token refresh with stricter validation"}
	d := SemanticDistance(a, b)
	if d < 0 || d > 1 {
		t.Fatalf("expected distance in [0,1], got %f", d)
	}
}

func TestRun_RedactsSecretLikeSubstringsFromResponse(t *testing.T) {
	router := llm.NewRouter(&stubAdapter{name: "claude_code", resp: &llm.Response{
		Text: `{"intentDescription":"rotate api_key: sk-abc123 in config","modifiedContent":"export const token = \"tok\"\n","changesSummary":[]}`,
	}})

	proposal, err := Run(context.Background(), router, baseTask(), content("export const token = \"old\"\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(proposal.IntentDescription, "sk-abc123") {
		t.Fatalf("expected secret-like substring to be redacted, got %q", proposal.IntentDescription)
	}
	if !strings.Contains(proposal.IntentDescription, "api_key=[REDACTED]") {
		t.Fatalf("expected redaction marker, got %q", proposal.IntentDescription)
	}
}

func TestParseModelResponse_BraceCountingIgnoresBracesInStrings(t *testing.T) {
	text := `noise before {"intentDescription":"uses a { brace } in text","modifiedContent":"new\n","changesSummary":[]} noise after`
	resp, err := parseModelResponse(text)
	if err != nil {
		t.Fatalf("parseModelResponse: %v", err)
	}
	if resp.ModifiedContent != "new\n" {
		t.Fatalf("unexpected parse result: %+v", resp)
	}
}
