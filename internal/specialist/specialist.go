// Package specialist implements the Tier-3 specialist (C6): it takes a
// narrowly-scoped task against a single target file, calls the LLM adapter
// for a proposed rewrite, and turns the result into a unified diff with an
// estimated confidence and a stable intent hash.
package specialist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/antigravity-dev/aop/internal/embedding"
	"github.com/antigravity-dev/aop/internal/llm"
	"github.com/google/uuid"
)

// maxFileContentChars is the truncation bound for target file content
// embedded in the prompt, per spec.md §4.6.
const maxFileContentChars = 32000

const truncationMarker = "\n...[truncated]...\n"

// CodeBlock is an excerpt of surrounding code offered as extra context.
type CodeBlock struct {
	FilePath  string
	StartLine int
	EndLine   int
	Content   string
}

// Task is the input to Run (spec.md §4.6's SpecialistTask).
type Task struct {
	TaskID         string
	ParentID       string
	Tier           int
	Persona        string
	Objective      string
	TokenBudget    int
	TargetFiles    []string
	CodeContext    []CodeBlock
	Constraints    []string
	ModelProvider  string
	ModelID        string
}

// DiffProposal is the output of Run.
type DiffProposal struct {
	ProposalID        string
	TaskID            string
	AgentUID          string
	FilePath          string
	DiffContent       string
	IntentDescription string
	IntentHash        string
	Confidence        float64
	TokensUsed        int
}

// Validate checks the input invariants of spec.md §4.6 step 1.
func (t Task) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("specialist: taskId is required")
	}
	if strings.TrimSpace(t.ParentID) == "" {
		return fmt.Errorf("specialist: parentId is required")
	}
	if t.Tier != 3 {
		return fmt.Errorf("specialist: tier must be 3, got %d", t.Tier)
	}
	if strings.TrimSpace(t.Persona) == "" {
		return fmt.Errorf("specialist: persona is required")
	}
	if strings.TrimSpace(t.Objective) == "" {
		return fmt.Errorf("specialist: objective is required")
	}
	if t.TokenBudget <= 0 {
		return fmt.Errorf("specialist: tokenBudget must be > 0")
	}
	if (t.ModelProvider == "") != (t.ModelID == "") {
		return fmt.Errorf("specialist: modelProvider and modelId must both be set or both be absent")
	}
	return nil
}

// Run executes spec.md §4.6's algorithm: build the prompt, call the LLM
// adapter, parse its response tolerantly, compute a unified diff, estimate
// confidence, and derive the intent hash.
func Run(ctx context.Context, router *llm.Router, task Task, targetFileContent *string) (*DiffProposal, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	filePath := resolveTargetFile(task)
	prompt := buildPrompt(task, filePath, targetFileContent)

	provider := task.ModelProvider
	modelID := task.ModelID
	resp, err := router.Generate(ctx, llm.Request{
		Provider:     provider,
		ModelID:      modelID,
		SystemPrompt: specialistSystemPrompt,
		UserPrompt:   prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("specialist: llm call: %w", err)
	}

	parsed, err := parseModelResponse(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("specialist: %w", err)
	}
	if strings.TrimSpace(parsed.ModifiedContent) == "" {
		return nil, fmt.Errorf("specialist: LLM returned no modifiedContent")
	}

	original := ""
	if targetFileContent != nil {
		original = *targetFileContent
	}
	if parsed.ModifiedContent == original {
		return nil, fmt.Errorf("specialist: LLM returned unchanged content")
	}

	diff, err := unifiedDiff(filePath, original, parsed.ModifiedContent)
	if err != nil {
		return nil, fmt.Errorf("specialist: %w", err)
	}
	if strings.TrimSpace(diff) == "" {
		return nil, fmt.Errorf("specialist: computed diff was empty")
	}

	confidence := estimateConfidence(task, original, parsed.ModifiedContent)
	intentHash := hashIntent(parsed.IntentDescription)

	tokensUsed := estimateTokensUsed(task, resp)

	return &DiffProposal{
		ProposalID:        uuid.NewString(),
		TaskID:            task.TaskID,
		AgentUID:          uuid.NewString(),
		FilePath:          filePath,
		DiffContent:       redactSecrets(diff),
		IntentDescription: redactSecrets(parsed.IntentDescription),
		IntentHash:        intentHash,
		Confidence:        confidence,
		TokensUsed:        tokensUsed,
	}, nil
}

// secretLikePattern mirrors internal/toolbridge's credential-scrubbing
// pattern, applied here to LLM responses before they reach the mutation
// store: a provider response is untrusted output and may echo back
// secrets it was fed as context, per original_source/src-tauri/src/secret_vault.rs's
// "treat provider output as untrusted" rule.
var secretLikePattern = regexp.MustCompile(`(?i)(api_key|token|secret|password|authorization|cookie)\s*[:=]\s*\S+`)

// redactSecrets scrubs credential-shaped substrings from text bound for
// persistence. Unlike internal/toolbridge.Redact, it never truncates: a
// diff or intent description longer than the tool bridge's recorded-output
// cap must still survive intact for the pipeline's patch and semantic
// regression steps.
func redactSecrets(s string) string {
	return secretLikePattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// SemanticDistance is spec.md §4.6's "1 - cosine(embed(intent_a),
// embed(intent_b))", clamped to [0,1].
func SemanticDistance(a, b *DiffProposal) float64 {
	return embedding.TextDistance(a.IntentDescription, b.IntentDescription)
}

func resolveTargetFile(t Task) string {
	if len(t.TargetFiles) > 0 {
		return t.TargetFiles[0]
	}
	if len(t.CodeContext) > 0 {
		return t.CodeContext[0].FilePath
	}
	return "unknown/file.ts"
}

func hashIntent(intentDescription string) string {
	vec := embedding.Embed(intentDescription)
	var sb strings.Builder
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%.6f", v)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func estimateTokensUsed(t Task, resp *llm.Response) int {
	estimate := 0
	if resp.InputTokens != nil {
		estimate += *resp.InputTokens
	}
	if resp.OutputTokens != nil {
		estimate += *resp.OutputTokens
	} else {
		estimate += len(t.Objective) / 4
	}
	if estimate < 40 {
		estimate = 40
	}
	if estimate > t.TokenBudget {
		estimate = t.TokenBudget
	}
	return estimate
}

func truncateContent(content string) string {
	if len(content) <= maxFileContentChars {
		return content
	}
	return content[:maxFileContentChars] + truncationMarker
}
