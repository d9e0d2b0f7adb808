package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// HTTPSProviderConfig describes one Bearer-token chat-completions provider
// (spec.md §4.3).
type HTTPSProviderConfig struct {
	BaseURL      string
	CredentialEnv string // env var name holding the API key
}

type chatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// HTTPSAdapter calls an HTTPS chat-completions endpoint with a Bearer
// token, per spec.md §4.3: "JSON body, 60 s timeout".
type HTTPSAdapter struct {
	providers map[string]HTTPSProviderConfig
	client    *http.Client
}

// NewHTTPSAdapter builds an HTTPSAdapter over the given provider configs.
func NewHTTPSAdapter(providers map[string]HTTPSProviderConfig) *HTTPSAdapter {
	return &HTTPSAdapter{
		providers: providers,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *HTTPSAdapter) Name() string { return "https_chat_completions" }

func (a *HTTPSAdapter) Supports(provider string) bool {
	cfg, ok := a.providers[provider]
	if !ok {
		return false
	}
	return strings.TrimSpace(os.Getenv(cfg.CredentialEnv)) != ""
}

// Generate POSTs a chat-completions request and parses the first choice.
func (a *HTTPSAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	cfg, ok := a.providers[req.Provider]
	if !ok {
		return nil, ErrNoAdapterForProvider
	}
	key := strings.TrimSpace(os.Getenv(cfg.CredentialEnv))
	if key == "" {
		return nil, ErrCredentialMissing
	}

	body := chatCompletionRequest{
		Model: req.ModelID,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: https adapter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: https adapter: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("llm: https adapter: %w", err)
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm: https adapter: %w: HTTP %d", ErrNonSuccessStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: https adapter: %w: %v", ErrEmptyResponse, err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("llm: https adapter: %w", ErrEmptyResponse)
	}

	result := &Response{Text: out.Choices[0].Message.Content}
	if out.Model != "" {
		result.ResolvedModel = &out.Model
	}
	if out.Usage != nil {
		result.InputTokens = out.Usage.PromptTokens
		result.OutputTokens = out.Usage.CompletionTokens
	}
	return result, nil
}
