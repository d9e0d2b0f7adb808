// Package llm implements the uniform LLM adapter contract of spec.md §4.3:
// given {provider, model_id, system_prompt, user_prompt}, produce a single
// generated response or a typed error, regardless of whether the provider
// is reached via a CLI subprocess or an HTTPS chat-completions endpoint.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors forming the taxonomy of spec.md §4.3 / §7.
var (
	ErrNoAdapterForProvider = errors.New("no adapter for provider")
	ErrCredentialMissing    = errors.New("credential missing")
	ErrNonSuccessStatus     = errors.New("non-success status")
	ErrEmptyResponse        = errors.New("empty or invalid response")
	ErrTimeout              = errors.New("timeout")
)

// Request is the uniform adapter request of spec.md §4.3.
type Request struct {
	Provider     string
	ModelID      string
	SystemPrompt string
	UserPrompt   string
}

// Response is the uniform adapter response. The *optional fields are nil
// when the underlying provider didn't report them.
type Response struct {
	Text          string
	InputTokens   *int
	OutputTokens  *int
	CostUSD       *float64
	ResolvedModel *string
}

// Adapter generates one response for a single provider family.
type Adapter interface {
	// Generate performs one request/response round trip.
	Generate(ctx context.Context, req Request) (*Response, error)
	// Supports reports whether this adapter can currently serve provider
	// (credential present, CLI discoverable, etc).
	Supports(provider string) bool
	// Name identifies the adapter family for logging.
	Name() string
}

// Router dispatches a Request to the first registered Adapter that
// supports the request's provider, per spec.md §4.3's "two provider
// families are recognised".
type Router struct {
	adapters []Adapter
}

// NewRouter builds a Router over the given adapters, tried in order.
func NewRouter(adapters ...Adapter) *Router {
	return &Router{adapters: adapters}
}

// Generate routes req to the first supporting adapter.
func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	a := r.find(req.Provider)
	if a == nil {
		return nil, ErrNoAdapterForProvider
	}
	return a.Generate(ctx, req)
}

// SupportedProviders reports which of the given candidate provider names
// currently have a supporting, available adapter — the basis for spec.md
// §4.3's "an API-key-backed provider is only 'supported' if its credential
// is present".
func (r *Router) SupportedProviders(candidates []string) []string {
	var out []string
	for _, c := range candidates {
		if r.find(c) != nil {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) find(provider string) Adapter {
	for _, a := range r.adapters {
		if a.Supports(provider) {
			return a
		}
	}
	return nil
}
