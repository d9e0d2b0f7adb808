// Package registry implements the model registry and health-scored
// selector of spec.md §4.4: an ordered candidate list per (tier, persona),
// scored by a blend of quality, success rate, latency, and cost, with
// exponentially-weighted health updates after every call.
package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/antigravity-dev/aop/internal/llm"
	"github.com/antigravity-dev/aop/internal/store"
	gocache "github.com/patrickmn/go-cache"
)

// Candidate is one (provider, model) routing option.
type Candidate struct {
	Provider        string  `json:"provider"`
	ModelID         string  `json:"modelId"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// Document is the on-disk model-routing configuration of spec.md §6.
type Document struct {
	Version          int                    `json:"version"`
	DefaultProvider  string                 `json:"defaultProvider"`
	Tiers            map[string][]Candidate `json:"tiers"`
	PersonaOverrides map[string][]Candidate `json:"personaOverrides"`
}

// qualitySeed seeds known flagship (provider, model) pairs with a quality
// above the 0.70 default, grounded in original_source/src-tauri/src/model_intelligence.rs's
// static model-quality table.
var qualitySeed = map[string]float64{
	"anthropic/claude-opus-4":   0.96,
	"anthropic/claude-sonnet-4": 0.90,
	"openai/gpt-5":              0.94,
}

// defaultDocument is used when no routing file is configured or it's
// missing, per spec.md §4.4: "A missing file yields a hard-coded default."
func defaultDocument() Document {
	return Document{
		Version:         2,
		DefaultProvider: "claude_code",
		Tiers: map[string][]Candidate{
			"1": {{Provider: "claude_code", ModelID: "claude-opus-4"}},
			"2": {{Provider: "claude_code", ModelID: "claude-sonnet-4"}},
			"3": {{Provider: "claude_code", ModelID: "claude-sonnet-4"}},
		},
		PersonaOverrides: map[string][]Candidate{},
	}
}

// LoadDocument reads the routing JSON at path, accepting single objects in
// place of one-element lists (spec.md §6).
func LoadDocument(path string) (Document, error) {
	if path == "" {
		return defaultDocument(), nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultDocument(), nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("registry: read routing document: %w", err)
	}

	var generic struct {
		Version          int                        `json:"version"`
		DefaultProvider  string                     `json:"defaultProvider"`
		Tiers            map[string]json.RawMessage `json:"tiers"`
		PersonaOverrides map[string]json.RawMessage `json:"personaOverrides"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Document{}, fmt.Errorf("registry: parse routing document: %w", err)
	}

	doc := Document{Version: generic.Version, DefaultProvider: generic.DefaultProvider,
		Tiers: map[string][]Candidate{}, PersonaOverrides: map[string][]Candidate{}}
	for k, v := range generic.Tiers {
		list, err := decodeCandidateList(v)
		if err != nil {
			return Document{}, fmt.Errorf("registry: tier %s: %w", k, err)
		}
		doc.Tiers[k] = list
	}
	for k, v := range generic.PersonaOverrides {
		list, err := decodeCandidateList(v)
		if err != nil {
			return Document{}, fmt.Errorf("registry: persona %s: %w", k, err)
		}
		doc.PersonaOverrides[k] = list
	}
	return doc, nil
}

func decodeCandidateList(raw json.RawMessage) ([]Candidate, error) {
	var list []Candidate
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single Candidate
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []Candidate{single}, nil
}

// Registry resolves candidates and scores them against tracked health.
type Registry struct {
	doc    Document
	store  *store.Store
	router *llm.Router
	cache  *gocache.Cache
}

// New builds a Registry. The go-cache instance smooths repeated scoring
// passes over the same (provider, model) pairs within one orchestration run
// without re-querying SQLite on every candidate (SPEC_FULL.md DOMAIN STACK).
func New(doc Document, s *store.Store, router *llm.Router) *Registry {
	return &Registry{doc: doc, store: s, router: router, cache: gocache.New(gocache.NoExpiration, 0)}
}

func candidatesFor(doc Document, tier int, persona string) []Candidate {
	if persona != "" {
		if list, ok := doc.PersonaOverrides[persona]; ok && len(list) > 0 {
			return list
		}
	}
	return doc.Tiers[fmt.Sprintf("%d", tier)]
}

// Selection is the result of Select: the winning candidate plus its score.
type Selection struct {
	Candidate Candidate
	Score     float64
}

// Select implements spec.md §4.4 steps 1-3: filter to adapter-supported
// providers, score, and return the max (ties broken by provider then model
// id lexicographically).
func (r *Registry) Select(tier int, persona string) (*Selection, error) {
	candidates := candidatesFor(r.doc, tier, persona)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("registry: no candidates configured for tier %d persona %q", tier, persona)
	}

	var names []string
	for _, c := range candidates {
		names = append(names, c.Provider)
	}
	supported := make(map[string]bool)
	for _, p := range r.router.SupportedProviders(dedupe(names)) {
		supported[p] = true
	}

	var eligible []Candidate
	for _, c := range candidates {
		if supported[c.Provider] {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("registry: no available adapter for tier %d persona %q", tier, persona)
	}

	best := eligible[0]
	bestScore := r.score(best)
	for _, c := range eligible[1:] {
		sc := r.score(c)
		if sc > bestScore || (sc == bestScore && lessCandidate(c, best)) {
			best = c
			bestScore = sc
		}
	}
	return &Selection{Candidate: best, Score: bestScore}, nil
}

func lessCandidate(a, b Candidate) bool {
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.ModelID < b.ModelID
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

const (
	latencyNormDivisor = 4000.0
	costNormDivisor    = 0.25
)

// score implements spec.md §4.4 step 2's weighted formula.
func (r *Registry) score(c Candidate) float64 {
	h := r.healthFor(c.Provider, c.ModelID)

	latencyNorm := clamp01(h.AvgLatencyMs / latencyNormDivisor)
	costNorm := clamp01(h.AvgCostUSD / costNormDivisor)
	failurePenalty := 0.0
	if h.Samples > 0 && h.SuccessRate < 0.5 {
		failurePenalty = 1 - h.SuccessRate
	}

	return 0.55*h.Quality + 0.20*h.SuccessRate + 0.15*(1-latencyNorm) + 0.10*(1-costNorm) - 0.20*failurePenalty
}

func (r *Registry) healthFor(provider, modelID string) store.ModelHealth {
	key := provider + "/" + modelID
	if cached, ok := r.cache.Get(key); ok {
		return cached.(store.ModelHealth)
	}
	h, err := r.store.GetModelHealth(provider, modelID)
	if err != nil {
		h = store.ModelHealth{Provider: provider, ModelID: modelID, Quality: 0.70, SuccessRate: 0.90, AvgLatencyMs: 2000, AvgCostUSD: 0.125}
	}
	if seed, ok := qualitySeed[key]; ok && h.Samples == 0 {
		h.Quality = seed
	}
	r.cache.Set(key, h, gocache.DefaultExpiration)
	return h
}

const emaAlpha = 0.20

// RecordSuccess updates a (provider, model)'s health after a successful
// call, per spec.md §4.4: EWMA on latency/cost, +0.02 quality nudge.
func (r *Registry) RecordSuccess(provider, modelID string, latencyMs, costUSD float64) error {
	return r.updateHealth(provider, modelID, true, latencyMs, costUSD)
}

// RecordFailure updates health after a failed call: -0.08 quality nudge.
func (r *Registry) RecordFailure(provider, modelID string, latencyMs, costUSD float64) error {
	return r.updateHealth(provider, modelID, false, latencyMs, costUSD)
}

func (r *Registry) updateHealth(provider, modelID string, success bool, latencyMs, costUSD float64) error {
	h := r.healthFor(provider, modelID)
	h.AvgLatencyMs = emaAlpha*latencyMs + (1-emaAlpha)*h.AvgLatencyMs
	h.AvgCostUSD = emaAlpha*costUSD + (1-emaAlpha)*h.AvgCostUSD
	h.Samples++

	if success {
		h.Quality = clampRange(h.Quality+0.02, 0.05, 0.99)
		h.SuccessRate = emaAlpha*1.0 + (1-emaAlpha)*h.SuccessRate
	} else {
		h.Quality = clampRange(h.Quality-0.08, 0.05, 0.99)
		h.SuccessRate = emaAlpha*0.0 + (1-emaAlpha)*h.SuccessRate
	}

	key := provider + "/" + modelID
	r.cache.Set(key, h, gocache.DefaultExpiration)
	if err := r.store.UpsertModelHealth(h); err != nil {
		return fmt.Errorf("registry: update health: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
