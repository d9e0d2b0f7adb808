package store

import (
	"database/sql"
	"fmt"
)

// ModelHealth is the per-(provider, model) health snapshot tracked for the
// registry's scoring function (spec.md §4.4).
type ModelHealth struct {
	Provider     string
	ModelID      string
	Quality      float64
	SuccessRate  float64
	AvgLatencyMs float64
	AvgCostUSD   float64
	Samples      int
}

const defaultQuality = 0.70
const defaultSuccessRate = 0.90
const defaultLatencyMs = 2000.0
const defaultCostUSD = 0.125

// GetModelHealth returns the tracked health row, or the untracked defaults
// from spec.md §4.4 ("Untracked models start at quality=0.70, ...").
func (s *Store) GetModelHealth(provider, modelID string) (ModelHealth, error) {
	row := s.db.QueryRow(`SELECT provider, model_id, quality, success_rate, avg_latency_ms, avg_cost_usd, samples
		FROM model_health WHERE provider = ? AND model_id = ?`, provider, modelID)
	var h ModelHealth
	err := row.Scan(&h.Provider, &h.ModelID, &h.Quality, &h.SuccessRate, &h.AvgLatencyMs, &h.AvgCostUSD, &h.Samples)
	if err == sql.ErrNoRows {
		return ModelHealth{
			Provider: provider, ModelID: modelID,
			Quality: defaultQuality, SuccessRate: defaultSuccessRate,
			AvgLatencyMs: defaultLatencyMs, AvgCostUSD: defaultCostUSD,
		}, nil
	}
	if err != nil {
		return ModelHealth{}, fmt.Errorf("store: get model health: %w", err)
	}
	return h, nil
}

// UpsertModelHealth writes back an updated health snapshot.
func (s *Store) UpsertModelHealth(h ModelHealth) error {
	_, err := s.db.Exec(`
		INSERT INTO model_health (provider, model_id, quality, success_rate, avg_latency_ms, avg_cost_usd, samples, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(provider, model_id) DO UPDATE SET
			quality = excluded.quality,
			success_rate = excluded.success_rate,
			avg_latency_ms = excluded.avg_latency_ms,
			avg_cost_usd = excluded.avg_cost_usd,
			samples = excluded.samples,
			updated_at = excluded.updated_at`,
		h.Provider, h.ModelID, h.Quality, h.SuccessRate, h.AvgLatencyMs, h.AvgCostUSD, h.Samples)
	if err != nil {
		return fmt.Errorf("store: upsert model health: %w", err)
	}
	return nil
}
