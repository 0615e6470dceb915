// Package config loads and validates the orchestrator configuration:
// pipeline settings, LLM providers (pricing and rate plans), mates, and the
// declarative skill manifest.
package config

import (
	"fmt"
)

// Config is the fully-loaded, validated runtime configuration. Built once at
// worker boot and treated as a read-only snapshot afterwards.
type Config struct {
	Pipeline    *PipelineConfig
	Dispatch    *DispatchConfig
	Providers   *ProviderRegistry
	Mates       *MateRegistry
	Skills      []SkillManifestEntry
	FocusModes  []FocusModeEntry
	Leaderboard Leaderboard
}

// Validate checks cross-references that the per-file parsers cannot see.
func (c *Config) Validate() error {
	if c.Pipeline.PreprocessingModel == "" {
		return fmt.Errorf("pipeline.preprocessing_model is required")
	}
	if c.Pipeline.MainProcessingSimple == "" || c.Pipeline.MainProcessingComplex == "" {
		return fmt.Errorf("pipeline.main_processing_simple and main_processing_complex are required")
	}
	for _, id := range append([]string{
		c.Pipeline.PreprocessingModel,
		c.Pipeline.MainProcessingSimple,
		c.Pipeline.MainProcessingComplex,
	}, c.Pipeline.PreprocessingFallbackModels...) {
		provider, _, err := SplitModelID(id)
		if err != nil {
			return fmt.Errorf("invalid configured model id %q: %w", id, err)
		}
		if _, ok := c.Providers.Get(provider); !ok {
			return fmt.Errorf("model id %q references unknown provider %q", id, provider)
		}
	}
	seen := make(map[string]bool, len(c.Skills))
	for _, s := range c.Skills {
		if s.AppID == "" || s.SkillID == "" {
			return fmt.Errorf("skill manifest entry missing app_id or skill_id")
		}
		key := s.AppID + "-" + s.SkillID
		if seen[key] {
			return fmt.Errorf("duplicate skill manifest entry %q", key)
		}
		seen[key] = true
		if s.Port <= 0 {
			return fmt.Errorf("skill %q: port is required", key)
		}
	}
	for _, m := range c.Mates.All() {
		if m.ID == "" {
			return fmt.Errorf("mate entry missing id")
		}
		if m.Category == "" {
			return fmt.Errorf("mate %q missing category", m.ID)
		}
	}
	return nil
}
