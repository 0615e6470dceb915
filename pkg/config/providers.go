package config

import (
	"fmt"
	"os"
	"strings"
)

// ModelPricing is the per-token pricing block for a model. Billing preflight
// requires a pricing block before any tokens are metered.
type ModelPricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
	Currency         string  `yaml:"currency,omitempty"`
}

// ModelConfig describes a single model offered by a provider.
type ModelConfig struct {
	ID          string        `yaml:"id"`           // provider-local id, e.g. "gpt-x"
	DisplayName string        `yaml:"display_name"` // human-readable name for clients
	Pricing     *ModelPricing `yaml:"pricing,omitempty"`
	CNOrigin    bool          `yaml:"cn_origin,omitempty"` // excluded when china_model_sensitive
}

// RateLimitSetting expresses a provider rate limit either directly or as a
// plan map. Exactly one of RequestsPerSecond / Plans should be set; when both
// are present the plan map wins.
type RateLimitSetting struct {
	RequestsPerSecond int              `yaml:"requests_per_second,omitempty"`
	Plans             map[RatePlan]int `yaml:"plans,omitempty"`
}

// Resolve returns the requests-per-second limit for the active plan.
// Returns (0, false) when no limit is configured (fail-open).
func (r *RateLimitSetting) Resolve(plan RatePlan) (int, bool) {
	if r == nil {
		return 0, false
	}
	if len(r.Plans) > 0 {
		if v, ok := r.Plans[plan]; ok && v > 0 {
			return v, true
		}
		return 0, false
	}
	if r.RequestsPerSecond > 0 {
		return r.RequestsPerSecond, true
	}
	return 0, false
}

// LLMProviderConfig describes one upstream model provider.
type LLMProviderConfig struct {
	Name       string                       `yaml:"name"`
	BaseURL    string                       `yaml:"base_url,omitempty"`
	APIKeyEnv  string                       `yaml:"api_key_env,omitempty"`
	Models     []ModelConfig                `yaml:"models,omitempty"`
	RateLimits map[string]*RateLimitSetting `yaml:"rate_limits,omitempty"` // keyed by skill, "" for default
}

// Model looks up a model by its provider-local id.
func (p *LLMProviderConfig) Model(modelID string) (*ModelConfig, bool) {
	for i := range p.Models {
		if p.Models[i].ID == modelID {
			return &p.Models[i], true
		}
	}
	return nil, false
}

// ProviderRegistry holds all configured LLM providers keyed by name.
type ProviderRegistry struct {
	providers map[string]*LLMProviderConfig
}

// NewProviderRegistry builds a registry from parsed provider configs.
func NewProviderRegistry(providers map[string]*LLMProviderConfig) *ProviderRegistry {
	reg := &ProviderRegistry{providers: make(map[string]*LLMProviderConfig, len(providers))}
	for name, p := range providers {
		if p.Name == "" {
			p.Name = name
		}
		reg.providers[name] = p
	}
	return reg
}

// Get returns the provider config for name.
func (r *ProviderRegistry) Get(name string) (*LLMProviderConfig, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns all registered provider names.
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// ActivePlan resolves the rate plan for a provider from the environment.
// `<PROVIDER>_PLAN` (uppercase, hyphens→underscores) selects the plan;
// the default is "pro".
func ActivePlan(provider string) RatePlan {
	envKey := strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_PLAN"
	if v := os.Getenv(envKey); v != "" {
		plan := RatePlan(strings.ToLower(v))
		if plan.IsValid() {
			return plan
		}
	}
	return RatePlanPro
}

// RequestsPerSecond resolves the configured limit for (provider, skill, model)
// under the provider's active plan. Model-specific entries are keyed
// "<skill>:<model>" and win over plain skill entries, which win over the ""
// default entry. Returns (0, false) when nothing is configured.
func (r *ProviderRegistry) RequestsPerSecond(provider, skill, model string) (int, bool) {
	p, ok := r.providers[provider]
	if !ok || len(p.RateLimits) == 0 {
		return 0, false
	}
	plan := ActivePlan(provider)
	if model != "" {
		if limit, ok := p.RateLimits[skill+":"+model].Resolve(plan); ok {
			return limit, true
		}
	}
	if limit, ok := p.RateLimits[skill].Resolve(plan); ok {
		return limit, true
	}
	if limit, ok := p.RateLimits[""].Resolve(plan); ok {
		return limit, true
	}
	return 0, false
}

// SplitModelID splits a "provider/model" id into its parts.
func SplitModelID(id string) (provider, model string, err error) {
	idx := strings.Index(id, "/")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", fmt.Errorf("invalid model id %q: must be in 'provider/model' format", id)
	}
	return id[:idx], id[idx+1:], nil
}

// ResolveDisplayName returns the configured display name for a
// "provider/model" id, falling back to the bare model id when unknown.
func (r *ProviderRegistry) ResolveDisplayName(fullID string) string {
	provider, modelID, err := SplitModelID(fullID)
	if err != nil {
		return fullID
	}
	if p, ok := r.Get(provider); ok {
		if m, ok := p.Model(modelID); ok && m.DisplayName != "" {
			return m.DisplayName
		}
	}
	return modelID
}

// ResolveProviderForModel finds the first provider that offers modelID.
// Used for `@ai-model:<model>` overrides that omit the provider part.
func (r *ProviderRegistry) ResolveProviderForModel(modelID string) (string, bool) {
	for name, p := range r.providers {
		if _, ok := p.Model(modelID); ok {
			return name, true
		}
	}
	return "", false
}

// HasPricing reports whether the given "provider/model" id resolves to a
// provider entry with a pricing block. Billing preflight fails without one.
func (r *ProviderRegistry) HasPricing(fullID string) bool {
	provider, modelID, err := SplitModelID(fullID)
	if err != nil {
		return false
	}
	p, ok := r.Get(provider)
	if !ok {
		return false
	}
	m, ok := p.Model(modelID)
	return ok && m.Pricing != nil
}
