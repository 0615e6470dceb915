package config

// MateConfig is a persona preset: a category, a default system prompt, and
// the apps the persona may use.
type MateConfig struct {
	ID            string   `yaml:"id"`
	Category      string   `yaml:"category"`
	DisplayName   string   `yaml:"display_name,omitempty"`
	SystemPrompt  string   `yaml:"system_prompt"`
	AssignedApps  []string `yaml:"assigned_apps,omitempty"`
	DefaultFocus  string   `yaml:"default_focus,omitempty"`
}

// MateRegistry holds all configured mates in declaration order.
type MateRegistry struct {
	mates []MateConfig
	byID  map[string]*MateConfig
}

// NewMateRegistry builds a registry preserving declaration order, which
// matters: selection picks the FIRST mate matching a category.
func NewMateRegistry(mates []MateConfig) *MateRegistry {
	reg := &MateRegistry{
		mates: mates,
		byID:  make(map[string]*MateConfig, len(mates)),
	}
	for i := range reg.mates {
		reg.byID[reg.mates[i].ID] = &reg.mates[i]
	}
	return reg
}

// ByID looks up a mate by id.
func (r *MateRegistry) ByID(id string) (*MateConfig, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// FirstByCategory returns the first mate declaring the given category.
func (r *MateRegistry) FirstByCategory(category string) (*MateConfig, bool) {
	for i := range r.mates {
		if r.mates[i].Category == category {
			return &r.mates[i], true
		}
	}
	return nil, false
}

// Categories returns the union of all mate categories plus the
// general-knowledge fallback, deduplicated, declaration order preserved.
func (r *MateRegistry) Categories() []string {
	seen := make(map[string]bool, len(r.mates)+1)
	out := make([]string, 0, len(r.mates)+1)
	for i := range r.mates {
		c := r.mates[i].Category
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if !seen[GeneralKnowledgeCategory] {
		out = append(out, GeneralKnowledgeCategory)
	}
	return out
}

// All returns every configured mate.
func (r *MateRegistry) All() []MateConfig {
	return r.mates
}
