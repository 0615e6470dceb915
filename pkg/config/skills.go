package config

// SkillManifestEntry declares one skill in the skills.yaml manifest.
// The registry is built from this declarative manifest at worker boot —
// there is no runtime discovery.
type SkillManifestEntry struct {
	AppID            string `yaml:"app_id"`
	SkillID          string `yaml:"skill_id"`
	Port             int    `yaml:"port"`
	Description      string `yaml:"description,omitempty"`
	ParametersSchema string `yaml:"parameters_schema,omitempty"` // JSON Schema for argument validation
	PreprocessorHint string `yaml:"preprocessor_hint,omitempty"` // shown to the preprocessing model
	Slow             bool   `yaml:"slow,omitempty"`              // dispatched via task queue instead of inline
	AlwaysInclude    bool   `yaml:"always_include,omitempty"`    // present in every main-processor tool list
	ExternalContent  bool   `yaml:"external_content,omitempty"`  // results cross the sanitizer before the prompt
	EntrySkill       bool   `yaml:"entry_skill,omitempty"`       // the AI's own entry point, hidden from itself
}

// FocusModeEntry declares a focus mode an app exposes.
type FocusModeEntry struct {
	AppID    string `yaml:"app_id"`
	FocusID  string `yaml:"focus_id"`
	Prompt   string `yaml:"prompt,omitempty"`
	Hint     string `yaml:"hint,omitempty"`
}

// SkillsYAMLConfig represents the complete skills.yaml file structure.
type SkillsYAMLConfig struct {
	Skills     []SkillManifestEntry `yaml:"skills"`
	FocusModes []FocusModeEntry     `yaml:"focus_modes,omitempty"`
}
