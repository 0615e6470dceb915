// Package skills holds the skill registry built from the declarative
// manifest, the per-invocation cancellation substrate, and the executor that
// calls into app skill services.
package skills

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
)

// Skill is one registered skill with its compiled argument schema.
type Skill struct {
	config.SkillManifestEntry
	Schema *jsonschema.Schema // nil when the manifest declares none
}

// Identifier returns the canonical "<app_id>-<skill_id>" name.
func (s *Skill) Identifier() string {
	return s.AppID + "-" + s.SkillID
}

// Endpoint returns the skill's RPC URL.
func (s *Skill) Endpoint() string {
	return fmt.Sprintf("http://app-%s:%d/skills/%s", s.AppID, s.Port, s.SkillID)
}

// Registry maps skill identifiers to their manifest entries. Built once at
// worker boot.
type Registry struct {
	byIdentifier map[string]*Skill
	ordered      []*Skill
	focusModes   []config.FocusModeEntry
	resolver     map[string]string // identifier variants → canonical
}

// NewRegistry builds the registry and the name resolver from the manifest.
// Skills with an invalid parameters schema are registered without validation
// and the error is returned alongside, so boot can warn but proceed.
func NewRegistry(entries []config.SkillManifestEntry, focusModes []config.FocusModeEntry) (*Registry, error) {
	r := &Registry{
		byIdentifier: make(map[string]*Skill, len(entries)),
		focusModes:   focusModes,
		resolver:     make(map[string]string),
	}

	var schemaErrs []string
	for _, entry := range entries {
		skill := &Skill{SkillManifestEntry: entry}
		if entry.ParametersSchema != "" {
			schema, err := compileSchema(entry.AppID+"-"+entry.SkillID, entry.ParametersSchema)
			if err != nil {
				schemaErrs = append(schemaErrs, fmt.Sprintf("%s-%s: %v", entry.AppID, entry.SkillID, err))
			} else {
				skill.Schema = schema
			}
		}
		id := skill.Identifier()
		r.byIdentifier[id] = skill
		r.ordered = append(r.ordered, skill)
		for _, variant := range nameVariants(entry.AppID, entry.SkillID) {
			r.resolver[variant] = id
		}
	}

	if len(schemaErrs) > 0 {
		return r, fmt.Errorf("skills: invalid parameter schemas: %s", strings.Join(schemaErrs, "; "))
	}
	return r, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(name + ".json")
}

// nameVariants returns the canonical identifier plus the hallucinated forms
// models commonly emit: the underscore form, the duplicated-segment form
// "app-skill-skill", and its underscore twin.
func nameVariants(appID, skillID string) []string {
	canonical := appID + "-" + skillID
	variants := []string{
		canonical,
		strings.ReplaceAll(canonical, "-", "_"),
	}
	if parts := strings.Split(skillID, "-"); len(parts) > 0 {
		duplicated := canonical + "-" + parts[len(parts)-1]
		variants = append(variants,
			duplicated,
			strings.ReplaceAll(duplicated, "-", "_"))
	}
	return variants
}

// Get returns the skill for (appID, skillID).
func (r *Registry) Get(appID, skillID string) (*Skill, bool) {
	s, ok := r.byIdentifier[appID+"-"+skillID]
	return s, ok
}

// Resolve maps a possibly-hallucinated skill name to its canonical
// identifier.
func (r *Registry) Resolve(name string) (string, bool) {
	id, ok := r.resolver[name]
	return id, ok
}

// ResolveAll maps names through the resolver, dropping unresolvable entries
// and deduplicating while preserving order.
func (r *Registry) ResolveAll(names []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, name := range names {
		id, ok := r.Resolve(name)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ByIdentifier returns the skill for a canonical identifier.
func (r *Registry) ByIdentifier(id string) (*Skill, bool) {
	s, ok := r.byIdentifier[id]
	return s, ok
}

// Identifiers lists canonical identifiers in manifest order, excluding entry
// skills (the AI's own entry point is never offered to itself).
func (r *Registry) Identifiers() []string {
	out := make([]string, 0, len(r.ordered))
	for _, s := range r.ordered {
		if s.EntrySkill {
			continue
		}
		out = append(out, s.Identifier())
	}
	return out
}

// AlwaysInclude lists skills present in every main-processor tool list.
func (r *Registry) AlwaysInclude() []*Skill {
	var out []*Skill
	for _, s := range r.ordered {
		if s.AlwaysInclude && !s.EntrySkill {
			out = append(out, s)
		}
	}
	return out
}

// FocusModes lists the configured focus modes.
func (r *Registry) FocusModes() []config.FocusModeEntry {
	return r.focusModes
}

// FocusIdentifiers lists "<app_id>-<focus_id>" names for preprocessing.
func (r *Registry) FocusIdentifiers() []string {
	out := make([]string, 0, len(r.focusModes))
	for _, f := range r.focusModes {
		out = append(out, f.AppID+"-"+f.FocusID)
	}
	return out
}

// ResolveFocusModes filters focus-mode names against the configured set,
// tolerating the underscore variant.
func (r *Registry) ResolveFocusModes(names []string) []string {
	valid := map[string]string{}
	for _, f := range r.focusModes {
		id := f.AppID + "-" + f.FocusID
		valid[id] = id
		valid[strings.ReplaceAll(id, "-", "_")] = id
	}
	out := []string{}
	seen := map[string]bool{}
	for _, name := range names {
		id, ok := valid[name]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ValidateArguments checks args against the skill's parameter schema. Skills
// without a schema accept anything.
func (s *Skill) ValidateArguments(args map[string]any) error {
	if s.Schema == nil {
		return nil
	}
	// The schema library validates decoded JSON values, so round-trip the
	// map to normalize numbers.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("skills: marshal arguments: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("skills: unmarshal arguments: %w", err)
	}
	if err := s.Schema.Validate(v); err != nil {
		return fmt.Errorf("skills: arguments for %s rejected: %w", s.Identifier(), err)
	}
	return nil
}
