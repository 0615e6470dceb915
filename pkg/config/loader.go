package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// OpenMatesYAMLConfig represents the openmates.yaml file structure.
type OpenMatesYAMLConfig struct {
	Pipeline *PipelineConfig `yaml:"pipeline"`
	Dispatch *DispatchConfig `yaml:"dispatch"`
}

// LLMProvidersYAMLConfig represents the llm-providers.yaml file structure.
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]*LLMProviderConfig `yaml:"llm_providers"`
	Leaderboard  Leaderboard                   `yaml:"leaderboard,omitempty"`
}

// MatesYAMLConfig represents the mates.yaml file structure.
type MatesYAMLConfig struct {
	Mates []MateConfig `yaml:"mates"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Build in-memory registries
//  5. Validate all configuration
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	loader := &configLoader{configDir: configDir}

	main, err := loader.loadOpenMatesYAML()
	if err != nil {
		return nil, fmt.Errorf("failed to load openmates.yaml: %w", err)
	}

	providers, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, fmt.Errorf("failed to load llm-providers.yaml: %w", err)
	}

	mates, err := loader.loadMatesYAML()
	if err != nil {
		return nil, fmt.Errorf("failed to load mates.yaml: %w", err)
	}

	skillsCfg, err := loader.loadSkillsYAML()
	if err != nil {
		return nil, fmt.Errorf("failed to load skills.yaml: %w", err)
	}

	// Merge user-provided pipeline/dispatch values over built-in defaults,
	// so unset fields keep their defaults.
	pipeline := DefaultPipelineConfig()
	if main.Pipeline != nil {
		if err := mergo.Merge(pipeline, main.Pipeline, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge pipeline config: %w", err)
		}
	}
	dispatch := DefaultDispatchConfig()
	if main.Dispatch != nil {
		if err := mergo.Merge(dispatch, main.Dispatch, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge dispatch config: %w", err)
		}
	}

	cfg := &Config{
		Pipeline:    pipeline,
		Dispatch:    dispatch,
		Providers:   NewProviderRegistry(providers.LLMProviders),
		Mates:       NewMateRegistry(mates.Mates),
		Skills:      skillsCfg.Skills,
		FocusModes:  skillsCfg.FocusModes,
		Leaderboard: providers.Leaderboard,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"llm_providers", len(cfg.Providers.Names()),
		"mates", len(cfg.Mates.All()),
		"skills", len(cfg.Skills),
		"focus_modes", len(cfg.FocusModes))

	return cfg, nil
}

type configLoader struct {
	configDir string
}

// readYAML reads a YAML file with env expansion into out.
// Missing optional files return os.ErrNotExist for the caller to decide.
func (l *configLoader) readYAML(name string, out any) error {
	path := filepath.Join(l.configDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(ExpandEnv(data), out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (l *configLoader) loadOpenMatesYAML() (*OpenMatesYAMLConfig, error) {
	var cfg OpenMatesYAMLConfig
	if err := l.readYAML("openmates.yaml", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *configLoader) loadLLMProvidersYAML() (*LLMProvidersYAMLConfig, error) {
	var cfg LLMProvidersYAMLConfig
	if err := l.readYAML("llm-providers.yaml", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *configLoader) loadMatesYAML() (*MatesYAMLConfig, error) {
	var cfg MatesYAMLConfig
	if err := l.readYAML("mates.yaml", &cfg); err != nil {
		if os.IsNotExist(err) {
			// Mates are optional — a deployment may run with the
			// general-knowledge fallback only.
			slog.Warn("mates.yaml not found, continuing without personas")
			return &MatesYAMLConfig{}, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (l *configLoader) loadSkillsYAML() (*SkillsYAMLConfig, error) {
	var cfg SkillsYAMLConfig
	if err := l.readYAML("skills.yaml", &cfg); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("skills.yaml not found, continuing without skills")
			return &SkillsYAMLConfig{}, nil
		}
		return nil, err
	}
	return &cfg, nil
}
