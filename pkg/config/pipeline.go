package config

import "time"

// PipelineConfig controls the three-stage request pipeline.
type PipelineConfig struct {
	// PreprocessingModel is the "provider/model" id used for the single
	// preprocessing tool call.
	PreprocessingModel string `yaml:"preprocessing_model"`

	// PreprocessingFallbackModels are tried in order when the primary
	// preprocessing call fails.
	PreprocessingFallbackModels []string `yaml:"preprocessing_fallback_models,omitempty"`

	// PostprocessingModel is used for suggestion + memory generation.
	PostprocessingModel string `yaml:"postprocessing_model"`

	// SanitizerModel is the small dedicated model for external-content
	// sanitization.
	SanitizerModel string `yaml:"sanitizer_model"`

	// MainProcessingSimple / MainProcessingComplex are the fallback main
	// models when auto-selection is disabled or yields nothing.
	MainProcessingSimple  string `yaml:"main_processing_simple"`
	MainProcessingComplex string `yaml:"main_processing_complex"`

	// AutoModelSelection enables leaderboard-driven model selection.
	AutoModelSelection bool `yaml:"auto_model_selection"`

	// HarmThreshold / MisuseThreshold reject a request when the respective
	// score is >= the threshold (equality rejects).
	HarmThreshold   float64 `yaml:"harm_threshold"`
	MisuseThreshold float64 `yaml:"misuse_threshold"`

	// HistoryTokenBudget caps the token estimate of the history shown to any
	// model; truncation prefers the tail.
	HistoryTokenBudget int `yaml:"history_token_budget"`

	// SoftTimeLimit is the cooperative deadline: the pipeline finalizes
	// cleanly with partial results when it elapses.
	SoftTimeLimit time.Duration `yaml:"soft_time_limit"`

	// HardTimeLimit unwinds the run through cleanup when it elapses.
	HardTimeLimit time.Duration `yaml:"hard_time_limit"`

	// SelfHosted disables the credit gate and billing side-effects.
	SelfHosted bool `yaml:"self_hosted"`

	// DisclaimerInterval is how long the same disclaimer type is suppressed
	// for a chat after being shown.
	DisclaimerInterval time.Duration `yaml:"disclaimer_interval"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		HarmThreshold:      7,
		MisuseThreshold:    7,
		HistoryTokenBudget: 120_000,
		SoftTimeLimit:      300 * time.Second,
		HardTimeLimit:      360 * time.Second,
		AutoModelSelection: true,
		DisclaimerInterval: 30 * time.Minute,
	}
}

// DispatchConfig controls the per-app task worker pools.
type DispatchConfig struct {
	// WorkersPerApp is the number of worker goroutines per app queue.
	WorkersPerApp int `yaml:"workers_per_app"`

	// QueueDepth is the buffered capacity of each app queue.
	QueueDepth int `yaml:"queue_depth"`

	// TaskTimeout bounds a single dispatched skill execution.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight tasks
	// during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultDispatchConfig returns the built-in dispatcher defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		WorkersPerApp:           2,
		QueueDepth:              64,
		TaskTimeout:             5 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// LeaderboardEntry ranks one model for a category. Entries are ordered best
// first in the YAML.
type LeaderboardEntry struct {
	ModelID  string `yaml:"model_id"` // "provider/model"
	CNOrigin bool   `yaml:"cn_origin,omitempty"`
}

// Leaderboard maps a category key to its ranked models. Keys are either plain
// request categories ("coding") or selector keys built from
// (task_area, complexity) such as "code/complex".
type Leaderboard map[string][]LeaderboardEntry
