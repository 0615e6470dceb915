package models

// PreprocessingResult is the structured decision emitted by the preprocessing
// stage. When CanProceed is false the pipeline publishes the rejection and
// ends without streaming.
type PreprocessingResult struct {
	CanProceed      bool   `json:"can_proceed"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	// Classification outputs.
	HarmfulOrIllegalScore float64 `json:"harmful_or_illegal_score"`
	MisuseRiskScore       float64 `json:"misuse_risk_score"`
	Category              string  `json:"category"`
	Complexity            string  `json:"complexity"`
	TaskArea              string  `json:"task_area"`
	LLMResponseTemp       float64 `json:"llm_response_temp"`
	OutputLanguage        string  `json:"output_language"`
	UserUnhappy           bool    `json:"user_unhappy"`
	ChinaModelSensitive   bool    `json:"china_model_sensitive"`

	// Selected artifacts.
	SelectedMateID           string `json:"selected_mate_id,omitempty"`
	SelectedMainModelID      string `json:"selected_main_llm_model_id,omitempty"` // "provider/model"
	SelectedMainModelName    string `json:"selected_main_llm_model_name,omitempty"`
	SelectedSecondaryModelID string `json:"selected_secondary_model_id,omitempty"`
	SelectedFallbackModelID  string `json:"selected_fallback_model_id,omitempty"`
	ModelSelectionReason     string `json:"model_selection_reason,omitempty"`
	FilteredCNModels         bool   `json:"filtered_cn_models"`
	ServerProviderName       string `json:"server_provider_name,omitempty"`
	ServerRegion             string `json:"server_region,omitempty"`

	// Instructions to later stages.
	LoadAppSettingsAndMemories []string `json:"load_app_settings_and_memories,omitempty"` // "<app_id>:<item_key>"
	RelevantEmbeddedPreviews   []string `json:"relevant_embedded_previews"`
	RelevantAppSkills          []string `json:"relevant_app_skills"` // "<app_id>-<skill_id>", never nil
	RelevantFocusModes         []string `json:"relevant_focus_modes,omitempty"`
	Title                      string   `json:"title,omitempty"`
	IconNames                  []string `json:"icon_names,omitempty"`
	ChatSummary                string   `json:"chat_summary"`
	ChatTags                   []string `json:"chat_tags,omitempty"`
	RequiresAdviceDisclaimer   string   `json:"requires_advice_disclaimer,omitempty"` // financial, medical, legal, mental_health
}

// Rejected builds a non-proceeding result with the given reason and
// user-facing message.
func Rejected(reason, message string) *PreprocessingResult {
	return &PreprocessingResult{
		CanProceed:        false,
		RejectionReason:   reason,
		ErrorMessage:      message,
		RelevantAppSkills: []string{},
	}
}

// SuggestedMemory is one structured memory entry proposed by postprocessing.
type SuggestedMemory struct {
	AppID    string         `json:"app_id"`
	Category string         `json:"category"`
	ItemKey  string         `json:"item_key"`
	Value    map[string]any `json:"value"`
}

// PostProcessingResult is produced after the main response.
type PostProcessingResult struct {
	FollowUpRequestSuggestions       []string          `json:"follow_up_request_suggestions"`
	NewChatRequestSuggestions        []string          `json:"new_chat_request_suggestions"`
	ChatSummary                      string            `json:"chat_summary,omitempty"`
	HarmfulResponse                  bool              `json:"harmful_response"`
	TopRecommendedAppsForUser        []string          `json:"top_recommended_apps_for_user,omitempty"`
	RelevantSettingsMemoryCategories []string          `json:"relevant_settings_memory_categories,omitempty"`
	SuggestedSettingsMemories        []SuggestedMemory `json:"suggested_settings_memories,omitempty"`
}

// SkillInvocation is one call into an app skill. SkillTaskID is a fresh UUID
// per invocation and drives per-invocation cancellation.
type SkillInvocation struct {
	AppID       string         `json:"app_id"`
	SkillID     string         `json:"skill_id"`
	Arguments   map[string]any `json:"arguments"`
	SkillTaskID string         `json:"skill_task_id"`
	ChatID      string         `json:"chat_id"`
	MessageID   string         `json:"message_id"`
	UserID      string         `json:"user_id"`
}

// SkillOutcome discriminates the three ways a skill call ends.
type SkillOutcome int

const (
	SkillOK SkillOutcome = iota
	SkillCancelled
	SkillFailed
)

// SkillResult is one result of a skill invocation. Outcome SkillOK carries
// Data; SkillFailed carries ErrorKind/ErrorMessage; SkillCancelled carries
// neither and the tool loop proceeds past it with an empty result.
type SkillResult struct {
	Outcome      SkillOutcome   `json:"outcome"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Embed statuses. An embed flows processing → (ok | error | cancelled); the
// core only transitions dangling processing embeds on failure.
const (
	EmbedStatusProcessing = "processing"
	EmbedStatusOK         = "ok"
	EmbedStatusError      = "error"
	EmbedStatusCancelled  = "cancelled"
)

// Embed is the slice of an embed record the cleanup path cares about.
type Embed struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	HashedChatID string `json:"hashed_chat_id"`
	HashedTaskID string `json:"hashed_task_id"`
	ErrorMessage string `json:"error_message,omitempty"`
}
