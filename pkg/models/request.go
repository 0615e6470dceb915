// Package models contains the request/response types that flow through the
// pipeline stages.
package models

// HistoryMessage is one entry of a chat's message history.
// Within a single AskRequest the history is chronologically non-decreasing
// in CreatedAt and the last entry is the new user message.
type HistoryMessage struct {
	Role       string `json:"role"` // user, assistant, system, tool
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"` // unix seconds
	SenderName string `json:"sender_name,omitempty"`
	Category   string `json:"category,omitempty"`
}

// AskRequest is one assistant turn. It is immutable inside the core except
// for two allowed mutations: sanitization may rewrite user-message content,
// and override parsing may strip @mention syntax from the last user message.
type AskRequest struct {
	ChatID                     string            `json:"chat_id"`
	MessageID                  string            `json:"message_id"`
	UserID                     string            `json:"user_id"`
	UserIDHash                 string            `json:"user_id_hash"`
	MessageHistory             []HistoryMessage  `json:"message_history"`
	ChatHasTitle               bool              `json:"chat_has_title"`
	IsIncognito                bool              `json:"is_incognito"`
	IsExternal                 bool              `json:"is_external"`
	MateID                     string            `json:"mate_id,omitempty"`
	ActiveFocusID              string            `json:"active_focus_id,omitempty"`
	UserPreferences            map[string]any    `json:"user_preferences,omitempty"`
	AppSettingsMemoryMetadata  []string          `json:"app_settings_memories_metadata,omitempty"` // "<app_id>-<item_type>"
}

// LastUserMessage returns a pointer to the most recent user-role message,
// or nil when the history has none.
func (r *AskRequest) LastUserMessage() *HistoryMessage {
	for i := len(r.MessageHistory) - 1; i >= 0; i-- {
		if r.MessageHistory[i].Role == "user" {
			return &r.MessageHistory[i]
		}
	}
	return nil
}

// QueuedMessage is a message that arrived while a pipeline was active for its
// chat. Same shape as AskRequest; queued entries are collapsed into a single
// follow-on request when the active run ends.
type QueuedMessage = AskRequest

// UserOverrides are parsed from @mention syntax in the last user message.
type UserOverrides struct {
	ModelID           string          `json:"model_id,omitempty"`
	ModelProvider     string          `json:"model_provider,omitempty"`
	BestModelCategory string          `json:"best_model_category,omitempty"`
	MateID            string          `json:"mate_id,omitempty"`
	Skills            []SkillRef      `json:"skills,omitempty"`
	FocusModes        []FocusModeRef  `json:"focus_modes,omitempty"`
}

// SkillRef identifies a skill as (app, skill).
type SkillRef struct {
	AppID   string `json:"app_id"`
	SkillID string `json:"skill_id"`
}

// FocusModeRef identifies a focus mode as (app, focus).
type FocusModeRef struct {
	AppID   string `json:"app_id"`
	FocusID string `json:"focus_id"`
}

// HasOverrides is true iff any override field is set.
func (o *UserOverrides) HasOverrides() bool {
	return o.ModelID != "" || o.ModelProvider != "" || o.BestModelCategory != "" ||
		o.MateID != "" || len(o.Skills) > 0 || len(o.FocusModes) > 0
}
