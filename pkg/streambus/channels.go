// Package streambus provides typed publish/subscribe over named channels:
// PostgreSQL NOTIFY for cross-pod distribution, an events table for durable
// lifecycle events, and WebSocket fan-out to connected clients.
package streambus

// Channel name builders. One chat_stream channel per chat; lifecycle channels
// are keyed by the user id hash so one subscription covers all of a user's
// chats.

// ChatStreamChannel carries token chunks and the terminal marker for a chat.
func ChatStreamChannel(chatID string) string {
	return "chat_stream::" + chatID
}

// TypingIndicatorChannel carries "typing started" and "postprocessing
// completed" lifecycle events.
func TypingIndicatorChannel(userIDHash string) string {
	return "ai_typing_indicator_events::" + userIDHash
}

// MessagePersistedChannel carries the "assistant message saved" event with
// the new messages_version for client cache coherence.
func MessagePersistedChannel(userIDHash string) string {
	return "ai_message_persisted::" + userIDHash
}

// Event types.
const (
	TypeChunk                  = "ai_message_chunk"
	TypeTypingStarted          = "ai_typing_started"
	TypePostprocessingComplete = "post_processing_completed"
	TypeMessagePersisted       = "ai_message_persisted"
	TypeChatMessageAdded       = "chat_message_added"
	TypeSkillTaskCompleted     = "skill_task_completed"
)

// ChunkPayload is one chat_stream event. FullContentSoFar is the running
// concatenation; the final marker sets IsFinalChunk and omits content.
type ChunkPayload struct {
	Type                   string `json:"type"` // always TypeChunk
	TaskID                 string `json:"task_id"`
	ChatID                 string `json:"chat_id"`
	MessageID              string `json:"message_id"`
	UserMessageID          string `json:"user_message_id"`
	FullContentSoFar       string `json:"full_content_so_far,omitempty"`
	Sequence               int    `json:"sequence"`
	IsFinalChunk           bool   `json:"is_final_chunk"`
	InterruptedBySoftLimit bool   `json:"interrupted_by_soft_limit,omitempty"`
	InterruptedByRevocation bool  `json:"interrupted_by_revocation,omitempty"`
	Error                  bool   `json:"error,omitempty"`
}

// TypingStartedPayload announces that the assistant began working on a turn.
// Title and IconNames ride along on the first turn of a chat; they are
// emitted together or not at all.
type TypingStartedPayload struct {
	Type          string   `json:"type"` // always TypeTypingStarted
	TaskID        string   `json:"task_id"`
	ChatID        string   `json:"chat_id"`
	MessageID     string   `json:"message_id"`
	MateID        string   `json:"mate_id,omitempty"`
	Category      string   `json:"category,omitempty"`
	Title         string   `json:"title,omitempty"`
	IconNames     []string `json:"icon_names,omitempty"`
	OutputLanguage string  `json:"output_language,omitempty"`
}

// PostprocessingCompletedPayload carries the follow-up suggestions once
// postprocessing finishes.
type PostprocessingCompletedPayload struct {
	Type                       string   `json:"type"` // always TypePostprocessingComplete
	TaskID                     string   `json:"task_id"`
	ChatID                     string   `json:"chat_id"`
	FollowUpRequestSuggestions []string `json:"follow_up_request_suggestions"`
	NewChatRequestSuggestions  []string `json:"new_chat_request_suggestions"`
	ChatSummary                string   `json:"chat_summary,omitempty"`
}

// MessagePersistedPayload tells the client its assistant message was saved.
type MessagePersistedPayload struct {
	Type            string `json:"type"` // always TypeMessagePersisted
	ChatID          string `json:"chat_id"`
	MessageID       string `json:"message_id"`
	MessagesVersion int    `json:"messages_version"`
}

// SkillTaskCompletedPayload announces that a rate-limit-deferred skill task
// finished, carrying the result so the client does not have to poll
// task status.
type SkillTaskCompletedPayload struct {
	Type      string         `json:"type"` // always TypeSkillTaskCompleted
	TaskID    string         `json:"task_id"`
	ChatID    string         `json:"chat_id"`
	MessageID string         `json:"message_id,omitempty"`
	AppID     string         `json:"app_id"`
	SkillID   string         `json:"skill_id"`
	Result    map[string]any `json:"result,omitempty"`
}
