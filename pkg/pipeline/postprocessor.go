package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/debugrec"
	"github.com/glowingkitty/OpenMates-sub005/pkg/llm"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/skills"
	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
)

const (
	suggestionsToolName = "generate_suggestions"
	memoriesToolName    = "generate_memories"

	// postprocessHistoryBudget trims the history shown to the suggestion
	// model; full history adds cost without improving suggestions.
	postprocessHistoryBudget = 8_000
)

// Postprocessor generates follow-up suggestions and optional structured
// memory entries after the main response.
type Postprocessor struct {
	cfg      *config.Config
	gateway  llm.Gateway
	registry *skills.Registry
	storage  storage.Gateway
	recorder *debugrec.Recorder
}

// NewPostprocessor wires the stage. recorder may be nil.
func NewPostprocessor(cfg *config.Config, gateway llm.Gateway, registry *skills.Registry, sg storage.Gateway, recorder *debugrec.Recorder) *Postprocessor {
	return &Postprocessor{cfg: cfg, gateway: gateway, registry: registry, storage: sg, recorder: recorder}
}

// ShouldSkip reports whether postprocessing must not run for this turn.
func (p *Postprocessor) ShouldSkip(req *models.AskRequest, pre *models.PreprocessingResult, outcome MainOutcome) bool {
	return outcome.SoftLimited ||
		req.IsExternal ||
		strings.TrimSpace(outcome.Text) == "" ||
		strings.TrimSpace(pre.ChatSummary) == ""
}

// Run executes both phases: suggestions + categories first, then memory
// generation when phase one picked at least one category.
func (p *Postprocessor) Run(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, outcome MainOutcome) (*models.PostProcessingResult, error) {
	result, err := p.suggestions(ctx, req, pre, outcome)
	if err != nil {
		return nil, err
	}

	if len(result.RelevantSettingsMemoryCategories) > 0 {
		memories, err := p.memories(ctx, req, outcome, result.RelevantSettingsMemoryCategories)
		if err != nil {
			// Suggestions stand on their own; memory generation failing
			// degrades the result instead of discarding it.
			memories = nil
		}
		result.SuggestedSettingsMemories = memories
	}

	p.record(ctx, req, outcome, result)
	return result, nil
}

func (p *Postprocessor) suggestions(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, outcome MainOutcome) (*models.PostProcessingResult, error) {
	lastUser := ""
	if m := req.LastUserMessage(); m != nil {
		lastUser = m.Content
	}

	systemLanguage := "en"
	if user, err := p.storage.GetUser(ctx, req.UserID); err == nil && user.SystemLanguage != "" {
		systemLanguage = user.SystemLanguage
	}

	prompt := fmt.Sprintf(
		"You suggest what the user might want next. Call the %s tool exactly once.\n"+
			"Chat summary: %s\nChat tags: %s\n"+
			"Available apps: %s\nAvailable settings/memory categories: %s\n"+
			"Write follow-up suggestions in %q (the chat language) and new-chat "+
			"suggestions in %q (the user's interface language).",
		suggestionsToolName,
		pre.ChatSummary, strings.Join(pre.ChatTags, ", "),
		strings.Join(p.appIDs(), ", "), strings.Join(p.memoryCategories(req), ", "),
		pre.OutputLanguage, systemLanguage)

	messages := append(
		historyToMessages(trimmedHistory(req.MessageHistory)),
		llm.Message{Role: "user", Content: "Last user message: " + lastUser},
		llm.Message{Role: "user", Content: "Assistant response: " + outcome.Text},
	)

	resp, err := p.gateway.Complete(ctx, llm.Request{
		ModelID:      p.cfg.Pipeline.PostprocessingModel,
		SystemPrompt: prompt,
		Messages:     messages,
		Tools:        []llm.ToolDef{suggestionsTool()},
		Temperature:  0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("suggestions call: %w", err)
	}
	args, err := extractToolArgs(resp, suggestionsToolName)
	if err != nil {
		return nil, fmt.Errorf("suggestions call: %w", err)
	}

	return &models.PostProcessingResult{
		FollowUpRequestSuggestions:       asStringList(args["follow_up_request_suggestions"]),
		NewChatRequestSuggestions:        asStringList(args["new_chat_request_suggestions"]),
		ChatSummary:                      strings.TrimSpace(asString(args["chat_summary"])),
		HarmfulResponse:                  asBool(args["harmful_response"], false),
		TopRecommendedAppsForUser:        asStringList(args["top_recommended_apps_for_user"]),
		RelevantSettingsMemoryCategories: asStringList(args["relevant_settings_memory_categories"]),
	}, nil
}

func (p *Postprocessor) memories(ctx context.Context, req *models.AskRequest, outcome MainOutcome, categories []string) ([]models.SuggestedMemory, error) {
	prompt := fmt.Sprintf(
		"Extract durable user facts worth remembering from this conversation. "+
			"Call the %s tool exactly once. Only use these categories: %s. "+
			"Emit nothing when the conversation holds no durable facts.",
		memoriesToolName, strings.Join(categories, ", "))

	resp, err := p.gateway.Complete(ctx, llm.Request{
		ModelID:      p.cfg.Pipeline.PostprocessingModel,
		SystemPrompt: prompt,
		Messages: append(
			historyToMessages(trimmedHistory(req.MessageHistory)),
			llm.Message{Role: "user", Content: "Assistant response: " + outcome.Text},
		),
		Tools:       []llm.ToolDef{memoriesTool(categories)},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("memory call: %w", err)
	}
	args, err := extractToolArgs(resp, memoriesToolName)
	if err != nil {
		return nil, fmt.Errorf("memory call: %w", err)
	}

	raw, err := json.Marshal(args["memories"])
	if err != nil {
		return nil, err
	}
	var memories []models.SuggestedMemory
	if err := json.Unmarshal(raw, &memories); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}

	// Drop entries outside the allowed categories; the model occasionally
	// invents its own.
	kept := memories[:0]
	for _, m := range memories {
		if containsString(categories, m.Category) {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// appIDs returns the distinct app ids behind the registered skills.
func (p *Postprocessor) appIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range p.registry.Identifiers() {
		skill, ok := p.registry.ByIdentifier(id)
		if !ok || seen[skill.AppID] {
			continue
		}
		seen[skill.AppID] = true
		out = append(out, skill.AppID)
	}
	return out
}

// memoryCategories derives the available settings/memory category ids from
// the client-supplied metadata.
func (p *Postprocessor) memoryCategories(req *models.AskRequest) []string {
	out := make([]string, 0, len(req.AppSettingsMemoryMetadata))
	for _, item := range req.AppSettingsMemoryMetadata {
		out = append(out, normalizeSettingsKey(item))
	}
	return out
}

// trimmedHistory keeps the tail of the history within the postprocessing
// token budget.
func trimmedHistory(history []models.HistoryMessage) []models.HistoryMessage {
	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Content)/4 + 4
		if total > postprocessHistoryBudget {
			break
		}
		cut = i
	}
	return history[cut:]
}

func suggestionsTool() llm.ToolDef {
	stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	return llm.ToolDef{
		Name:        suggestionsToolName,
		Description: "Report follow-up suggestions and conversation metadata.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"follow_up_request_suggestions":       stringArray,
				"new_chat_request_suggestions":        stringArray,
				"chat_summary":                        map[string]any{"type": "string"},
				"harmful_response":                    map[string]any{"type": "boolean"},
				"top_recommended_apps_for_user":       stringArray,
				"relevant_settings_memory_categories": stringArray,
			},
			"required": []string{"follow_up_request_suggestions", "new_chat_request_suggestions"},
		},
	}
}

func memoriesTool(categories []string) llm.ToolDef {
	return llm.ToolDef{
		Name:        memoriesToolName,
		Description: "Report structured memory entries extracted from the conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"memories": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"app_id":   map[string]any{"type": "string"},
							"category": map[string]any{"type": "string", "enum": categories},
							"item_key": map[string]any{"type": "string"},
							"value":    map[string]any{"type": "object"},
						},
						"required": []string{"app_id", "category", "item_key", "value"},
					},
				},
			},
			"required": []string{"memories"},
		},
	}
}

func (p *Postprocessor) record(ctx context.Context, req *models.AskRequest, outcome MainOutcome, result *models.PostProcessingResult) {
	if p.recorder == nil {
		return
	}
	var out map[string]any
	if raw, err := json.Marshal(result); err == nil {
		_ = json.Unmarshal(raw, &out)
	}
	p.recorder.Record(ctx, debugrec.Record{
		TaskID: req.MessageID, ChatID: req.ChatID, UserID: req.UserID,
		Stage: debugrec.StagePostprocessor,
		InputSnapshot: map[string]any{
			"assistant_response": outcome.Text,
			"message_history":    historySnapshot(req.MessageHistory),
		},
		OutputSnapshot: out,
	})
}
