package pipeline

import (
	"fmt"
	"strings"

	"github.com/glowingkitty/OpenMates-sub005/pkg/llm"
)

const preprocessToolName = "preprocess_request"

// oneShotFields are only generated on the first turn of a chat; when the chat
// already has a title they are dropped from the tool schema entirely.
var oneShotFields = []string{"title", "icon_names", "category"}

// buildPreprocessTool assembles the preprocessing tool definition with the
// dynamic context baked into field descriptions: available categories, skill
// identifiers with their hints, and focus identifiers.
//
// categoryAddendum is empty on the first call; the category-validation retry
// passes an emphatic constraint through it.
func buildPreprocessTool(categories, skillLines, focusIDs []string, chatHasTitle bool, categoryAddendum string) llm.ToolDef {
	categoryDesc := fmt.Sprintf(
		"The category of the request. One of: %s.", strings.Join(categories, ", "))
	if categoryAddendum != "" {
		categoryDesc += " " + categoryAddendum
	}

	properties := map[string]any{
		"harmful_or_illegal_score": map[string]any{
			"type":        "number",
			"description": "0-10 score for harmful or illegal intent. 0 = harmless.",
		},
		"misuse_risk_score": map[string]any{
			"type":        "number",
			"description": "0-10 score for service misuse (spam, automation abuse). 0 = none.",
		},
		"category": map[string]any{
			"type":        "string",
			"description": categoryDesc,
		},
		"complexity": map[string]any{
			"type":        "string",
			"enum":        []string{"simple", "complex"},
			"description": "Whether a small fast model suffices or a large one is needed.",
		},
		"task_area": map[string]any{
			"type":        "string",
			"enum":        []string{"code", "math", "creative", "instruction", "general"},
			"description": "The dominant kind of work the request needs.",
		},
		"user_unhappy": map[string]any{
			"type":        "boolean",
			"description": "True when the user expresses dissatisfaction with a previous answer.",
		},
		"china_model_sensitive": map[string]any{
			"type":        "boolean",
			"description": "True when the topic is sensitive for models hosted in China.",
		},
		"llm_response_temp": map[string]any{
			"type":        "number",
			"description": "Sampling temperature 0-2 suited to the request. Default 0.4.",
		},
		"output_language": map[string]any{
			"type":        "string",
			"description": "ISO-639-1 code of the language the reply should be written in.",
		},
		"relevant_app_skills": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": fmt.Sprintf("Skills likely useful for this request. Available:\n%s", strings.Join(skillLines, "\n")),
		},
		"relevant_focus_modes": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": fmt.Sprintf("Focus modes relevant for this request. Available: %s.", strings.Join(focusIDs, ", ")),
		},
		"relevant_embedded_previews": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Preview types (image, video, website, code) the reply will likely reference.",
		},
		"load_app_settings_and_memories": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Settings or memory entries to load, each as <app_id>:<item_key>.",
		},
		"chat_summary": map[string]any{
			"type":        "string",
			"description": "One-sentence summary of what this chat is about. Required.",
		},
		"chat_tags": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Up to 10 short topical tags for the chat.",
		},
		"title": map[string]any{
			"type":        "string",
			"description": "Short chat title. Only on the first turn; emit together with icon_names.",
		},
		"icon_names": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "1-3 icon names fitting the title. Only on the first turn; emit together with title.",
		},
	}

	required := []string{
		"harmful_or_illegal_score", "misuse_risk_score", "category", "complexity",
		"task_area", "llm_response_temp", "output_language", "chat_summary",
	}

	if chatHasTitle {
		for _, field := range oneShotFields {
			delete(properties, field)
		}
		required = withoutFields(required, oneShotFields)
	}

	return llm.ToolDef{
		Name:        preprocessToolName,
		Description: "Classify the incoming request and decide how it should be handled.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

func withoutFields(list, drop []string) []string {
	out := list[:0:0]
	for _, v := range list {
		skip := false
		for _, d := range drop {
			if v == d {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, v)
		}
	}
	return out
}
