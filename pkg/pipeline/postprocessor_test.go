package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowingkitty/OpenMates-sub005/pkg/llm"
	"github.com/glowingkitty/OpenMates-sub005/pkg/skills"
	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
)

func newPostFixture(t *testing.T) (*Postprocessor, *stubGateway, *storage.Memory) {
	t.Helper()
	cfg := testConfig()
	registry, err := skills.NewRegistry(cfg.Skills, cfg.FocusModes)
	require.NoError(t, err)
	gateway := &stubGateway{}
	sg := storage.NewMemory()
	sg.PutUser(&storage.User{ID: "u1", SystemLanguage: "de"})
	return NewPostprocessor(cfg, gateway, registry, sg, nil), gateway, sg
}

func TestPostprocessorShouldSkip(t *testing.T) {
	p, _, _ := newPostFixture(t)
	pre := acceptedResult()
	pre.ChatSummary = "A chat about things."

	t.Run("normal run proceeds", func(t *testing.T) {
		assert.False(t, p.ShouldSkip(askRequest(), pre, MainOutcome{Text: "hi"}))
	})

	t.Run("soft limit skips", func(t *testing.T) {
		assert.True(t, p.ShouldSkip(askRequest(), pre, MainOutcome{Text: "hi", SoftLimited: true}))
	})

	t.Run("external request skips", func(t *testing.T) {
		req := askRequest()
		req.IsExternal = true
		assert.True(t, p.ShouldSkip(req, pre, MainOutcome{Text: "hi"}))
	})

	t.Run("empty response skips", func(t *testing.T) {
		assert.True(t, p.ShouldSkip(askRequest(), pre, MainOutcome{Text: "  "}))
	})

	t.Run("missing chat summary skips", func(t *testing.T) {
		noSummary := acceptedResult()
		assert.True(t, p.ShouldSkip(askRequest(), noSummary, MainOutcome{Text: "hi"}))
	})
}

func TestPostprocessorSuggestionsOnly(t *testing.T) {
	p, gateway, _ := newPostFixture(t)
	gateway.completeFn = func(req llm.Request) (*llm.Response, error) {
		require.Equal(t, suggestionsToolName, req.Tools[0].Name)
		// Both languages are surfaced to the model.
		require.Contains(t, req.SystemPrompt, `"en"`)
		require.Contains(t, req.SystemPrompt, `"de"`)
		return toolCallResponse(suggestionsToolName, map[string]any{
			"follow_up_request_suggestions": []string{"And then?"},
			"new_chat_request_suggestions":  []string{"Was kommt als Nächstes?"},
			"chat_summary":                  "Refined summary.",
			"harmful_response":              false,
		}), nil
	}

	pre := acceptedResult()
	pre.ChatSummary = "Original summary."
	result, err := p.Run(context.Background(), askRequest(), pre, MainOutcome{Text: "The reply."})
	require.NoError(t, err)

	assert.Equal(t, []string{"And then?"}, result.FollowUpRequestSuggestions)
	assert.Equal(t, "Refined summary.", result.ChatSummary)
	assert.Empty(t, result.SuggestedSettingsMemories)
	// No categories picked, so only one call happened.
	assert.Len(t, gateway.completeCalls, 1)
}

func TestPostprocessorMemoryPhase(t *testing.T) {
	p, gateway, _ := newPostFixture(t)
	gateway.completeFn = completeForTools(t, map[string]func(llm.Request) (*llm.Response, error){
		suggestionsToolName: func(llm.Request) (*llm.Response, error) {
			return toolCallResponse(suggestionsToolName, map[string]any{
				"follow_up_request_suggestions":       []string{},
				"new_chat_request_suggestions":        []string{},
				"relevant_settings_memory_categories": []string{"travel:preferences"},
			}), nil
		},
		memoriesToolName: func(llm.Request) (*llm.Response, error) {
			return toolCallResponse(memoriesToolName, map[string]any{
				"memories": []map[string]any{
					{"app_id": "travel", "category": "travel:preferences",
						"item_key": "seat", "value": map[string]any{"pref": "window"}},
					{"app_id": "travel", "category": "invented:category",
						"item_key": "x", "value": map[string]any{}},
				},
			}), nil
		},
	})

	pre := acceptedResult()
	pre.ChatSummary = "Trip planning."
	result, err := p.Run(context.Background(), askRequest(), pre, MainOutcome{Text: "Booked."})
	require.NoError(t, err)

	assert.Len(t, gateway.completeCalls, 2)
	require.Len(t, result.SuggestedSettingsMemories, 1)
	memory := result.SuggestedSettingsMemories[0]
	assert.Equal(t, "seat", memory.ItemKey)
	assert.Equal(t, "window", memory.Value["pref"])
}

func TestPostprocessorMemoryFailureKeepsSuggestions(t *testing.T) {
	p, gateway, _ := newPostFixture(t)
	gateway.completeFn = completeForTools(t, map[string]func(llm.Request) (*llm.Response, error){
		suggestionsToolName: func(llm.Request) (*llm.Response, error) {
			return toolCallResponse(suggestionsToolName, map[string]any{
				"follow_up_request_suggestions":       []string{"More?"},
				"new_chat_request_suggestions":        []string{},
				"relevant_settings_memory_categories": []string{"travel:preferences"},
			}), nil
		},
		memoriesToolName: func(llm.Request) (*llm.Response, error) {
			return &llm.Response{Content: "no tool call"}, nil
		},
	})

	pre := acceptedResult()
	pre.ChatSummary = "Trip planning."
	result, err := p.Run(context.Background(), askRequest(), pre, MainOutcome{Text: "Booked."})
	require.NoError(t, err)
	assert.Equal(t, []string{"More?"}, result.FollowUpRequestSuggestions)
	assert.Empty(t, result.SuggestedSettingsMemories)
}
