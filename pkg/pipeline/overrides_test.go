package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
)

func requestWithText(text string) *models.AskRequest {
	req := askRequest()
	req.MessageHistory[0].Content = text
	return req
}

func TestParseOverrides(t *testing.T) {
	t.Run("no mentions", func(t *testing.T) {
		req := requestWithText("just a question")
		o := ParseOverrides(req)
		assert.False(t, o.HasOverrides())
		assert.Equal(t, "just a question", req.MessageHistory[0].Content)
	})

	t.Run("ai-model forms", func(t *testing.T) {
		o := ParseOverrides(requestWithText("@ai-model:openai/gpt-x hello"))
		assert.Equal(t, "openai/gpt-x", o.ModelID)
		assert.Empty(t, o.ModelProvider)

		o = ParseOverrides(requestWithText("@ai-model:gpt-x:openai hello"))
		assert.Equal(t, "gpt-x", o.ModelID)
		assert.Equal(t, "openai", o.ModelProvider)

		o = ParseOverrides(requestWithText("@ai-model:gpt-x hello"))
		assert.Equal(t, "gpt-x", o.ModelID)
		assert.Empty(t, o.ModelProvider)
	})

	t.Run("best-model and mate", func(t *testing.T) {
		o := ParseOverrides(requestWithText("@best-model:coding @mate:felix review this"))
		assert.Equal(t, "coding", o.BestModelCategory)
		assert.Equal(t, "felix", o.MateID)
	})

	t.Run("skill and focus refs", func(t *testing.T) {
		o := ParseOverrides(requestWithText("@skill:web-search @focus:web-research find it"))
		require.Len(t, o.Skills, 1)
		assert.Equal(t, models.SkillRef{AppID: "web", SkillID: "search"}, o.Skills[0])
		require.Len(t, o.FocusModes, 1)
		assert.Equal(t, models.FocusModeRef{AppID: "web", FocusID: "research"}, o.FocusModes[0])
	})

	t.Run("mentions are stripped from the message", func(t *testing.T) {
		req := requestWithText("@mate:felix what do you think about @skill:web-search this?")
		ParseOverrides(req)
		assert.Equal(t, "what do you think about this?", req.MessageHistory[0].Content)
	})

	t.Run("no user message", func(t *testing.T) {
		req := askRequest()
		req.MessageHistory = []models.HistoryMessage{{Role: "assistant", Content: "hi"}}
		o := ParseOverrides(req)
		assert.False(t, o.HasOverrides())
	})
}
