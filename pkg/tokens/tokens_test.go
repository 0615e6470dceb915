package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
)

func TestEstimate(t *testing.T) {
	assert.Zero(t, Estimate(""))
	assert.Greater(t, Estimate("hello world"), 0)

	short := Estimate("hi")
	long := Estimate(strings.Repeat("the quick brown fox ", 50))
	assert.Greater(t, long, short)
}

func TestTruncateHistory(t *testing.T) {
	msg := func(role, content string) models.HistoryMessage {
		return models.HistoryMessage{Role: role, Content: content}
	}

	t.Run("history within budget is untouched", func(t *testing.T) {
		history := []models.HistoryMessage{
			msg("user", "hello"),
			msg("assistant", "hi"),
			msg("user", "how are you"),
		}
		got := TruncateHistory(history, 10_000)
		assert.Equal(t, history, got)
	})

	t.Run("oversized history keeps the tail", func(t *testing.T) {
		big := strings.Repeat("lorem ipsum dolor sit amet ", 200)
		history := []models.HistoryMessage{
			msg("user", big),
			msg("assistant", big),
			msg("user", "latest question"),
		}
		budget := EstimateMessage(history[2]) + EstimateMessage(history[1]) + 1
		got := TruncateHistory(history, budget)
		require.Len(t, got, 2)
		assert.Equal(t, "latest question", got[1].Content)
		assert.Equal(t, "assistant", got[0].Role)
	})

	t.Run("last message survives even when alone over budget", func(t *testing.T) {
		history := []models.HistoryMessage{
			msg("user", strings.Repeat("x", 4000)),
		}
		got := TruncateHistory(history, 10)
		require.Len(t, got, 1)
	})

	t.Run("empty history", func(t *testing.T) {
		assert.Empty(t, TruncateHistory(nil, 100))
	})
}
