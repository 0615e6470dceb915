// Package tokens estimates token counts for history budgeting and truncates
// message histories to a budget, preferring to keep the tail.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
)

// perMessageOverhead approximates role and formatting tokens per message.
const perMessageOverhead = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// Estimate returns an approximate token count for text. Uses the cl100k_base
// encoding when available, else the ~4-chars-per-token heuristic. Budgeting
// does not need exactness, only stability.
func Estimate(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using chars/4 heuristic", "error", err)
			return
		}
		encoding = enc
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateMessage returns the token estimate for one history message.
func EstimateMessage(m models.HistoryMessage) int {
	return Estimate(m.Content) + perMessageOverhead
}

// TruncateHistory drops messages from the head until the history fits the
// budget. The last message is always kept, even when it alone exceeds the
// budget, because dropping the new user message would make the turn
// meaningless.
func TruncateHistory(history []models.HistoryMessage, budget int) []models.HistoryMessage {
	if len(history) == 0 || budget <= 0 {
		return history
	}

	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += EstimateMessage(history[i])
		if total > budget && i < len(history)-1 {
			break
		}
		cut = i
	}

	if cut == 0 {
		return history
	}
	slog.Info("History truncated to token budget",
		"dropped_messages", cut, "kept_messages", len(history)-cut, "budget", budget)
	return history[cut:]
}
