package llm

import (
	"fmt"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
)

// Selection is the outcome of leaderboard-driven model selection.
type Selection struct {
	Primary          string // "provider/model"
	Secondary        string
	Fallback         string
	Reason           string
	FilteredCNModels bool
}

// ModelSelector picks main-processing models from the configured leaderboard.
type ModelSelector struct {
	leaderboard config.Leaderboard
	providers   *config.ProviderRegistry
}

// NewModelSelector builds a selector over the loaded leaderboard.
func NewModelSelector(leaderboard config.Leaderboard, providers *config.ProviderRegistry) *ModelSelector {
	return &ModelSelector{leaderboard: leaderboard, providers: providers}
}

// filter drops CN-origin entries when sensitive, reporting whether any were
// removed, and drops entries whose provider is not configured.
func (s *ModelSelector) filter(entries []config.LeaderboardEntry, chinaSensitive bool) ([]config.LeaderboardEntry, bool) {
	filtered := false
	out := make([]config.LeaderboardEntry, 0, len(entries))
	for _, e := range entries {
		if chinaSensitive && e.CNOrigin {
			filtered = true
			continue
		}
		provider, _, err := config.SplitModelID(e.ModelID)
		if err != nil {
			continue
		}
		if _, ok := s.providers.Get(provider); !ok {
			continue
		}
		out = append(out, e)
	}
	return out, filtered
}

// Select resolves (primary, secondary, fallback) for the classified request.
// The leaderboard is keyed "<task_area>/<complexity>" with "general/<complexity>"
// as the fallback key. UserUnhappy shifts the ranking down one entry so a
// repeat request gets a different primary. Returns false when no leaderboard
// entry matches; the caller falls back to the static configured models.
func (s *ModelSelector) Select(taskArea, complexity string, chinaSensitive, userUnhappy bool) (Selection, bool) {
	key := taskArea + "/" + complexity
	entries, ok := s.leaderboard[key]
	if !ok || len(entries) == 0 {
		key = "general/" + complexity
		entries = s.leaderboard[key]
	}
	if len(entries) == 0 {
		return Selection{}, false
	}

	usable, filtered := s.filter(entries, chinaSensitive)
	if len(usable) == 0 {
		return Selection{}, false
	}

	offset := 0
	reason := fmt.Sprintf("leaderboard %s rank 1", key)
	if userUnhappy && len(usable) > 1 {
		offset = 1
		reason = fmt.Sprintf("leaderboard %s rank 2 (user unhappy with previous answer)", key)
	}

	sel := Selection{
		Primary:          usable[offset].ModelID,
		Reason:           reason,
		FilteredCNModels: filtered,
	}
	if offset+1 < len(usable) {
		sel.Secondary = usable[offset+1].ModelID
	}
	if offset+2 < len(usable) {
		sel.Fallback = usable[offset+2].ModelID
	} else if sel.Secondary != "" {
		sel.Fallback = sel.Secondary
	}
	return sel, true
}

// TopForCategory returns the best usable model for a plain leaderboard
// category key, for `@best-model:<category>` overrides.
func (s *ModelSelector) TopForCategory(category string, chinaSensitive bool) (string, bool) {
	entries := s.leaderboard[category]
	usable, _ := s.filter(entries, chinaSensitive)
	if len(usable) == 0 {
		return "", false
	}
	return usable[0].ModelID, true
}
