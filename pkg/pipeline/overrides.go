package pipeline

import (
	"regexp"
	"strings"

	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
)

// mentionPattern matches the @mention override syntax in user text:
// @ai-model:<model[:provider]>, @best-model:<category>, @mate:<id|category>,
// @skill:<app-skill>, @focus:<app-focus>.
var mentionPattern = regexp.MustCompile(`@(ai-model|best-model|mate|skill|focus):([A-Za-z0-9_./:-]+)`)

// ParseOverrides extracts @mention overrides from the last user message and
// strips the mention syntax from it. The message content is the only mutation
// this function performs on the request.
func ParseOverrides(req *models.AskRequest) *models.UserOverrides {
	overrides := &models.UserOverrides{}
	last := req.LastUserMessage()
	if last == nil {
		return overrides
	}

	matches := mentionPattern.FindAllStringSubmatch(last.Content, -1)
	if len(matches) == 0 {
		return overrides
	}

	for _, m := range matches {
		kind, value := m[1], m[2]
		switch kind {
		case "ai-model":
			applyModelOverride(overrides, value)
		case "best-model":
			overrides.BestModelCategory = value
		case "mate":
			overrides.MateID = value
		case "skill":
			if ref, ok := splitRef(value); ok {
				overrides.Skills = append(overrides.Skills, models.SkillRef{
					AppID: ref[0], SkillID: ref[1],
				})
			}
		case "focus":
			if ref, ok := splitRef(value); ok {
				overrides.FocusModes = append(overrides.FocusModes, models.FocusModeRef{
					AppID: ref[0], FocusID: ref[1],
				})
			}
		}
	}

	last.Content = strings.TrimSpace(
		collapseSpaces(mentionPattern.ReplaceAllString(last.Content, "")))
	return overrides
}

// applyModelOverride handles the three @ai-model forms: "provider/model" used
// as-is, "model:provider", and a bare model name whose provider is resolved
// later from config.
func applyModelOverride(o *models.UserOverrides, value string) {
	if strings.Contains(value, "/") {
		o.ModelID = value
		return
	}
	if model, provider, found := strings.Cut(value, ":"); found {
		o.ModelID = model
		o.ModelProvider = provider
		return
	}
	o.ModelID = value
}

// splitRef splits "<app_id>-<rest>" at the first hyphen.
func splitRef(value string) ([2]string, bool) {
	app, rest, found := strings.Cut(value, "-")
	if !found || app == "" || rest == "" {
		return [2]string{}, false
	}
	return [2]string{app, rest}, true
}

var multiSpace = regexp.MustCompile(`[ \t]{2,}`)

func collapseSpaces(s string) string {
	return multiSpace.ReplaceAllString(s, " ")
}
