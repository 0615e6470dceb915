package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/debugrec"
	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/llm"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/sanitize"
	"github.com/glowingkitty/OpenMates-sub005/pkg/skills"
	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
	"github.com/glowingkitty/OpenMates-sub005/pkg/tokens"
)

const (
	userCachePrefix = "user:"
	userCacheTTL    = 5 * time.Minute

	// topUpSettleDelay gives a triggered auto-top-up time to land before
	// credits are re-read.
	topUpSettleDelay = 2 * time.Second

	defaultTemperature = 0.4
)

// Preprocessor is the gatekeeper stage: credit check, input sanitization, one
// classifying LLM tool call, and all the normalization that turns its untyped
// output into structured decisions.
type Preprocessor struct {
	cfg      *config.Config
	gateway  llm.Gateway
	selector *llm.ModelSelector
	registry *skills.Registry
	store    kvstore.Store
	storage  storage.Gateway
	state    *ChatState
	recorder *debugrec.Recorder

	sleep func(context.Context, time.Duration)
	now   func() time.Time
}

// NewPreprocessor wires the stage. recorder may be nil.
func NewPreprocessor(cfg *config.Config, gateway llm.Gateway, selector *llm.ModelSelector,
	registry *skills.Registry, store kvstore.Store, sg storage.Gateway,
	state *ChatState, recorder *debugrec.Recorder) *Preprocessor {
	return &Preprocessor{
		cfg:      cfg,
		gateway:  gateway,
		selector: selector,
		registry: registry,
		store:    store,
		storage:  sg,
		state:    state,
		recorder: recorder,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		now: time.Now,
	}
}

// Run executes the preprocessing stage. Rejections are encoded in the result,
// never returned as errors.
func (p *Preprocessor) Run(ctx context.Context, req *models.AskRequest, overrides *models.UserOverrides) *models.PreprocessingResult {
	if rejected := p.creditGate(ctx, req); rejected != nil {
		p.record(ctx, req, rejected)
		return rejected
	}

	// Strip invisible Unicode from every user message before any model sees
	// the text.
	for i := range req.MessageHistory {
		if req.MessageHistory[i].Role == "user" {
			req.MessageHistory[i].Content = sanitize.ScrubUserText(req.MessageHistory[i].Content)
		}
	}
	req.MessageHistory = tokens.TruncateHistory(req.MessageHistory, p.cfg.Pipeline.HistoryTokenBudget)

	args, err := p.classify(ctx, req, "")
	if err != nil {
		slog.Error("Preprocessing classification failed",
			"chat_id", req.ChatID, "error", err)
		result := models.Rejected("internal_error_llm_preprocessing_failed",
			"The assistant could not process this request. Please try again.")
		p.record(ctx, req, result)
		return result
	}

	result := p.interpret(ctx, req, overrides, args)
	p.record(ctx, req, result)
	return result
}

// creditGate returns a rejection result when the user cannot afford the turn,
// nil otherwise. Skipped entirely in self-hosted mode.
func (p *Preprocessor) creditGate(ctx context.Context, req *models.AskRequest) *models.PreprocessingResult {
	if p.cfg.Pipeline.SelfHosted {
		return nil
	}

	user, err := p.cachedUser(ctx, req.UserID)
	if err != nil {
		slog.Warn("User lookup failed at credit gate", "user_id", req.UserID, "error", err)
		return models.Rejected("insufficient_credits", RejectionText("en", "insufficient_credits"))
	}

	if user.Credits >= 1 {
		return nil
	}

	if user.AutoTopupEnabled && user.HasPaymentMethod {
		if err := p.storage.TriggerTopUp(ctx, req.UserID); err != nil {
			slog.Warn("Auto-top-up trigger failed", "user_id", req.UserID, "error", err)
		} else {
			p.sleep(ctx, topUpSettleDelay)
			if fresh, err := p.refreshUser(ctx, req.UserID); err == nil && fresh.Credits >= 1 {
				return nil
			}
		}
	}

	lang := "en"
	if user.SystemLanguage != "" {
		lang = user.SystemLanguage
	}
	return models.Rejected("insufficient_credits", RejectionText(lang, "insufficient_credits"))
}

// cachedUser reads the KV user cache, warming it from storage on miss.
func (p *Preprocessor) cachedUser(ctx context.Context, userID string) (*storage.User, error) {
	raw, err := p.store.Get(ctx, userCachePrefix+userID)
	if err == nil {
		var user storage.User
		if err := json.Unmarshal([]byte(raw), &user); err == nil {
			return &user, nil
		}
		slog.Warn("Corrupt user cache entry, refreshing", "user_id", userID)
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		slog.Warn("User cache read failed, falling back to storage",
			"user_id", userID, "error", err)
	}
	return p.refreshUser(ctx, userID)
}

func (p *Preprocessor) refreshUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := p.storage.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(user); err == nil {
		if err := p.store.SetEx(ctx, userCachePrefix+userID, string(raw), userCacheTTL); err != nil {
			slog.Warn("User cache write failed", "user_id", userID, "error", err)
		}
	}
	return user, nil
}

// classify performs the single preprocessing tool call against the configured
// model with fallbacks, returning the raw tool-call arguments.
func (p *Preprocessor) classify(ctx context.Context, req *models.AskRequest, categoryAddendum string) (map[string]any, error) {
	tool := buildPreprocessTool(
		p.cfg.Mates.Categories(),
		p.skillLines(),
		p.registry.FocusIdentifiers(),
		req.ChatHasTitle,
		categoryAddendum,
	)

	llmReq := llm.Request{
		SystemPrompt: p.classifySystemPrompt(),
		Messages:     historyToMessages(req.MessageHistory),
		Tools:        []llm.ToolDef{tool},
		Temperature:  0.1,
	}

	candidates := append([]string{p.cfg.Pipeline.PreprocessingModel},
		p.cfg.Pipeline.PreprocessingFallbackModels...)

	var lastErr error
	for _, modelID := range candidates {
		llmReq.ModelID = modelID
		resp, err := p.gateway.Complete(ctx, llmReq)
		if err != nil {
			lastErr = err
			slog.Warn("Preprocessing model call failed, trying next",
				"model", modelID, "error", err)
			continue
		}
		args, err := extractToolArgs(resp, preprocessToolName)
		if err != nil {
			lastErr = err
			slog.Warn("Preprocessing tool call unusable, trying next",
				"model", modelID, "error", err)
			continue
		}
		return args, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no preprocessing model configured")
	}
	return nil, lastErr
}

func (p *Preprocessor) classifySystemPrompt() string {
	return fmt.Sprintf(
		"You classify an incoming chat request and decide how the assistant should handle it. "+
			"Call the %s tool exactly once with your analysis. "+
			"Current UTC datetime: %s.",
		preprocessToolName, p.now().UTC().Format(time.RFC3339))
}

// skillLines renders one line per available skill, annotated with its
// preprocessor hint.
func (p *Preprocessor) skillLines() []string {
	ids := p.registry.Identifiers()
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		skill, ok := p.registry.ByIdentifier(id)
		if ok && skill.PreprocessorHint != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", id, skill.PreprocessorHint))
			continue
		}
		lines = append(lines, "- "+id)
	}
	return lines
}

// extractToolArgs finds the named tool call in a response and decodes its
// arguments.
func extractToolArgs(resp *llm.Response, toolName string) (map[string]any, error) {
	for _, call := range resp.ToolCalls {
		if call.Name != toolName {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, fmt.Errorf("decode tool arguments: %w", err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("empty tool arguments")
		}
		return args, nil
	}
	return nil, fmt.Errorf("response contains no %s tool call", toolName)
}

func historyToMessages(history []models.HistoryMessage) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content, Name: m.SenderName})
	}
	return out
}

// interpret turns the untyped tool-call arguments into a validated result:
// score gates, normalization, mate and model selection, disclaimer decision.
func (p *Preprocessor) interpret(ctx context.Context, req *models.AskRequest, overrides *models.UserOverrides, args map[string]any) *models.PreprocessingResult {
	result := &models.PreprocessingResult{
		CanProceed:               true,
		RelevantAppSkills:        []string{},
		RelevantEmbeddedPreviews: []string{},
	}

	result.HarmfulOrIllegalScore = clampScore(args["harmful_or_illegal_score"])
	result.MisuseRiskScore = clampScore(args["misuse_risk_score"])

	if result.HarmfulOrIllegalScore >= p.cfg.Pipeline.HarmThreshold {
		rejected := models.Rejected("harmful_or_illegal_detected",
			RejectionText(asString(args["output_language"]), "harmful_or_illegal_detected"))
		rejected.HarmfulOrIllegalScore = result.HarmfulOrIllegalScore
		rejected.MisuseRiskScore = result.MisuseRiskScore
		return rejected
	}
	if result.MisuseRiskScore >= p.cfg.Pipeline.MisuseThreshold {
		rejected := models.Rejected("misuse_detected",
			RejectionText(asString(args["output_language"]), "misuse_detected"))
		rejected.HarmfulOrIllegalScore = result.HarmfulOrIllegalScore
		rejected.MisuseRiskScore = result.MisuseRiskScore
		return rejected
	}

	result.Complexity = asString(args["complexity"])
	if !config.Complexity(result.Complexity).IsValid() {
		result.Complexity = string(config.ComplexityComplex)
	}
	result.TaskArea = asString(args["task_area"])
	if !config.TaskArea(result.TaskArea).IsValid() {
		result.TaskArea = string(config.TaskAreaGeneral)
	}
	result.UserUnhappy = asBool(args["user_unhappy"], false)
	result.ChinaModelSensitive = asBool(args["china_model_sensitive"], true)

	result.LLMResponseTemp = clampTemp(args["llm_response_temp"])
	result.OutputLanguage = config.NormalizeOutputLanguage(asString(args["output_language"]))

	rawSkills := asStringList(args["relevant_app_skills"])
	args = p.validateCategory(ctx, req, args, &rawSkills)
	result.Category = asString(args["category"])

	result.ChatSummary = strings.TrimSpace(asString(args["chat_summary"]))
	result.ChatTags = asStringList(args["chat_tags"])
	if len(result.ChatTags) > 10 {
		slog.Warn("Chat tags truncated to 10", "chat_id", req.ChatID, "got", len(result.ChatTags))
		result.ChatTags = result.ChatTags[:10]
	}

	result.RelevantEmbeddedPreviews = asStringList(args["relevant_embedded_previews"])
	result.LoadAppSettingsAndMemories = p.filterSettingsKeys(
		asStringList(args["load_app_settings_and_memories"]), req.AppSettingsMemoryMetadata)

	result.RelevantAppSkills = p.registry.ResolveAll(rawSkills)
	result.RelevantFocusModes = p.registry.ResolveFocusModes(asStringList(args["relevant_focus_modes"]))
	p.applySkillOverrides(result, overrides)

	if !req.ChatHasTitle {
		title := strings.TrimSpace(asString(args["title"]))
		icons := asStringList(args["icon_names"])
		if title != "" && len(icons) > 0 {
			result.Title = title
			result.IconNames = icons
		} else if title != "" || len(icons) > 0 {
			slog.Warn("Dropping non-atomic title/icon_names pair", "chat_id", req.ChatID)
		}
	}

	p.selectMate(result, overrides)
	p.selectModel(result, overrides)
	p.decideDisclaimer(ctx, req.ChatID, result)

	return result
}

// validateCategory retries the whole classification once with an emphatic
// category constraint when the first answer is off-list. The retry's skill
// picks are unioned with the first call's.
func (p *Preprocessor) validateCategory(ctx context.Context, req *models.AskRequest, args map[string]any, rawSkills *[]string) map[string]any {
	available := p.cfg.Mates.Categories()
	if containsString(available, asString(args["category"])) {
		return args
	}

	slog.Warn("Invalid category from preprocessing model, retrying",
		"chat_id", req.ChatID, "category", asString(args["category"]))

	addendum := fmt.Sprintf("The category MUST be one of: [%s]. Any other value is invalid.",
		strings.Join(available, ", "))
	retry, err := p.classify(ctx, req, addendum)
	if err != nil || !containsString(available, asString(retry["category"])) {
		args["category"] = config.GeneralKnowledgeCategory
		return args
	}

	*rawSkills = unionStrings(*rawSkills, asStringList(retry["relevant_app_skills"]))
	return retry
}

// filterSettingsKeys normalizes separator drift in LLM-provided settings keys
// and drops anything not in the client-supplied available set.
func (p *Preprocessor) filterSettingsKeys(keys, availableMetadata []string) []string {
	available := make(map[string]bool, len(availableMetadata))
	for _, item := range availableMetadata {
		available[normalizeSettingsKey(item)] = true
	}

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		normalized := normalizeSettingsKey(key)
		if normalized != key {
			slog.Info("Normalized settings key", "from", key, "to", normalized)
		}
		if !available[normalized] {
			slog.Warn("Dropping settings key not offered by client", "key", normalized)
			continue
		}
		out = append(out, normalized)
	}
	return out
}

// normalizeSettingsKey rewrites the first of ": ", " - ", "-" to ":".
func normalizeSettingsKey(key string) string {
	for _, sep := range []string{": ", " - ", "-"} {
		if strings.Contains(key, sep) {
			return strings.Replace(key, sep, ":", 1)
		}
	}
	return key
}

// applySkillOverrides folds @skill / @focus mentions into the preselected
// lists.
func (p *Preprocessor) applySkillOverrides(result *models.PreprocessingResult, overrides *models.UserOverrides) {
	if overrides == nil {
		return
	}
	for _, ref := range overrides.Skills {
		result.RelevantAppSkills = unionStrings(result.RelevantAppSkills,
			p.registry.ResolveAll([]string{ref.AppID + "-" + ref.SkillID}))
	}
	for _, ref := range overrides.FocusModes {
		result.RelevantFocusModes = unionStrings(result.RelevantFocusModes,
			p.registry.ResolveFocusModes([]string{ref.AppID + "-" + ref.FocusID}))
	}
}

// selectMate picks the persona: first mate matching the validated category,
// unless a @mate override names one by id or category.
func (p *Preprocessor) selectMate(result *models.PreprocessingResult, overrides *models.UserOverrides) {
	if overrides != nil && overrides.MateID != "" {
		if mate, ok := p.cfg.Mates.ByID(overrides.MateID); ok {
			result.SelectedMateID = mate.ID
			result.Category = mate.Category
			return
		}
		if mate, ok := p.cfg.Mates.FirstByCategory(overrides.MateID); ok {
			result.SelectedMateID = mate.ID
			result.Category = mate.Category
			return
		}
		slog.Warn("Unresolvable @mate override ignored", "mate", overrides.MateID)
	}

	if mate, ok := p.cfg.Mates.FirstByCategory(result.Category); ok {
		result.SelectedMateID = mate.ID
	}
}

// selectModel resolves the main model by priority: @best-model override,
// @ai-model override, leaderboard auto-selection, configured fallback.
func (p *Preprocessor) selectModel(result *models.PreprocessingResult, overrides *models.UserOverrides) {
	providers := p.cfg.Providers

	if overrides != nil && overrides.BestModelCategory != "" {
		if id, ok := p.selector.TopForCategory(overrides.BestModelCategory, result.ChinaModelSensitive); ok {
			result.SelectedMainModelID = id
			result.SelectedMainModelName = providers.ResolveDisplayName(id)
			result.ModelSelectionReason = "best_model_override:" + overrides.BestModelCategory
			return
		}
		slog.Warn("No leaderboard entry for @best-model override",
			"category", overrides.BestModelCategory)
	}

	if overrides != nil && overrides.ModelID != "" {
		id := overrides.ModelID
		switch {
		case strings.Contains(id, "/"):
			// already provider/model
		case overrides.ModelProvider != "":
			id = overrides.ModelProvider + "/" + id
		default:
			if provider, ok := providers.ResolveProviderForModel(id); ok {
				id = provider + "/" + id
			} else {
				slog.Warn("Cannot resolve provider for @ai-model override, ignoring", "model", id)
				id = ""
			}
		}
		if id != "" {
			result.SelectedMainModelID = id
			result.SelectedMainModelName = providers.ResolveDisplayName(id)
			result.ModelSelectionReason = "user_override"
			return
		}
	}

	if p.cfg.Pipeline.AutoModelSelection {
		selection, ok := p.selector.Select(result.TaskArea, result.Complexity,
			result.ChinaModelSensitive, result.UserUnhappy)
		if ok {
			result.SelectedMainModelID = selection.Primary
			result.SelectedMainModelName = providers.ResolveDisplayName(selection.Primary)
			result.SelectedSecondaryModelID = selection.Secondary
			result.SelectedFallbackModelID = selection.Fallback
			result.ModelSelectionReason = selection.Reason
			result.FilteredCNModels = selection.FilteredCNModels
			return
		}
	}

	id := p.cfg.Pipeline.MainProcessingSimple
	if result.Complexity == string(config.ComplexityComplex) {
		id = p.cfg.Pipeline.MainProcessingComplex
	}
	result.SelectedMainModelID = id
	result.SelectedMainModelName = providers.ResolveDisplayName(id)
	result.ModelSelectionReason = "configured_fallback"
}

// decideDisclaimer checks whether this category requires an advice disclaimer
// and whether the chat's disclaimer history allows suppressing it.
func (p *Preprocessor) decideDisclaimer(ctx context.Context, chatID string, result *models.PreprocessingResult) {
	dtype, ok := config.DisclaimerForCategory(result.Category)
	if !ok {
		return
	}
	if p.state.ShouldInjectDisclaimer(ctx, chatID, string(dtype), p.cfg.Pipeline.DisclaimerInterval) {
		result.RequiresAdviceDisclaimer = string(dtype)
	}
}

func (p *Preprocessor) record(ctx context.Context, req *models.AskRequest, result *models.PreprocessingResult) {
	if p.recorder == nil {
		return
	}
	var out map[string]any
	if raw, err := json.Marshal(result); err == nil {
		_ = json.Unmarshal(raw, &out)
	}
	p.recorder.Record(ctx, debugrec.Record{
		TaskID: req.MessageID, ChatID: req.ChatID, UserID: req.UserID,
		Stage: debugrec.StagePreprocessor,
		InputSnapshot: map[string]any{
			"message_history": historySnapshot(req.MessageHistory),
			"chat_has_title":  req.ChatHasTitle,
		},
		OutputSnapshot: out,
	})
}

// historySnapshot captures the full message content for debug records, so an
// incident can be replayed with the exact input the model saw.
func historySnapshot(history []models.HistoryMessage) []map[string]any {
	out := make([]map[string]any, len(history))
	for i, m := range history {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

// Loose-typed accessors for the untyped tool-call arguments.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any, fallback bool) bool {
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asStringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

func clampScore(v any) float64 {
	f, ok := asFloat(v)
	if !ok {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > 10 {
		return 10
	}
	return f
}

func clampTemp(v any) float64 {
	f, ok := asFloat(v)
	if !ok {
		return defaultTemperature
	}
	if f < 0 {
		return 0
	}
	if f > 2 {
		return 2
	}
	return f
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
