package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/debugrec"
	"github.com/glowingkitty/OpenMates-sub005/pkg/llm"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/skills"
	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

const (
	// maxToolRounds bounds the tool-calling loop against models that never
	// stop asking for tools.
	maxToolRounds = 8

	// toolParallelism bounds concurrent skill executions per LLM step.
	toolParallelism = 5
)

// SkillRunner is the slice of the skill executor the tool loop needs.
type SkillRunner interface {
	ExecuteBatched(ctx context.Context, inv models.SkillInvocation, opts skills.Options) []models.SkillResult
}

// MainOutcome is what the streaming stage hands back to the pipeline.
type MainOutcome struct {
	Text        string
	Revoked     bool
	SoftLimited bool
}

// MainProcessor runs the streaming LLM call with the tool-calling loop,
// publishing token chunks as they arrive and fanning skill calls out through
// the executor.
type MainProcessor struct {
	cfg      *config.Config
	gateway  llm.Gateway
	registry *skills.Registry
	runner   SkillRunner
	recorder *debugrec.Recorder

	newID func() string
}

// NewMainProcessor wires the stage. recorder may be nil.
func NewMainProcessor(cfg *config.Config, gateway llm.Gateway, registry *skills.Registry, runner SkillRunner, recorder *debugrec.Recorder) *MainProcessor {
	return &MainProcessor{
		cfg:      cfg,
		gateway:  gateway,
		registry: registry,
		runner:   runner,
		recorder: recorder,
		newID:    uuid.NewString,
	}
}

// Process streams the assistant reply. Revocation and the soft time limit are
// checked at chunk boundaries only; both publish the final marker with the
// matching interrupted flag. The returned text is whatever accumulated,
// partial or complete.
func (m *MainProcessor) Process(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, token *CancelToken, sender *streambus.AsyncSender) (MainOutcome, error) {
	var outcome MainOutcome
	var builder strings.Builder
	sequence := 0

	messages := historyToMessages(req.MessageHistory)
	tools := m.toolDefs(pre)

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

rounds:
	for round := 0; round < maxToolRounds; round++ {
		stream, err := m.gateway.Stream(streamCtx, llm.Request{
			ModelID:      pre.SelectedMainModelID,
			SystemPrompt: m.systemPrompt(req, pre),
			Messages:     messages,
			Tools:        tools,
			Temperature:  pre.LLMResponseTemp,
		})
		if err != nil {
			return outcome, fmt.Errorf("open model stream: %w", err)
		}

		var toolCalls []llm.ToolCall
		for chunk := range stream {
			if chunk.Err != nil {
				outcome.Text = builder.String()
				return outcome, fmt.Errorf("model stream: %w", chunk.Err)
			}
			if token.Revoked() {
				outcome.Revoked = true
				stopStream()
				break rounds
			}
			if token.SoftLimited() {
				outcome.SoftLimited = true
				stopStream()
				break rounds
			}
			if chunk.Text != "" {
				builder.WriteString(chunk.Text)
				sequence++
				sender.Enqueue(streambus.ChunkPayload{
					Type:             streambus.TypeChunk,
					TaskID:           token.TaskID(),
					ChatID:           req.ChatID,
					MessageID:        m.newID(),
					UserMessageID:    req.MessageID,
					FullContentSoFar: builder.String(),
					Sequence:         sequence,
				})
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
		}

		if len(toolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   "",
			ToolCalls: toolCalls,
		})
		messages = append(messages, m.runToolCalls(ctx, req, token, toolCalls)...)
	}

	outcome.Text = builder.String()
	sequence++
	sender.Enqueue(streambus.ChunkPayload{
		Type:                    streambus.TypeChunk,
		TaskID:                  token.TaskID(),
		ChatID:                  req.ChatID,
		UserMessageID:           req.MessageID,
		Sequence:                sequence,
		IsFinalChunk:            true,
		InterruptedByRevocation: outcome.Revoked,
		InterruptedBySoftLimit:  outcome.SoftLimited,
	})
	m.record(ctx, req, pre, token, outcome)
	return outcome, nil
}

func (m *MainProcessor) record(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, token *CancelToken, outcome MainOutcome) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(ctx, debugrec.Record{
		TaskID: token.TaskID(), ChatID: req.ChatID, UserID: req.UserID,
		Stage: debugrec.StageMainProcessor,
		InputSnapshot: map[string]any{
			"model":           pre.SelectedMainModelID,
			"system_prompt":   m.systemPrompt(req, pre),
			"message_history": historySnapshot(req.MessageHistory),
		},
		OutputSnapshot: map[string]any{
			"full_response": outcome.Text,
			"revoked":       outcome.Revoked,
			"soft_limited":  outcome.SoftLimited,
		},
	})
}

// toolDefs builds the tool list: preselected skills plus always-include
// skills, deduplicated.
func (m *MainProcessor) toolDefs(pre *models.PreprocessingResult) []llm.ToolDef {
	ids := append([]string{}, pre.RelevantAppSkills...)
	for _, skill := range m.registry.AlwaysInclude() {
		ids = unionStrings(ids, []string{skill.Identifier()})
	}

	defs := make([]llm.ToolDef, 0, len(ids))
	for _, id := range ids {
		skill, ok := m.registry.ByIdentifier(id)
		if !ok {
			continue
		}
		params := map[string]any{"type": "object"}
		if skill.ParametersSchema != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(skill.ParametersSchema), &parsed); err == nil {
				params = parsed
			}
		}
		defs = append(defs, llm.ToolDef{
			Name:        id,
			Description: skill.Description,
			Parameters:  params,
		})
	}
	return defs
}

// systemPrompt assembles mate default + focus prompt + settings instructions.
// The advice disclaimer is deliberately absent: the pipeline appends it to the
// final text instead of letting the model paraphrase it.
func (m *MainProcessor) systemPrompt(req *models.AskRequest, pre *models.PreprocessingResult) string {
	var sections []string

	if mate, ok := m.cfg.Mates.ByID(pre.SelectedMateID); ok && mate.SystemPrompt != "" {
		sections = append(sections, mate.SystemPrompt)
	}

	for _, focus := range m.registry.FocusModes() {
		id := focus.AppID + "-" + focus.FocusID
		if focus.Prompt == "" {
			continue
		}
		if id == req.ActiveFocusID || containsString(pre.RelevantFocusModes, id) {
			sections = append(sections, focus.Prompt)
		}
	}

	if len(pre.LoadAppSettingsAndMemories) > 0 {
		sections = append(sections, "Relevant user settings and memories are loaded for: "+
			strings.Join(pre.LoadAppSettingsAndMemories, ", ")+".")
	}

	if pre.OutputLanguage != "" {
		sections = append(sections, "Respond in language: "+pre.OutputLanguage+".")
	}

	return strings.Join(sections, "\n\n")
}

// runToolCalls executes the model's tool calls in parallel, bounded by
// toolParallelism, and materializes each as a tool-role message. Results have
// no ordering guarantee among themselves but are appended in call order.
func (m *MainProcessor) runToolCalls(ctx context.Context, req *models.AskRequest, token *CancelToken, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))
	sem := make(chan struct{}, toolParallelism)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    m.runToolCall(ctx, req, token, call),
			}
		}(i, call)
	}
	wg.Wait()
	return results
}

// runToolCall resolves one tool call to a skill, executes it, and renders the
// result for the model. Cancelled and sanitization-blocked results come back
// empty so the loop proceeds without surfacing an error.
func (m *MainProcessor) runToolCall(ctx context.Context, req *models.AskRequest, token *CancelToken, call llm.ToolCall) string {
	identifier, ok := m.registry.Resolve(call.Name)
	if !ok {
		slog.Warn("Model requested unknown tool", "tool", call.Name, "task_id", token.TaskID())
		return toolError("unknown_skill", "no skill named "+call.Name)
	}
	skill, ok := m.registry.ByIdentifier(identifier)
	if !ok {
		return toolError("unknown_skill", "no skill named "+identifier)
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolError("invalid_arguments", "tool arguments are not valid JSON")
		}
	}

	results := m.runner.ExecuteBatched(ctx, models.SkillInvocation{
		AppID:       skill.AppID,
		SkillID:     skill.SkillID,
		Arguments:   args,
		SkillTaskID: m.newID(),
		ChatID:      req.ChatID,
		MessageID:   req.MessageID,
		UserID:      req.UserID,
	}, skills.Options{})

	return renderToolResults(token.TaskID(), identifier, results)
}

func renderToolResults(taskID, identifier string, results []models.SkillResult) string {
	rendered := make([]any, 0, len(results))
	for _, r := range results {
		switch r.Outcome {
		case models.SkillOK:
			rendered = append(rendered, r.Data)
		case models.SkillCancelled:
			rendered = append(rendered, map[string]any{})
		case models.SkillFailed:
			if r.ErrorKind == "sanitization_blocked" {
				slog.Warn("Skill result dropped by sanitizer",
					"skill", identifier, "task_id", taskID)
				rendered = append(rendered, map[string]any{})
				continue
			}
			rendered = append(rendered, map[string]any{
				"error": r.ErrorKind, "message": r.ErrorMessage,
			})
		}
	}

	var payload any
	if len(rendered) == 1 {
		payload = rendered[0]
	} else {
		payload = map[string]any{"results": rendered}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func toolError(kind, message string) string {
	raw, _ := json.Marshal(map[string]any{"error": kind, "message": message})
	return string(raw)
}
