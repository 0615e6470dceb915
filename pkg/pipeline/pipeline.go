package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

// Pipeline orchestrates one request: preprocessing, typing event, billing
// preflight, main streaming, queue drain, postprocessing, cleanup.
type Pipeline struct {
	cfg         *config.Config
	pre         *Preprocessor
	main        *MainProcessor
	post        *Postprocessor
	bus         streambus.Bus
	storage     storage.Gateway
	state       *ChatState
	cleanup     *CleanupCoordinator
	revocations *Revocations
	masterKey   []byte

	// dispatchFollowOn starts the follow-on task built from drained queue
	// messages. Wired by the Service; tests inject their own.
	dispatchFollowOn func(ctx context.Context, req *models.AskRequest) (string, error)

	newID func() string
	now   func() time.Time
}

// NewPipeline wires the orchestrator.
func NewPipeline(cfg *config.Config, pre *Preprocessor, main *MainProcessor, post *Postprocessor,
	bus streambus.Bus, sg storage.Gateway, state *ChatState, cleanup *CleanupCoordinator,
	revocations *Revocations, masterKey []byte) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		pre:         pre,
		main:        main,
		post:        post,
		bus:         bus,
		storage:     sg,
		state:       state,
		cleanup:     cleanup,
		revocations: revocations,
		masterKey:   masterKey,
		newID:       uuid.NewString,
		now:         time.Now,
	}
	p.dispatchFollowOn = func(ctx context.Context, req *models.AskRequest) (string, error) {
		taskID := p.newID()
		go func() {
			if err := p.Run(context.WithoutCancel(ctx), taskID, req); err != nil {
				slog.Error("Follow-on pipeline run failed",
					"chat_id", req.ChatID, "task_id", taskID, "error", err)
			}
		}()
		return taskID, nil
	}
	return p
}

// Run executes the full state machine for one request. The active marker for
// the chat must already name taskID (the Service claims it) or is claimed
// here for direct callers.
func (p *Pipeline) Run(ctx context.Context, taskID string, req *models.AskRequest) error {
	ctx, cancelHard := context.WithTimeout(ctx, p.cfg.Pipeline.HardTimeLimit)
	defer cancelHard()

	token := NewCancelToken(taskID, p.cfg.Pipeline.SoftTimeLimit)
	release := p.revocations.Register(ctx, token)
	defer release()

	if err := p.state.SetActive(ctx, req.ChatID, taskID); err != nil {
		return p.fail(ctx, req, token, fmt.Errorf("claim active marker: %w", err))
	}

	overrides := ParseOverrides(req)

	pre := p.pre.Run(ctx, req, overrides)
	if !pre.CanProceed {
		p.handleRejection(ctx, req, pre)
		p.cleanup.Cleanup(ctx, req.ChatID, taskID, false, pre.RejectionReason)
		return nil
	}

	if !req.IsExternal {
		err := p.bus.PublishTypingStarted(ctx, req.UserIDHash, streambus.TypingStartedPayload{
			Type:           streambus.TypeTypingStarted,
			TaskID:         taskID,
			ChatID:         req.ChatID,
			MessageID:      req.MessageID,
			MateID:         pre.SelectedMateID,
			Category:       pre.Category,
			Title:          pre.Title,
			IconNames:      pre.IconNames,
			OutputLanguage: pre.OutputLanguage,
		})
		if err != nil {
			slog.Warn("Typing-started publish failed", "chat_id", req.ChatID, "error", err)
		}
	}

	if !p.cfg.Pipeline.SelfHosted && !p.cfg.Providers.HasPricing(pre.SelectedMainModelID) {
		return p.fail(ctx, req, token,
			fmt.Errorf("no pricing configured for model %q", pre.SelectedMainModelID))
	}

	sender := streambus.NewAsyncSender(p.bus)
	outcome, err := p.main.Process(ctx, req, pre, token, sender)
	sender.Close()
	if err != nil {
		return p.fail(ctx, req, token, err)
	}

	text := p.finalizeText(ctx, req, pre, outcome)
	p.persistAssistantMessage(ctx, req, pre, text)

	if err := p.drainQueue(ctx, req, pre, token, text); err != nil {
		slog.Error("Queue drain failed", "chat_id", req.ChatID, "error", err)
	}

	p.postprocess(ctx, req, pre, token, outcome)

	p.cleanup.Cleanup(ctx, req.ChatID, taskID, token.Revoked(), "")
	return nil
}

// finalizeText appends the required advice disclaimer to the response text
// and records that it was shown.
func (p *Pipeline) finalizeText(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, outcome MainOutcome) string {
	text := outcome.Text
	if pre.RequiresAdviceDisclaimer == "" || strings.TrimSpace(text) == "" {
		return text
	}
	disclaimer := DisclaimerText(pre.OutputLanguage, pre.RequiresAdviceDisclaimer)
	if disclaimer == "" {
		return text
	}
	p.state.MarkDisclaimerShown(ctx, req.ChatID, pre.RequiresAdviceDisclaimer)
	return text + "\n\n" + disclaimer
}

// persistAssistantMessage encrypts and saves the reply, then publishes the
// persisted event. Partial text from an interrupted run is persisted too;
// empty text and incognito chats are not.
func (p *Pipeline) persistAssistantMessage(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, text string) {
	if req.IsIncognito || strings.TrimSpace(text) == "" {
		return
	}

	encrypted, err := storage.Encrypt(p.chatKey(req.UserID), []byte(text))
	if err != nil {
		slog.Error("Assistant message encryption failed", "chat_id", req.ChatID, "error", err)
		return
	}

	messageID := p.newID()
	version, err := p.storage.SaveMessage(ctx, &storage.Message{
		ClientMessageID:  messageID,
		ChatID:           req.ChatID,
		HashedUserID:     req.UserIDHash,
		SenderName:       pre.SelectedMateID,
		Role:             "assistant",
		EncryptedContent: encrypted,
		CreatedAt:        p.now(),
	})
	if err != nil {
		slog.Error("Assistant message persistence failed", "chat_id", req.ChatID, "error", err)
		return
	}

	err = p.bus.PublishMessagePersisted(ctx, req.UserIDHash, streambus.MessagePersistedPayload{
		Type:            streambus.TypeMessagePersisted,
		ChatID:          req.ChatID,
		MessageID:       messageID,
		MessagesVersion: version,
	})
	if err != nil {
		slog.Warn("Message-persisted publish failed", "chat_id", req.ChatID, "error", err)
	}
}

// drainQueue clears the active marker and collapses any messages queued
// during the stream into one follow-on request. The marker moves to the new
// task so postprocessing for this turn can run in parallel with it.
func (p *Pipeline) drainQueue(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, token *CancelToken, replyText string) error {
	if err := p.state.ClearActiveIfOwner(ctx, req.ChatID, token.TaskID()); err != nil {
		return fmt.Errorf("clear active marker: %w", err)
	}

	queued, err := p.state.DrainQueue(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}

	contents := make([]string, 0, len(queued))
	for i := range queued {
		if m := queued[i].LastUserMessage(); m != nil {
			contents = append(contents, m.Content)
		}
	}
	combined := strings.Join(contents, "\n\n")

	now := p.now().Unix()
	history := append([]models.HistoryMessage{}, req.MessageHistory...)
	if strings.TrimSpace(replyText) != "" {
		history = append(history, models.HistoryMessage{
			Role:       "assistant",
			Content:    replyText,
			CreatedAt:  now,
			SenderName: pre.SelectedMateID,
		})
	}
	history = append(history, models.HistoryMessage{
		Role:      "user",
		Content:   combined,
		CreatedAt: now,
	})

	followOn := &models.AskRequest{
		ChatID:                    req.ChatID,
		MessageID:                 p.newID(),
		UserID:                    req.UserID,
		UserIDHash:                req.UserIDHash,
		MessageHistory:            history,
		ChatHasTitle:              true,
		IsIncognito:               req.IsIncognito,
		MateID:                    pre.SelectedMateID,
		ActiveFocusID:             req.ActiveFocusID,
		UserPreferences:           req.UserPreferences,
		AppSettingsMemoryMetadata: req.AppSettingsMemoryMetadata,
	}

	newTaskID, err := p.dispatchFollowOn(ctx, followOn)
	if err != nil {
		return fmt.Errorf("dispatch follow-on task: %w", err)
	}
	if err := p.state.SetActive(ctx, req.ChatID, newTaskID); err != nil {
		slog.Warn("Marker handoff to follow-on failed",
			"chat_id", req.ChatID, "task_id", newTaskID, "error", err)
	}
	slog.Info("Queued messages collapsed into follow-on task",
		"chat_id", req.ChatID, "queued", len(queued), "task_id", newTaskID)
	return nil
}

func (p *Pipeline) postprocess(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult, token *CancelToken, outcome MainOutcome) {
	if outcome.Revoked || p.post.ShouldSkip(req, pre, outcome) {
		return
	}

	result, err := p.post.Run(ctx, req, pre, outcome)
	if err != nil {
		slog.Warn("Postprocessing failed", "chat_id", req.ChatID, "error", err)
		return
	}

	summary := result.ChatSummary
	if summary == "" {
		summary = pre.ChatSummary
	}
	err = p.bus.PublishPostprocessingCompleted(ctx, req.UserIDHash, streambus.PostprocessingCompletedPayload{
		Type:                       streambus.TypePostprocessingComplete,
		TaskID:                     token.TaskID(),
		ChatID:                     req.ChatID,
		FollowUpRequestSuggestions: result.FollowUpRequestSuggestions,
		NewChatRequestSuggestions:  result.NewChatRequestSuggestions,
		ChatSummary:                summary,
	})
	if err != nil {
		slog.Warn("Postprocessing-completed publish failed", "chat_id", req.ChatID, "error", err)
	}
}

// handleRejection persists the rejection as a system message when it carries
// user-facing text. No tokens were streamed and none will be.
func (p *Pipeline) handleRejection(ctx context.Context, req *models.AskRequest, pre *models.PreprocessingResult) {
	slog.Info("Request rejected by preprocessing",
		"chat_id", req.ChatID, "reason", pre.RejectionReason)
	if pre.ErrorMessage == "" || req.IsIncognito {
		return
	}

	encrypted, err := storage.Encrypt(p.chatKey(req.UserID), []byte(pre.ErrorMessage))
	if err != nil {
		slog.Error("Rejection message encryption failed", "chat_id", req.ChatID, "error", err)
		return
	}
	version, err := p.storage.SaveMessage(ctx, &storage.Message{
		ClientMessageID:  p.newID(),
		ChatID:           req.ChatID,
		HashedUserID:     req.UserIDHash,
		Role:             "system",
		EncryptedContent: encrypted,
		CreatedAt:        p.now(),
	})
	if err != nil {
		slog.Error("Rejection message persistence failed", "chat_id", req.ChatID, "error", err)
		return
	}
	err = p.bus.PublishMessagePersisted(ctx, req.UserIDHash, streambus.MessagePersistedPayload{
		Type:            streambus.TypeMessagePersisted,
		ChatID:          req.ChatID,
		MessagesVersion: version,
	})
	if err != nil {
		slog.Warn("Rejection publish failed", "chat_id", req.ChatID, "error", err)
	}
}

// fail publishes a single error chunk, runs cleanup, and returns the error.
func (p *Pipeline) fail(ctx context.Context, req *models.AskRequest, token *CancelToken, err error) error {
	slog.Error("Pipeline run failed",
		"chat_id", req.ChatID, "task_id", token.TaskID(), "error", err)

	publishErr := p.bus.PublishChunk(ctx, streambus.ChunkPayload{
		Type:             streambus.TypeChunk,
		TaskID:           token.TaskID(),
		ChatID:           req.ChatID,
		UserMessageID:    req.MessageID,
		FullContentSoFar: "Error: the assistant could not complete this request.",
		IsFinalChunk:     true,
		Error:            true,
	})
	if publishErr != nil {
		slog.Warn("Error chunk publish failed", "chat_id", req.ChatID, "error", publishErr)
	}

	p.cleanup.Cleanup(ctx, req.ChatID, token.TaskID(), token.Revoked(), err.Error())
	return err
}

// chatKey derives the per-user message encryption key from the master key.
func (p *Pipeline) chatKey(userID string) []byte {
	sum := sha256.Sum256(append(append([]byte{}, p.masterKey...), []byte(userID)...))
	return sum[:]
}
