package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
)

// Service is the entrypoint the transport layer talks to: it gates each chat
// to one active pipeline, queues messages that arrive mid-run, and routes
// cancellations.
type Service struct {
	pipeline    *Pipeline
	state       *ChatState
	revocations *Revocations

	newID func() string

	// run starts a pipeline execution; tests swap it for a synchronous one.
	run func(ctx context.Context, taskID string, req *models.AskRequest)
}

// NewService wires the entrypoint.
func NewService(pipeline *Pipeline, state *ChatState, revocations *Revocations) *Service {
	s := &Service{
		pipeline:    pipeline,
		state:       state,
		revocations: revocations,
		newID:       uuid.NewString,
	}
	s.run = func(ctx context.Context, taskID string, req *models.AskRequest) {
		go func() {
			if err := pipeline.Run(context.WithoutCancel(ctx), taskID, req); err != nil {
				slog.Error("Pipeline run failed",
					"chat_id", req.ChatID, "task_id", taskID, "error", err)
			}
		}()
	}
	return s
}

// Submit starts a pipeline for the request, or queues it when the chat
// already has an active one. Returns the task id handling the request (the
// active task's id when queued) and whether it was queued.
func (s *Service) Submit(ctx context.Context, req *models.AskRequest) (taskID string, queued bool, err error) {
	taskID = s.newID()

	claimed, err := s.state.ClaimActive(ctx, req.ChatID, taskID)
	if err != nil {
		return "", false, err
	}
	if !claimed {
		if err := s.state.EnqueueMessage(ctx, req); err != nil {
			return "", false, err
		}
		active, err := s.state.ActiveTask(ctx, req.ChatID)
		if err != nil {
			active = ""
		}
		slog.Info("Message queued behind active pipeline",
			"chat_id", req.ChatID, "active_task", active)
		return active, true, nil
	}

	s.run(ctx, taskID, req)
	return taskID, false, nil
}

// Cancel revokes a running task. The stream stops at the next chunk boundary
// and partial text is persisted.
func (s *Service) Cancel(ctx context.Context, taskID string) {
	s.revocations.Revoke(ctx, taskID)
}

// CancelChat revokes whatever task is currently active for the chat. Returns
// the revoked task id, or ok=false when the chat has no active run.
func (s *Service) CancelChat(ctx context.Context, chatID string) (taskID string, ok bool) {
	active, err := s.state.ActiveTask(ctx, chatID)
	if err != nil || active == "" {
		return "", false
	}
	s.revocations.Revoke(ctx, active)
	return active, true
}
