package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
)

const (
	embedKeyPrefix = "embed:"

	// embedErrorLimit truncates the error message stored on a failed embed.
	embedErrorLimit = 200

	embedTTL = time.Hour
)

// CleanupCoordinator releases the per-chat active marker and transitions
// dangling embeds when a run ends on any failure path. Every operation is
// idempotent and every internal failure is logged, never raised.
type CleanupCoordinator struct {
	store kvstore.Store
	state *ChatState
}

// NewCleanupCoordinator builds the coordinator.
func NewCleanupCoordinator(store kvstore.Store, state *ChatState) *CleanupCoordinator {
	return &CleanupCoordinator{store: store, state: state}
}

// Cleanup clears the chat's active marker (when this task still owns it) and
// transitions this run's processing embeds to cancelled or error.
func (c *CleanupCoordinator) Cleanup(ctx context.Context, chatID, taskID string, revoked bool, errMsg string) {
	if err := c.state.ClearActiveIfOwner(ctx, chatID, taskID); err != nil {
		slog.Warn("Active marker clear failed during cleanup",
			"chat_id", chatID, "task_id", taskID, "error", err)
	}
	c.failProcessingEmbeds(ctx, chatID, taskID, revoked, errMsg)
}

// failProcessingEmbeds scans the embed namespace for entries belonging to
// this (chat, task) still marked processing and transitions them.
func (c *CleanupCoordinator) failProcessingEmbeds(ctx context.Context, chatID, taskID string, revoked bool, errMsg string) {
	keys, err := c.store.Keys(ctx, embedKeyPrefix)
	if err != nil {
		slog.Warn("Embed scan failed during cleanup",
			"chat_id", chatID, "task_id", taskID, "error", err)
		return
	}

	hashedChat, hashedTask := HashID(chatID), HashID(taskID)
	target := models.EmbedStatusError
	if revoked {
		target = models.EmbedStatusCancelled
	}

	for _, key := range keys {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var embed models.Embed
		if err := json.Unmarshal([]byte(raw), &embed); err != nil {
			slog.Warn("Undecodable embed record skipped", "key", key, "error", err)
			continue
		}
		if embed.Status != models.EmbedStatusProcessing ||
			embed.HashedChatID != hashedChat || embed.HashedTaskID != hashedTask {
			continue
		}

		embed.Status = target
		if target == models.EmbedStatusError {
			embed.ErrorMessage = truncateError(errMsg)
		}
		updated, err := json.Marshal(embed)
		if err != nil {
			continue
		}
		if err := c.store.SetEx(ctx, key, string(updated), embedTTL); err != nil {
			slog.Warn("Embed transition failed",
				"embed_id", embed.ID, "status", target, "error", err)
			continue
		}
		slog.Info("Dangling embed transitioned",
			"embed_id", embed.ID, "status", target, "task_id", taskID)
	}
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > embedErrorLimit {
		return msg[:embedErrorLimit]
	}
	return msg
}
