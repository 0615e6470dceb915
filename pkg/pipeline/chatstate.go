package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
)

const (
	activeTaskPrefix = "active_ai_task:"
	chatQueuePrefix  = "chat_queue:"
	listItemSuffix   = ":list_item_data"

	// activeTaskTTL is a safety net: a crashed pod must not wedge a chat
	// forever. Normal runs clear the marker explicitly.
	activeTaskTTL = time.Hour
)

// HashID is the hash applied to chat and task ids before they are stored in
// embed records.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// ChatState owns the per-chat KV records: the active-task marker, the queued
// message list, and the disclaimer history.
type ChatState struct {
	store kvstore.Store
	now   func() time.Time
}

// NewChatState builds the state accessor.
func NewChatState(store kvstore.Store) *ChatState {
	return &ChatState{store: store, now: time.Now}
}

// ClaimActive atomically claims the active marker for a chat. Returns false
// when another pipeline already holds it.
func (s *ChatState) ClaimActive(ctx context.Context, chatID, taskID string) (bool, error) {
	return s.store.SetNX(ctx, activeTaskPrefix+chatID, taskID, activeTaskTTL)
}

// SetActive overwrites the marker, used when handing the chat to a follow-on
// task.
func (s *ChatState) SetActive(ctx context.Context, chatID, taskID string) error {
	return s.store.SetEx(ctx, activeTaskPrefix+chatID, taskID, activeTaskTTL)
}

// ActiveTask returns the current marker, or "" when no pipeline is active.
func (s *ChatState) ActiveTask(ctx context.Context, chatID string) (string, error) {
	taskID, err := s.store.Get(ctx, activeTaskPrefix+chatID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	return taskID, err
}

// ClearActiveIfOwner deletes the marker only when it still names taskID. A
// follow-on task may have taken over the chat by the time cleanup runs.
func (s *ChatState) ClearActiveIfOwner(ctx context.Context, chatID, taskID string) error {
	current, err := s.ActiveTask(ctx, chatID)
	if err != nil {
		return err
	}
	if current != taskID {
		return nil
	}
	return s.store.Del(ctx, activeTaskPrefix+chatID)
}

// EnqueueMessage appends a message that arrived while a pipeline holds the
// chat.
func (s *ChatState) EnqueueMessage(ctx context.Context, msg *models.QueuedMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}
	return s.store.RPush(ctx, chatQueuePrefix+msg.ChatID, string(raw))
}

// DrainQueue atomically removes and returns all queued messages in arrival
// order. Only the pipeline holding the active marker may call this.
func (s *ChatState) DrainQueue(ctx context.Context, chatID string) ([]models.QueuedMessage, error) {
	raws, err := s.store.Drain(ctx, chatQueuePrefix+chatID)
	if err != nil {
		return nil, err
	}
	out := make([]models.QueuedMessage, 0, len(raws))
	for _, raw := range raws {
		var msg models.QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			slog.Warn("Dropping undecodable queued message", "chat_id", chatID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// RecoverOrphans removes active markers left behind by runs that were revoked
// but never reached cleanup (a pod died between the revoke and the marker
// clear). Called once at boot; the marker TTL covers everything else.
func (s *ChatState) RecoverOrphans(ctx context.Context) int {
	keys, err := s.store.Keys(ctx, activeTaskPrefix)
	if err != nil {
		slog.Warn("Orphan marker scan failed", "error", err)
		return 0
	}

	recovered := 0
	for _, key := range keys {
		taskID, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		if _, err := s.store.Get(ctx, revokedKeyPrefix+taskID); err != nil {
			continue
		}
		if err := s.store.Del(ctx, key); err != nil {
			slog.Warn("Orphan marker delete failed", "key", key, "error", err)
			continue
		}
		slog.Info("Recovered orphaned active marker", "key", key, "task_id", taskID)
		recovered++
	}
	return recovered
}

// disclaimerRecord is the per-chat disclaimer history stored under
// chat:<chat_id>:list_item_data.
type disclaimerRecord struct {
	LastDisclaimerType      string `json:"last_disclaimer_type"`
	LastDisclaimerTimestamp int64  `json:"last_disclaimer_timestamp"` // unix seconds
}

// ShouldInjectDisclaimer decides whether a disclaimer of the given type must
// be shown for this chat: inject when the type differs from the last one
// shown, or the same type was shown at least interval ago. Any read or decode
// error injects — showing a disclaimer twice is cheaper than missing one.
func (s *ChatState) ShouldInjectDisclaimer(ctx context.Context, chatID, disclaimerType string, interval time.Duration) bool {
	raw, err := s.store.Get(ctx, "chat:"+chatID+listItemSuffix)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("Disclaimer history read failed, injecting",
				"chat_id", chatID, "error", err)
		}
		return true
	}

	var rec disclaimerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		slog.Warn("Disclaimer history undecodable, injecting",
			"chat_id", chatID, "error", err)
		return true
	}

	if rec.LastDisclaimerType != disclaimerType {
		return true
	}
	elapsed := s.now().Unix() - rec.LastDisclaimerTimestamp
	return time.Duration(elapsed)*time.Second >= interval
}

// MarkDisclaimerShown records that a disclaimer of the given type was shown
// now.
func (s *ChatState) MarkDisclaimerShown(ctx context.Context, chatID, disclaimerType string) {
	raw, err := json.Marshal(disclaimerRecord{
		LastDisclaimerType:      disclaimerType,
		LastDisclaimerTimestamp: s.now().Unix(),
	})
	if err != nil {
		return
	}
	if err := s.store.SetEx(ctx, "chat:"+chatID+listItemSuffix, string(raw), 0); err != nil {
		slog.Warn("Disclaimer history write failed", "chat_id", chatID, "error", err)
	}
}
