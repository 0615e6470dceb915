package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyLimit is PostgreSQL's NOTIFY payload ceiling with headroom; larger
// payloads are replaced by a routing-only envelope and the client fetches the
// full event from the events table.
const notifyLimit = 7900

// Publisher delivers events. Lifecycle events are stored in the events table
// and broadcast via NOTIFY in one transaction, so a committed event is never
// silently unannounced. Token chunks are NOTIFY-only: high-frequency and
// ephemeral.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher wraps the shared pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// PublishChunk broadcasts one chat_stream chunk, transient.
func (p *Publisher) PublishChunk(ctx context.Context, payload ChunkPayload) error {
	payload.Type = TypeChunk
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streambus: marshal chunk: %w", err)
	}
	return p.notifyOnly(ctx, ChatStreamChannel(payload.ChatID), raw)
}

// PublishTypingStarted persists and broadcasts the typing lifecycle event.
func (p *Publisher) PublishTypingStarted(ctx context.Context, userIDHash string, payload TypingStartedPayload) error {
	payload.Type = TypeTypingStarted
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streambus: marshal typing event: %w", err)
	}
	return p.persistAndNotify(ctx, payload.ChatID, TypingIndicatorChannel(userIDHash), raw)
}

// PublishPostprocessingCompleted persists and broadcasts the postprocessing
// lifecycle event.
func (p *Publisher) PublishPostprocessingCompleted(ctx context.Context, userIDHash string, payload PostprocessingCompletedPayload) error {
	payload.Type = TypePostprocessingComplete
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streambus: marshal postprocessing event: %w", err)
	}
	return p.persistAndNotify(ctx, payload.ChatID, TypingIndicatorChannel(userIDHash), raw)
}

// PublishMessagePersisted persists and broadcasts the message-saved event.
func (p *Publisher) PublishMessagePersisted(ctx context.Context, userIDHash string, payload MessagePersistedPayload) error {
	payload.Type = TypeMessagePersisted
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streambus: marshal persisted event: %w", err)
	}
	return p.persistAndNotify(ctx, payload.ChatID, MessagePersistedChannel(userIDHash), raw)
}

// PublishSkillTaskCompleted persists and broadcasts the deferred-skill
// completion event on the chat's stream channel.
func (p *Publisher) PublishSkillTaskCompleted(ctx context.Context, payload SkillTaskCompletedPayload) error {
	payload.Type = TypeSkillTaskCompleted
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streambus: marshal skill completion event: %w", err)
	}
	return p.persistAndNotify(ctx, payload.ChatID, ChatStreamChannel(payload.ChatID), raw)
}

// persistAndNotify stores the event and fires NOTIFY in a single transaction;
// pg_notify is transactional, so the broadcast happens exactly when the
// insert commits.
func (p *Publisher) persistAndNotify(ctx context.Context, chatID, channel string, raw []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("streambus: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (chat_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		chatID, channel, raw, time.Now()).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("streambus: persist event: %w", err)
	}

	notifyPayload, err := injectEventID(raw, eventID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, notifyPayload); err != nil {
		return fmt.Errorf("streambus: pg_notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("streambus: commit event: %w", err)
	}
	return nil
}

func (p *Publisher) notifyOnly(ctx context.Context, channel string, raw []byte) error {
	payload, err := truncateIfNeeded(raw)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("streambus: pg_notify: %w", err)
	}
	return nil
}

func injectEventID(raw []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("streambus: unmarshal for event id injection: %w", err)
	}
	m["db_event_id"] = eventID
	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("streambus: marshal enriched payload: %w", err)
	}
	return truncateIfNeeded(enriched)
}

// truncateIfNeeded replaces oversized payloads with a routing-only envelope.
func truncateIfNeeded(raw []byte) (string, error) {
	if len(raw) <= notifyLimit {
		return string(raw), nil
	}
	var routing struct {
		Type      string `json:"type"`
		TaskID    string `json:"task_id"`
		ChatID    string `json:"chat_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(raw, &routing); err != nil {
		return "", fmt.Errorf("streambus: extract routing fields: %w", err)
	}
	envelope := map[string]any{
		"type":      routing.Type,
		"task_id":   routing.TaskID,
		"chat_id":   routing.ChatID,
		"truncated": true,
	}
	if routing.DBEventID != nil {
		envelope["db_event_id"] = *routing.DBEventID
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("streambus: marshal truncation envelope: %w", err)
	}
	return string(out), nil
}
