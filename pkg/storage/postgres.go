package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Gateway over pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool; run Migrate before first use.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := p.pool.QueryRow(ctx, `
		SELECT id, credits, auto_topup_enabled, has_payment_method, system_language
		FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Credits, &u.AutoTopupEnabled, &u.HasPaymentMethod, &u.SystemLanguage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) TriggerTopUp(ctx context.Context, userID string) error {
	// The billing service picks pending top-ups off this table; the gateway
	// only records the intent.
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pending_topups (user_id, requested_at) VALUES ($1, now())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("storage: trigger top-up: %w", err)
	}
	return nil
}

func (p *Postgres) SaveMessage(ctx context.Context, msg *Message) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (client_message_id, chat_id, hashed_user_id, sender_name, role, encrypted_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ClientMessageID, msg.ChatID, msg.HashedUserID, msg.SenderName, msg.Role, msg.EncryptedContent, msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("storage: insert message: %w", err)
	}

	var version int
	err = tx.QueryRow(ctx, `
		INSERT INTO chats (id, messages_version, last_edited_overall_timestamp, last_message_timestamp)
		VALUES ($1, 1, now(), $2)
		ON CONFLICT (id) DO UPDATE SET
			messages_version = chats.messages_version + 1,
			last_edited_overall_timestamp = now(),
			last_message_timestamp = $2
		RETURNING messages_version`,
		msg.ChatID, msg.CreatedAt).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("storage: bump messages_version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit message: %w", err)
	}
	return version, nil
}

func (p *Postgres) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	err := p.pool.QueryRow(ctx, `
		SELECT id, messages_version, last_edited_overall_timestamp, last_message_timestamp
		FROM chats WHERE id = $1`, chatID).
		Scan(&c.ID, &c.MessagesVersion, &c.LastEditedOverallTimestamp, &c.LastMessageTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get chat: %w", err)
	}
	return &c, nil
}

var _ Gateway = (*Postgres)(nil)
