package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
	"github.com/glowingkitty/OpenMates-sub005/test/util"
)

func setupGateway(t *testing.T) (*storage.Postgres, *pgxpool.Pool) {
	t.Helper()
	connStr := util.PostgresURL(t)
	require.NoError(t, storage.Migrate(connStr))

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return storage.NewPostgres(pool), pool
}

func TestMigrateIsIdempotent(t *testing.T) {
	connStr := util.PostgresURL(t)
	require.NoError(t, storage.Migrate(connStr))
	require.NoError(t, storage.Migrate(connStr))
}

func TestPostgresGateway(t *testing.T) {
	ctx := context.Background()
	gw, pool := setupGateway(t)

	t.Run("user lookup", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (id, credits, auto_topup_enabled, has_payment_method, system_language)
			VALUES ('it-u1', 42, TRUE, TRUE, 'de')
			ON CONFLICT (id) DO NOTHING`)
		require.NoError(t, err)

		user, err := gw.GetUser(ctx, "it-u1")
		require.NoError(t, err)
		assert.Equal(t, 42, user.Credits)
		assert.True(t, user.AutoTopupEnabled)
		assert.Equal(t, "de", user.SystemLanguage)

		_, err = gw.GetUser(ctx, "it-missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("top-up intent is recorded once", func(t *testing.T) {
		require.NoError(t, gw.TriggerTopUp(ctx, "it-u1"))
		require.NoError(t, gw.TriggerTopUp(ctx, "it-u1"))

		var count int
		err := pool.QueryRow(ctx,
			`SELECT count(*) FROM pending_topups WHERE user_id = 'it-u1'`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("save message bumps the chat version", func(t *testing.T) {
		msg := &storage.Message{
			ClientMessageID:  "it-m1",
			ChatID:           "it-c1",
			HashedUserID:     "hash-u1",
			SenderName:       "sophia",
			Role:             "assistant",
			EncryptedContent: []byte{0x01, 0x02},
			CreatedAt:        time.Now().UTC(),
		}
		version, err := gw.SaveMessage(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, 1, version)

		msg.ClientMessageID = "it-m2"
		version, err = gw.SaveMessage(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, 2, version)

		chat, err := gw.GetChat(ctx, "it-c1")
		require.NoError(t, err)
		assert.Equal(t, 2, chat.MessagesVersion)
		assert.False(t, chat.LastMessageTimestamp.IsZero())

		_, err = gw.GetChat(ctx, "it-missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
