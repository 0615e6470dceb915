package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on top of a pgx pool. Counters, markers, and
// queues coordinate through the same database the rest of the system uses,
// so one worker crashing never strands another worker's view of the state.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The kv_entries/kv_list_entries tables
// come from the standard migrations.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::float8 > 0 THEN now() + make_interval(secs => $3) ELSE NULL END)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`,
		key, value, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// An expired row still occupies the key, so the upsert claims it too.
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::float8 > 0 THEN now() + make_interval(secs => $3) ELSE NULL END)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()`,
		key, value, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("kvstore setnx %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	// Atomic increment: expired rows restart at 1 with a fresh TTL.
	var raw string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, '1', CASE WHEN $2::float8 > 0 THEN now() + make_interval(secs => $2) ELSE NULL END)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now() THEN '1'
				ELSE (kv_entries.value::bigint + 1)::text
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()
					THEN CASE WHEN $2::float8 > 0 THEN now() + make_interval(secs => $2) ELSE NULL END
				ELSE kv_entries.expires_at
			END
		RETURNING value`,
		key, ttl.Seconds()).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("kvstore incr %q: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvstore incr %q: non-numeric value %q", key, raw)
	}
	return n, nil
}

func (p *Postgres) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("kvstore del: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_list_entries WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("kvstore del lists: %w", err)
	}
	return nil
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key FROM kv_entries
		WHERE key LIKE $1 || '%' AND (expires_at IS NULL OR expires_at > now())`,
		prefix)
	if err != nil {
		return nil, fmt.Errorf("kvstore keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("kvstore keys %q: %w", prefix, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *Postgres) RPush(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_list_entries (key, value) VALUES ($1, $2)`, key, value)
	if err != nil {
		return fmt.Errorf("kvstore rpush %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Drain(ctx context.Context, key string) ([]string, error) {
	// Delete-returning keeps drain atomic against concurrent producers:
	// anything pushed after this statement lands in the next drain.
	rows, err := p.pool.Query(ctx, `
		WITH drained AS (
			DELETE FROM kv_list_entries WHERE key = $1 RETURNING seq, value
		)
		SELECT value FROM drained ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("kvstore drain %q: %w", key, err)
	}
	defer rows.Close()

	items := []string{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("kvstore drain %q: %w", key, err)
		}
		items = append(items, value)
	}
	return items, rows.Err()
}

var _ Store = (*Postgres)(nil)
