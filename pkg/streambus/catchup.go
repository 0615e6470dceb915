package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore reads persisted lifecycle events back out of the events table,
// so a reconnecting client can resume from its last seen db_event_id and so
// truncated NOTIFY envelopes stay resolvable.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore wraps the shared pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// GetCatchupEvents returns up to limit events on channel with id > sinceID,
// oldest first. Rows with undecodable payloads are skipped.
func (s *EventStore) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("streambus: catchup query: %w", err)
	}
	defer rows.Close()

	var out []CatchupEvent
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("streambus: scan event row: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			slog.Warn("Skipping undecodable stored event", "event_id", id, "error", err)
			continue
		}
		out = append(out, CatchupEvent{ID: id, Payload: payload})
	}
	return out, rows.Err()
}

var _ CatchupQuerier = (*EventStore)(nil)
