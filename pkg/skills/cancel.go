package skills

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
)

const (
	cancelKeyPrefix = "cancelled_skill:"
	cancelTTL       = time.Hour
)

// Cancellation flags individual skill invocations as cancelled through the
// shared KV store. Cancellation is per-invocation, never per-user: the outer
// turn continues with whatever results exist.
type Cancellation struct {
	store kvstore.Store
}

// NewCancellation wraps the shared KV store.
func NewCancellation(store kvstore.Store) *Cancellation {
	return &Cancellation{store: store}
}

// Cancel marks the invocation cancelled.
func (c *Cancellation) Cancel(ctx context.Context, skillTaskID string) error {
	return c.store.SetEx(ctx, cancelKeyPrefix+skillTaskID, "cancelled", cancelTTL)
}

// IsCancelled reports whether the invocation was cancelled. KV trouble reads
// as not-cancelled; a lost cancellation only costs one wasted skill call.
func (c *Cancellation) IsCancelled(ctx context.Context, skillTaskID string) bool {
	_, err := c.store.Get(ctx, cancelKeyPrefix+skillTaskID)
	if err == nil {
		return true
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		slog.Warn("Cancellation check failed, treating as not cancelled",
			"skill_task_id", skillTaskID, "error", err)
	}
	return false
}
