// Package pipeline implements the three-stage request pipeline and its
// orchestration: preprocessing, main streaming, postprocessing, per-chat
// queue serialization, and cleanup.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
)

const (
	revokedKeyPrefix = "revoked_task:"
	revokedTTL       = time.Hour

	// revocationPollInterval is how often the cross-pod revocation flag is
	// checked while streaming.
	revocationPollInterval = 500 * time.Millisecond
)

// CancelToken carries the per-request revoked and soft-limit bits. It is
// threaded through every I/O call in the pipeline; checks happen at chunk
// boundaries and around skill calls, never mid-operation.
type CancelToken struct {
	taskID    string
	revoked   atomic.Bool
	softLimit atomic.Bool
	deadline  time.Time
}

// NewCancelToken builds a token with the soft deadline already computed.
func NewCancelToken(taskID string, softTimeLimit time.Duration) *CancelToken {
	return &CancelToken{
		taskID:   taskID,
		deadline: time.Now().Add(softTimeLimit),
	}
}

// Revoke flips the revoked bit.
func (t *CancelToken) Revoke() { t.revoked.Store(true) }

// Revoked reports user cancellation.
func (t *CancelToken) Revoked() bool { return t.revoked.Load() }

// SoftLimited reports whether the cooperative deadline has passed. The bit
// latches on first observation.
func (t *CancelToken) SoftLimited() bool {
	if t.softLimit.Load() {
		return true
	}
	if time.Now().After(t.deadline) {
		t.softLimit.Store(true)
		return true
	}
	return false
}

// TaskID returns the owning task id.
func (t *CancelToken) TaskID() string { return t.taskID }

// Revocations tracks active tokens in-process and mirrors revocation through
// the KV store so a cancel landing on another pod still reaches the stream
// loop.
type Revocations struct {
	store kvstore.Store

	mu     sync.Mutex
	active map[string]*CancelToken
}

// NewRevocations builds the registry.
func NewRevocations(store kvstore.Store) *Revocations {
	return &Revocations{
		store:  store,
		active: make(map[string]*CancelToken),
	}
}

// Register adds a token and starts the cross-pod poll. The returned release
// function must be called when the run ends.
func (r *Revocations) Register(ctx context.Context, token *CancelToken) (release func()) {
	r.mu.Lock()
	r.active[token.TaskID()] = token
	r.mu.Unlock()

	pollCtx, stopPoll := context.WithCancel(ctx)
	go r.poll(pollCtx, token)

	return func() {
		stopPoll()
		r.mu.Lock()
		delete(r.active, token.TaskID())
		r.mu.Unlock()
	}
}

// Revoke cancels a task: locally when the token lives on this pod, and via
// the KV flag either way so other pods see it.
func (r *Revocations) Revoke(ctx context.Context, taskID string) {
	r.mu.Lock()
	if token, ok := r.active[taskID]; ok {
		token.Revoke()
	}
	r.mu.Unlock()

	if err := r.store.SetEx(ctx, revokedKeyPrefix+taskID, "revoked", revokedTTL); err != nil {
		slog.Warn("Cross-pod revocation flag write failed", "task_id", taskID, "error", err)
	}
}

func (r *Revocations) poll(ctx context.Context, token *CancelToken) {
	ticker := time.NewTicker(revocationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if token.Revoked() {
			return
		}
		_, err := r.store.Get(ctx, revokedKeyPrefix+token.TaskID())
		if err == nil {
			token.Revoke()
			return
		}
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("Revocation poll failed", "task_id", token.TaskID(), "error", err)
		}
	}
}
