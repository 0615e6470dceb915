// Package api is the HTTP surface: the ask entrypoint (native and
// OpenAI-compatible shapes), SSE streaming, cancellation, and the WebSocket
// upgrade for stream subscriptions.
package api

import (
	"context"
	"sync"

	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

// StreamTap wraps a Bus and additionally fans chunk events out to in-process
// subscribers, which is how SSE responses observe their own chat's stream
// without a broker round-trip.
type StreamTap struct {
	inner streambus.Bus

	mu   sync.Mutex
	subs map[string]map[int]*tapSub // chat id → subscriber set
	next int
}

// tapSub is one local subscriber. done is closed on unsubscribe so an
// in-flight blocking send can abort instead of waiting on a channel nobody
// reads anymore.
type tapSub struct {
	ch   chan streambus.ChunkPayload
	done chan struct{}
}

// NewStreamTap wraps the bus.
func NewStreamTap(inner streambus.Bus) *StreamTap {
	return &StreamTap{
		inner: inner,
		subs:  make(map[string]map[int]*tapSub),
	}
}

// Subscribe registers a local listener for one chat's chunks. The returned
// cancel must be called when the consumer is done; it is safe to call more
// than once.
func (t *StreamTap) Subscribe(chatID string) (<-chan streambus.ChunkPayload, func()) {
	sub := &tapSub{
		ch:   make(chan streambus.ChunkPayload, 64),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	t.next++
	id := t.next
	if t.subs[chatID] == nil {
		t.subs[chatID] = make(map[int]*tapSub)
	}
	t.subs[chatID][id] = sub
	t.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			close(sub.done)
			t.mu.Lock()
			defer t.mu.Unlock()
			if set, ok := t.subs[chatID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(t.subs, chatID)
				}
			}
		})
	}
}

// PublishChunk forwards to the wrapped bus and to local subscribers. A slow
// local subscriber loses chunks rather than blocking the stream; the final
// marker waits for each subscriber, but never past its unsubscribe or the
// caller's context, so a stalled consumer cannot wedge the producing loop.
func (t *StreamTap) PublishChunk(ctx context.Context, payload streambus.ChunkPayload) error {
	t.mu.Lock()
	targets := make([]*tapSub, 0, len(t.subs[payload.ChatID]))
	for _, sub := range t.subs[payload.ChatID] {
		targets = append(targets, sub)
	}
	t.mu.Unlock()

	for _, sub := range targets {
		if payload.IsFinalChunk {
			select {
			case sub.ch <- payload:
			case <-sub.done:
			case <-ctx.Done():
			}
			continue
		}
		select {
		case sub.ch <- payload:
		default:
		}
	}

	return t.inner.PublishChunk(ctx, payload)
}

func (t *StreamTap) PublishTypingStarted(ctx context.Context, userIDHash string, payload streambus.TypingStartedPayload) error {
	return t.inner.PublishTypingStarted(ctx, userIDHash, payload)
}

func (t *StreamTap) PublishPostprocessingCompleted(ctx context.Context, userIDHash string, payload streambus.PostprocessingCompletedPayload) error {
	return t.inner.PublishPostprocessingCompleted(ctx, userIDHash, payload)
}

func (t *StreamTap) PublishMessagePersisted(ctx context.Context, userIDHash string, payload streambus.MessagePersistedPayload) error {
	return t.inner.PublishMessagePersisted(ctx, userIDHash, payload)
}

func (t *StreamTap) PublishSkillTaskCompleted(ctx context.Context, payload streambus.SkillTaskCompletedPayload) error {
	return t.inner.PublishSkillTaskCompleted(ctx, payload)
}

var _ streambus.Bus = (*StreamTap)(nil)
