package streambus

import (
	"context"
	"sync"
)

// Bus is the publish surface the pipeline depends on.
type Bus interface {
	PublishChunk(ctx context.Context, payload ChunkPayload) error
	PublishTypingStarted(ctx context.Context, userIDHash string, payload TypingStartedPayload) error
	PublishPostprocessingCompleted(ctx context.Context, userIDHash string, payload PostprocessingCompletedPayload) error
	PublishMessagePersisted(ctx context.Context, userIDHash string, payload MessagePersistedPayload) error
	PublishSkillTaskCompleted(ctx context.Context, payload SkillTaskCompletedPayload) error
}

var _ Bus = (*Publisher)(nil)

// MemoryBus records published events for tests.
type MemoryBus struct {
	mu             sync.Mutex
	Chunks         []ChunkPayload
	Typing         []TypingStartedPayload
	Post           []PostprocessingCompletedPayload
	Persisted      []MessagePersistedPayload
	SkillCompleted []SkillTaskCompletedPayload
	FailChunks     bool
}

// NewMemoryBus returns an empty recording bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) PublishChunk(_ context.Context, payload ChunkPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload.Type = TypeChunk
	b.Chunks = append(b.Chunks, payload)
	return nil
}

func (b *MemoryBus) PublishTypingStarted(_ context.Context, _ string, payload TypingStartedPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload.Type = TypeTypingStarted
	b.Typing = append(b.Typing, payload)
	return nil
}

func (b *MemoryBus) PublishPostprocessingCompleted(_ context.Context, _ string, payload PostprocessingCompletedPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload.Type = TypePostprocessingComplete
	b.Post = append(b.Post, payload)
	return nil
}

func (b *MemoryBus) PublishMessagePersisted(_ context.Context, _ string, payload MessagePersistedPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload.Type = TypeMessagePersisted
	b.Persisted = append(b.Persisted, payload)
	return nil
}

func (b *MemoryBus) PublishSkillTaskCompleted(_ context.Context, payload SkillTaskCompletedPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload.Type = TypeSkillTaskCompleted
	b.SkillCompleted = append(b.SkillCompleted, payload)
	return nil
}

// SkillCompletions returns copies of the recorded completion events.
func (b *MemoryBus) SkillCompletions() []SkillTaskCompletedPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SkillTaskCompletedPayload, len(b.SkillCompleted))
	copy(out, b.SkillCompleted)
	return out
}

// Snapshot returns copies of the recorded chunk list.
func (b *MemoryBus) Snapshot() []ChunkPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ChunkPayload, len(b.Chunks))
	copy(out, b.Chunks)
	return out
}
