package streambus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowBus delays every publish to simulate broker latency.
type slowBus struct {
	MemoryBus
	delay time.Duration
}

func (b *slowBus) PublishChunk(ctx context.Context, payload ChunkPayload) error {
	time.Sleep(b.delay)
	return b.MemoryBus.PublishChunk(ctx, payload)
}

func TestAsyncSender(t *testing.T) {
	t.Run("close flushes all enqueued chunks in order", func(t *testing.T) {
		bus := NewMemoryBus()
		sender := NewAsyncSender(bus)

		for i := 0; i < 50; i++ {
			sender.Enqueue(ChunkPayload{ChatID: "c1", Sequence: i})
		}
		sender.Close()

		chunks := bus.Snapshot()
		require.Len(t, chunks, 50)
		for i, c := range chunks {
			assert.Equal(t, i, c.Sequence)
		}
	})

	t.Run("enqueue never blocks on a slow broker", func(t *testing.T) {
		bus := &slowBus{delay: 20 * time.Millisecond}
		sender := NewAsyncSender(bus)
		defer sender.Close()

		start := time.Now()
		for i := 0; i < 100; i++ {
			sender.Enqueue(ChunkPayload{ChatID: "c1", Sequence: i})
		}
		assert.Less(t, time.Since(start), 100*time.Millisecond,
			"enqueue of 100 chunks must not wait on publish latency")
	})

	t.Run("enqueue after close drops without panic", func(t *testing.T) {
		sender := NewAsyncSender(NewMemoryBus())
		sender.Close()
		sender.Enqueue(ChunkPayload{ChatID: "c1", Sequence: 0})
	})

	t.Run("double close is safe", func(t *testing.T) {
		sender := NewAsyncSender(NewMemoryBus())
		sender.Close()
		sender.Close()
	})

	t.Run("concurrent producers all land", func(t *testing.T) {
		bus := NewMemoryBus()
		sender := NewAsyncSender(bus)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					sender.Enqueue(ChunkPayload{ChatID: "c1", Sequence: p*25 + i})
				}
			}(p)
		}
		wg.Wait()
		sender.Close()

		assert.Len(t, bus.Snapshot(), 100)
	})
}

func TestTruncateIfNeeded(t *testing.T) {
	t.Run("small payload passes through", func(t *testing.T) {
		out, err := truncateIfNeeded([]byte(`{"type":"ai_message_chunk","chat_id":"c1"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"ai_message_chunk","chat_id":"c1"}`, out)
	})

	t.Run("oversized payload becomes a routing envelope", func(t *testing.T) {
		big := make([]byte, 9000)
		for i := range big {
			big[i] = 'x'
		}
		payload := `{"type":"ai_message_chunk","task_id":"t1","chat_id":"c1","full_content_so_far":"` + string(big) + `"}`
		out, err := truncateIfNeeded([]byte(payload))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"ai_message_chunk","task_id":"t1","chat_id":"c1","truncated":true}`, out)
	})
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "chat_stream::c1", ChatStreamChannel("c1"))
	assert.Equal(t, "ai_typing_indicator_events::h1", TypingIndicatorChannel("h1"))
	assert.Equal(t, "ai_message_persisted::h1", MessagePersistedChannel("h1"))
}
