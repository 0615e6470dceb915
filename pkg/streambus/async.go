package streambus

import (
	"context"
	"log/slog"
	"sync"
)

// AsyncSender decouples chunk publishing from token intake. Enqueue never
// blocks: chunks land in a growable in-memory queue drained by a single
// goroutine, so broker latency can never stall the stream loop. Publish
// failures are logged, never raised.
type AsyncSender struct {
	bus Bus

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []ChunkPayload
	closed  bool
	drained chan struct{}
}

// NewAsyncSender starts the drain goroutine.
func NewAsyncSender(bus Bus) *AsyncSender {
	s := &AsyncSender{
		bus:     bus,
		drained: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

// Enqueue queues one chunk for publishing. Safe after Close; late chunks are
// dropped with a warning.
func (s *AsyncSender) Enqueue(payload ChunkPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		slog.Warn("Chunk enqueued after sender close, dropping",
			"chat_id", payload.ChatID, "sequence", payload.Sequence)
		return
	}
	s.queue = append(s.queue, payload)
	s.cond.Signal()
}

// Close flushes the queue and stops the drain goroutine. Blocks until every
// enqueued chunk has been attempted.
func (s *AsyncSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.drained
}

func (s *AsyncSender) drain() {
	defer close(s.drained)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, payload := range batch {
			if err := s.bus.PublishChunk(context.Background(), payload); err != nil {
				slog.Warn("Chunk publish failed",
					"chat_id", payload.ChatID, "sequence", payload.Sequence, "error", err)
			}
		}

		if closed && len(batch) == 0 {
			return
		}
		if closed {
			// One more pass to catch anything enqueued while publishing.
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		}
	}
}
