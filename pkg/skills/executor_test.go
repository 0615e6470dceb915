package skills

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/ratelimit"
)

func testInvocation() models.SkillInvocation {
	return models.SkillInvocation{
		AppID:       "web",
		SkillID:     "read",
		Arguments:   map[string]any{"url": "https://example.org"},
		SkillTaskID: "st-1",
		ChatID:      "c1",
		MessageID:   "m1",
		UserID:      "u1",
	}
}

// newServerExecutor points the executor at a test HTTP handler.
func newServerExecutor(t *testing.T, handler http.HandlerFunc) (*Executor, *Cancellation, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	registry := newTestRegistry(t)
	cancels := NewCancellation(kvstore.NewMemory())
	e := NewExecutor(registry, cancels, nil, nil, nil)
	e.endpoint = func(*Skill) string { return server.URL }
	return e, cancels, server
}

func TestExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("successful call returns structured data and metadata keys", func(t *testing.T) {
		var gotBody map[string]any
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			json.NewEncoder(w).Encode(map[string]any{"content": "page text"})
		})

		res := e.Execute(ctx, testInvocation(), Options{})
		require.Equal(t, models.SkillOK, res.Outcome)
		assert.Equal(t, "page text", res.Data["content"])

		assert.Equal(t, "https://example.org", gotBody["url"])
		assert.Equal(t, "c1", gotBody["_chat_id"])
		assert.Equal(t, "m1", gotBody["_message_id"])
		assert.Equal(t, "u1", gotBody["_user_id"])
	})

	t.Run("4xx fails without retry", func(t *testing.T) {
		var calls atomic.Int32
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		})

		res := e.Execute(ctx, testInvocation(), Options{})
		assert.Equal(t, models.SkillFailed, res.Outcome)
		assert.Equal(t, "execution_failed", res.ErrorKind)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("5xx retries once then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		})

		res := e.Execute(ctx, testInvocation(), Options{})
		assert.Equal(t, models.SkillOK, res.Outcome)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("5xx exhausting the retry budget fails", func(t *testing.T) {
		var calls atomic.Int32
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})

		res := e.Execute(ctx, testInvocation(), Options{MaxRetries: 1})
		assert.Equal(t, models.SkillFailed, res.Outcome)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("pre-cancelled invocation never hits the skill", func(t *testing.T) {
		var calls atomic.Int32
		e, cancels, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		})
		require.NoError(t, cancels.Cancel(ctx, "st-1"))

		res := e.Execute(ctx, testInvocation(), Options{})
		assert.Equal(t, models.SkillCancelled, res.Outcome)
		assert.Zero(t, calls.Load())
	})

	t.Run("cancellation during the call discards the result", func(t *testing.T) {
		var e *Executor
		var cancels *Cancellation
		e, cancels, _ = newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, cancels.Cancel(r.Context(), "st-1"))
			json.NewEncoder(w).Encode(map[string]any{"content": "late"})
		})

		res := e.Execute(ctx, testInvocation(), Options{})
		assert.Equal(t, models.SkillCancelled, res.Outcome)
	})

	t.Run("unregistered skill fails fast", func(t *testing.T) {
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {})
		inv := testInvocation()
		inv.SkillID = "nonexistent"

		res := e.Execute(ctx, inv, Options{})
		assert.Equal(t, models.SkillFailed, res.Outcome)
		assert.Equal(t, "unknown_skill", res.ErrorKind)
	})

	t.Run("schema violation fails before any call", func(t *testing.T) {
		var calls atomic.Int32
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		})
		inv := testInvocation()
		inv.SkillID = "search"
		inv.Arguments = map[string]any{"query": 42}

		res := e.Execute(ctx, inv, Options{})
		assert.Equal(t, models.SkillFailed, res.Outcome)
		assert.Equal(t, "invalid_arguments", res.ErrorKind)
		assert.Zero(t, calls.Load())
	})

	t.Run("timeout retries with a fresh client", func(t *testing.T) {
		var calls atomic.Int32
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				time.Sleep(200 * time.Millisecond)
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		})
		var clients atomic.Int32
		base := e.newClient
		e.newClient = func(timeout time.Duration) *http.Client {
			clients.Add(1)
			return base(timeout)
		}

		res := e.Execute(ctx, testInvocation(), Options{Timeout: 50 * time.Millisecond})
		assert.Equal(t, models.SkillOK, res.Outcome)
		assert.Equal(t, int32(2), clients.Load())
	})
}

func TestBatchedRequests(t *testing.T) {
	t.Run("explicit requests list over one element", func(t *testing.T) {
		reqs, ok := batchedRequests(map[string]any{
			"requests": []any{map[string]any{"q": "a"}, map[string]any{"q": "b"}},
		})
		require.True(t, ok)
		assert.Len(t, reqs, 2)
	})

	t.Run("single-element requests list is not batched", func(t *testing.T) {
		_, ok := batchedRequests(map[string]any{"requests": []any{map[string]any{"q": "a"}}})
		assert.False(t, ok)
	})

	t.Run("legacy list-valued argument is lifted", func(t *testing.T) {
		reqs, ok := batchedRequests(map[string]any{"url": []any{"a", "b", "c"}})
		require.True(t, ok)
		require.Len(t, reqs, 3)
		assert.Equal(t, map[string]any{"url": "a"}, reqs[0])
	})

	t.Run("plain arguments are not batched", func(t *testing.T) {
		_, ok := batchedRequests(map[string]any{"query": "hello"})
		assert.False(t, ok)
	})
}

func TestExecutor_ExecuteBatched(t *testing.T) {
	ctx := context.Background()

	t.Run("seven requests truncate to five", func(t *testing.T) {
		var gotBody map[string]any
		e, _, _ := newServerExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		})

		inv := testInvocation()
		reqs := make([]any, 7)
		for i := range reqs {
			reqs[i] = map[string]any{"url": "u"}
		}
		inv.Arguments = map[string]any{"requests": reqs}

		results := e.ExecuteBatched(ctx, inv, Options{})
		require.Len(t, results, 1)
		assert.Equal(t, models.SkillOK, results[0].Outcome)
		assert.Len(t, gotBody["requests"], 5)
	})
}

type capturingDeferrer struct {
	calls int
	args  map[string]any
}

func (d *capturingDeferrer) Defer(_ context.Context, _, _ string, args map[string]any, _ time.Duration) (string, error) {
	d.calls++
	d.args = args
	return "task-7", nil
}

func TestExecutor_DeferredInvocationCarriesRouting(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	store := kvstore.NewMemory()
	limiter := ratelimit.New(store, config.NewProviderRegistry(map[string]*config.LLMProviderConfig{
		"web": {
			Name:       "web",
			RateLimits: map[string]*config.RateLimitSetting{"": {RequestsPerSecond: 1}},
		},
	}))
	// Exhaust the window far enough that the wait schedules instead of
	// sleeping in place.
	for i := 0; i < 10; i++ {
		limiter.Check(ctx, "web", "read", "")
	}

	deferrer := &capturingDeferrer{}
	e := NewExecutor(registry, NewCancellation(store), limiter, nil, deferrer)

	result := e.Execute(ctx, testInvocation(), Options{})
	require.Equal(t, models.SkillOK, result.Outcome)
	assert.Equal(t, "scheduled", result.Data["status"])
	assert.Equal(t, "task-7", result.Data["task_id"])

	require.Equal(t, 1, deferrer.calls)
	assert.Equal(t, "c1", deferrer.args["_chat_id"])
	assert.Equal(t, "m1", deferrer.args["_message_id"])
	assert.Equal(t, "u1", deferrer.args["_user_id"])
	inner, ok := deferrer.args["arguments"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://example.org", inner["url"])
}
