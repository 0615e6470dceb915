package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/llm"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/pipeline"
	"github.com/glowingkitty/OpenMates-sub005/pkg/skills"
	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// stubGateway implements llm.Gateway with injectable behavior.
type stubGateway struct {
	completeFn func(req llm.Request) (*llm.Response, error)
	streamFn   func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)
}

func (g *stubGateway) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if g.completeFn == nil {
		return nil, fmt.Errorf("no complete stub")
	}
	return g.completeFn(req)
}

func (g *stubGateway) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if g.streamFn == nil {
		return nil, fmt.Errorf("no stream stub")
	}
	return g.streamFn(ctx, req)
}

type stubRunner struct{}

func (stubRunner) ExecuteBatched(context.Context, models.SkillInvocation, skills.Options) []models.SkillResult {
	return []models.SkillResult{{Outcome: models.SkillOK, Data: map[string]any{}}}
}

func apiConfig() *config.Config {
	pipe := config.DefaultPipelineConfig()
	pipe.PreprocessingModel = "openai/prep-1"
	pipe.PostprocessingModel = "openai/post-1"
	pipe.MainProcessingSimple = "openai/small-1"
	pipe.MainProcessingComplex = "openai/large-1"
	pipe.AutoModelSelection = false
	pipe.SelfHosted = true

	pricing := &config.ModelPricing{InputPerMillion: 1, OutputPerMillion: 2, Currency: "EUR"}
	providers := config.NewProviderRegistry(map[string]*config.LLMProviderConfig{
		"openai": {Models: []config.ModelConfig{
			{ID: "prep-1", DisplayName: "Prep One", Pricing: pricing},
			{ID: "post-1", DisplayName: "Post One", Pricing: pricing},
			{ID: "small-1", DisplayName: "Small One", Pricing: pricing},
			{ID: "large-1", DisplayName: "Large One", Pricing: pricing},
		}},
	})

	return &config.Config{
		Pipeline:  pipe,
		Dispatch:  config.DefaultDispatchConfig(),
		Providers: providers,
		Mates: config.NewMateRegistry([]config.MateConfig{
			{ID: "sophia", Category: "general_knowledge", SystemPrompt: "You are Sophia."},
		}),
	}
}

type apiHarness struct {
	server  *Server
	gateway *stubGateway
	store   *kvstore.Memory
	state   *pipeline.ChatState
	tap     *StreamTap
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	cfg := apiConfig()
	registry, err := skills.NewRegistry(cfg.Skills, cfg.FocusModes)
	require.NoError(t, err)

	gateway := &stubGateway{}
	store := kvstore.NewMemory()
	sg := storage.NewMemory()
	tap := NewStreamTap(streambus.NewMemoryBus())
	state := pipeline.NewChatState(store)
	revs := pipeline.NewRevocations(store)

	selector := llm.NewModelSelector(cfg.Leaderboard, cfg.Providers)
	pre := pipeline.NewPreprocessor(cfg, gateway, selector, registry, store, sg, state, nil)
	main := pipeline.NewMainProcessor(cfg, gateway, registry, stubRunner{}, nil)
	post := pipeline.NewPostprocessor(cfg, gateway, registry, sg, nil)
	cleanup := pipeline.NewCleanupCoordinator(store, state)
	masterKey := bytes.Repeat([]byte{0x02}, 32)
	pipe := pipeline.NewPipeline(cfg, pre, main, post, tap, sg, state, cleanup, revs, masterKey)
	service := pipeline.NewService(pipe, state, revs)

	manager := streambus.NewConnectionManager(nil, 5*time.Second)
	return &apiHarness{
		server:  NewServer(service, tap, manager, store, nil),
		gateway: gateway,
		store:   store,
		state:   state,
		tap:     tap,
	}
}

// classifyResponse answers the preprocessing tool call with an accepting
// classification.
func classifyResponse() *llm.Response {
	raw, _ := json.Marshal(map[string]any{
		"harmful_or_illegal_score": 0.0,
		"misuse_risk_score":        0.0,
		"category":                 "general_knowledge",
		"complexity":               "simple",
		"task_area":                "general",
		"llm_response_temp":        0.4,
		"output_language":          "en",
		"chat_summary":             "A greeting.",
	})
	return &llm.Response{ToolCalls: []llm.ToolCall{{
		ID: "call-1", Name: "preprocess_request", Arguments: string(raw),
	}}}
}

func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestAskValidation(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/ai/ask", strings.NewReader("{"))
		w := httptest.NewRecorder()
		h.server.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing required fields", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/ai/ask", map[string]any{"chat_id": "c1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAskSubmits(t *testing.T) {
	h := newAPIHarness(t)
	h.gateway.completeFn = func(llm.Request) (*llm.Response, error) { return classifyResponse(), nil }
	h.gateway.streamFn = func(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk)
		close(ch)
		return ch, nil
	}

	w := h.do(http.MethodPost, "/api/ai/ask", map[string]any{
		"chat_id": "c1",
		"user_id": "u1",
		"message_history": []map[string]any{
			{"role": "user", "content": "hello", "created_at": 1000},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		TaskID string `json:"task_id"`
		Queued bool   `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.False(t, resp.Queued)
}

func TestCancel(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("no active task", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/ai/cancel/c9", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("active task is revoked", func(t *testing.T) {
		ctx := context.Background()
		claimed, err := h.state.ClaimActive(ctx, "c1", "task-1")
		require.NoError(t, err)
		require.True(t, claimed)

		w := h.do(http.MethodPost, "/api/ai/cancel/c1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "task-1")

		// The cross-pod revocation flag landed in the KV store.
		_, err = h.store.Get(ctx, "revoked_task:task-1")
		assert.NoError(t, err)
	})
}

func TestChatCompletionRequestParsing(t *testing.T) {
	t.Run("unknown fields become preferences", func(t *testing.T) {
		var req chatCompletionRequest
		raw := `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}],"stream":true,"temperature":0.7,"beam_width":3}`
		require.NoError(t, json.Unmarshal([]byte(raw), &req))
		assert.Equal(t, "gpt-x", req.Model)
		assert.True(t, req.Stream)
		assert.Equal(t, 0.7, req.Extra["temperature"])
		assert.Equal(t, float64(3), req.Extra["beam_width"])
	})

	t.Run("translation marks the request external", func(t *testing.T) {
		h := newAPIHarness(t)
		ask := h.server.translateRequest(&chatCompletionRequest{
			Model:    "gpt-x",
			Messages: []chatCompletionMessage{{Role: "user", Content: "hi"}},
			User:     "u7",
		})
		assert.True(t, ask.IsExternal)
		assert.True(t, ask.ChatHasTitle)
		assert.Equal(t, "u7", ask.UserID)
		assert.NotEmpty(t, ask.ChatID)
		// The model request rides in as an override mention.
		assert.Equal(t, "@ai-model:gpt-x hi", ask.MessageHistory[0].Content)
	})

	t.Run("auto model adds no mention", func(t *testing.T) {
		h := newAPIHarness(t)
		ask := h.server.translateRequest(&chatCompletionRequest{
			Model:    "auto",
			Messages: []chatCompletionMessage{{Role: "user", Content: "hi"}},
		})
		assert.Equal(t, "hi", ask.MessageHistory[0].Content)
		assert.Equal(t, "external", ask.UserID)
	})
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	h := newAPIHarness(t)
	h.gateway.completeFn = func(llm.Request) (*llm.Response, error) { return classifyResponse(), nil }
	h.gateway.streamFn = func(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 2)
		ch <- llm.Chunk{Text: "Hello "}
		ch <- llm.Chunk{Text: "there."}
		close(ch)
		return ch, nil
	}

	w := h.do(http.MethodPost, "/v1/chat/completions", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Hello there.", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestChatCompletionsStreaming(t *testing.T) {
	h := newAPIHarness(t)
	h.gateway.completeFn = func(llm.Request) (*llm.Response, error) { return classifyResponse(), nil }
	h.gateway.streamFn = func(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 2)
		ch <- llm.Chunk{Text: "Hello "}
		ch <- llm.Chunk{Text: "there."}
		close(ch)
		return ch, nil
	}

	w := h.do(http.MethodPost, "/v1/chat/completions", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var deltas []string
	var finished, done bool
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			done = true
			continue
		}
		var chunk completionChunk
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Len(t, chunk.Choices, 1)
		if chunk.Choices[0].FinishReason != nil {
			assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
			finished = true
			continue
		}
		deltas = append(deltas, chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "Hello there.", strings.Join(deltas, ""))
	assert.True(t, finished)
	assert.True(t, done)
}

func TestStreamTapFanout(t *testing.T) {
	ctx := context.Background()
	inner := streambus.NewMemoryBus()
	tap := NewStreamTap(inner)

	ch, cancel := tap.Subscribe("c1")
	defer cancel()

	require.NoError(t, tap.PublishChunk(ctx, streambus.ChunkPayload{ChatID: "c1", Sequence: 1}))
	require.NoError(t, tap.PublishChunk(ctx, streambus.ChunkPayload{ChatID: "c2", Sequence: 1}))
	require.NoError(t, tap.PublishChunk(ctx, streambus.ChunkPayload{ChatID: "c1", IsFinalChunk: true}))

	first := <-ch
	assert.Equal(t, 1, first.Sequence)
	final := <-ch
	assert.True(t, final.IsFinalChunk)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected chunk for another chat: %+v", extra)
	default:
	}

	// The wrapped bus saw everything.
	assert.Len(t, inner.Snapshot(), 3)

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		ch2, cancel2 := tap.Subscribe("c1")
		cancel2()
		require.NoError(t, tap.PublishChunk(ctx, streambus.ChunkPayload{ChatID: "c1", Sequence: 9}))
		select {
		case got := <-ch2:
			t.Fatalf("delivery after unsubscribe: %+v", got)
		default:
		}
	})
}

func TestResolveEmbeds(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	seed := func(id, status, taskID string) {
		raw, err := json.Marshal(models.Embed{
			ID: id, Status: status, HashedTaskID: pipeline.HashID(taskID),
		})
		require.NoError(t, err)
		require.NoError(t, h.store.SetEx(ctx, "embed:"+id, string(raw), 0))
	}
	seed("e1", models.EmbedStatusOK, "task-9")
	seed("e2", models.EmbedStatusProcessing, "task-9")
	seed("e3", models.EmbedStatusOK, "task-other")

	embeds := h.server.resolveEmbeds(ctx, "task-9")
	require.Len(t, embeds, 1)
	assert.Equal(t, "e1", embeds[0].ID)

	assert.Empty(t, h.server.resolveEmbeds(ctx, "task-none"))
}

func TestStreamTapStalledSubscriber(t *testing.T) {
	ctx := context.Background()
	tap := NewStreamTap(streambus.NewMemoryBus())

	t.Run("final send aborts on unsubscribe", func(t *testing.T) {
		_, cancel := tap.Subscribe("c1")
		// Fill the subscriber's buffer without ever reading from it.
		for i := 0; i < 70; i++ {
			require.NoError(t, tap.PublishChunk(ctx, streambus.ChunkPayload{ChatID: "c1", Sequence: i}))
		}

		published := make(chan error, 1)
		go func() {
			published <- tap.PublishChunk(ctx, streambus.ChunkPayload{ChatID: "c1", IsFinalChunk: true})
		}()
		cancel()

		select {
		case err := <-published:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("final-chunk publish still blocked after the subscriber unsubscribed")
		}
	})

	t.Run("final send aborts on context cancellation", func(t *testing.T) {
		_, cancel := tap.Subscribe("c2")
		defer cancel()
		for i := 0; i < 70; i++ {
			require.NoError(t, tap.PublishChunk(ctx, streambus.ChunkPayload{ChatID: "c2", Sequence: i}))
		}

		pubCtx, stop := context.WithCancel(ctx)
		published := make(chan struct{})
		go func() {
			tap.PublishChunk(pubCtx, streambus.ChunkPayload{ChatID: "c2", IsFinalChunk: true})
			close(published)
		}()
		stop()

		select {
		case <-published:
		case <-time.After(2 * time.Second):
			t.Fatal("final-chunk publish ignored context cancellation")
		}
	})
}
