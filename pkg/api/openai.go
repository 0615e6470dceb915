package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/pipeline"
	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

// externalWaitTimeout caps how long a chat-completions request waits for the
// pipeline to finish. Longer runs still complete internally; the HTTP caller
// gets a timeout error.
const externalWaitTimeout = 5 * time.Minute

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the OpenAI-compatible request shape. Fields beyond
// the known ones are collected into the request's user preferences.
type chatCompletionRequest struct {
	Model    string
	Messages []chatCompletionMessage
	Stream   bool
	User     string
	Extra    map[string]any
}

func (r *chatCompletionRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]any{
		"model":    &r.Model,
		"messages": &r.Messages,
		"stream":   &r.Stream,
		"user":     &r.User,
	}
	r.Extra = make(map[string]any)
	for key, value := range raw {
		if dst, ok := known[key]; ok {
			if err := json.Unmarshal(value, dst); err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		r.Extra[key] = v
	}
	return nil
}

type completionChoice struct {
	Index        int                   `json:"index"`
	Message      chatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type chunkDelta struct {
	Role    string         `json:"role,omitempty"`
	Content string         `json:"content,omitempty"`
	Embeds  []models.Embed `json:"embeds,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// ChatCompletions handles POST /v1/chat/completions: the OpenAI-compatible
// entrypoint. Each call is a standalone external chat; `stream=true` answers
// over SSE, otherwise the full completion is returned in one response.
func (s *Server) ChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "messages is required", "type": "invalid_request_error"}})
		return
	}

	ask := s.translateRequest(&req)

	chunks, unsubscribe := s.tap.Subscribe(ask.ChatID)
	defer unsubscribe()

	if _, _, err := s.service.Submit(c.Request.Context(), ask); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error(), "type": "server_error"}})
		return
	}

	if req.Stream {
		s.streamCompletion(c, &req, chunks)
		return
	}
	s.completeOnce(c, &req, chunks)
}

// translateRequest maps the OpenAI shape onto a native AskRequest. The chat is
// a fresh external one, unknown request fields become user preferences, and a
// requested model is injected as a model override mention so the regular
// override path resolves it.
func (s *Server) translateRequest(req *chatCompletionRequest) *models.AskRequest {
	now := time.Now().Unix()
	history := make([]models.HistoryMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, models.HistoryMessage{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: now,
		})
	}

	userID := req.User
	if userID == "" {
		userID = "external"
	}

	ask := &models.AskRequest{
		ChatID:          uuid.NewString(),
		MessageID:       uuid.NewString(),
		UserID:          userID,
		UserIDHash:      pipeline.HashID(userID),
		MessageHistory:  history,
		ChatHasTitle:    true,
		IsExternal:      true,
		UserPreferences: req.Extra,
	}

	if req.Model != "" && req.Model != "auto" {
		if last := ask.LastUserMessage(); last != nil {
			last.Content = "@ai-model:" + req.Model + " " + last.Content
		}
	}
	return ask
}

func (s *Server) completeOnce(c *gin.Context, req *chatCompletionRequest, chunks <-chan streambus.ChunkPayload) {
	deadline := time.After(externalWaitTimeout)
	var content string
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-deadline:
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": gin.H{"message": "completion timed out", "type": "server_error"}})
			return
		case chunk := <-chunks:
			if chunk.Error {
				c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": chunk.FullContentSoFar, "type": "server_error"}})
				return
			}
			if chunk.FullContentSoFar != "" {
				content = chunk.FullContentSoFar
			}
			if chunk.IsFinalChunk {
				c.JSON(http.StatusOK, completionResponse{
					ID:      "chatcmpl-" + chunk.TaskID,
					Object:  "chat.completion",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []completionChoice{{
						Message:      chatCompletionMessage{Role: "assistant", Content: content},
						FinishReason: finishReason(chunk),
					}},
				})
				return
			}
		}
	}
}

func (s *Server) streamCompletion(c *gin.Context, req *chatCompletionRequest, chunks <-chan streambus.ChunkPayload) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	created := time.Now().Unix()
	deadline := time.After(externalWaitTimeout)

	var sent string
	first := true
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-deadline:
			writeSSE(c, flusher, "[DONE]")
			return
		case chunk := <-chunks:
			id := "chatcmpl-" + chunk.TaskID

			if delta := strings.TrimPrefix(chunk.FullContentSoFar, sent); delta != "" && strings.HasPrefix(chunk.FullContentSoFar, sent) {
				sent = chunk.FullContentSoFar
				out := completionChunk{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []chunkChoice{{Delta: chunkDelta{Content: delta}}},
				}
				if first {
					out.Choices[0].Delta.Role = "assistant"
					first = false
				}
				writeSSEJSON(c, flusher, out)
			}

			if chunk.IsFinalChunk {
				if embeds := s.resolveEmbeds(c.Request.Context(), chunk.TaskID); len(embeds) > 0 {
					writeSSEJSON(c, flusher, completionChunk{
						ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
						Choices: []chunkChoice{{Delta: chunkDelta{Embeds: embeds}}},
					})
				}
				reason := finishReason(chunk)
				writeSSEJSON(c, flusher, completionChunk{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []chunkChoice{{Delta: chunkDelta{}, FinishReason: &reason}},
				})
				writeSSE(c, flusher, "[DONE]")
				return
			}
		}
	}
}

// resolveEmbeds collects the completed embed records produced by a run so the
// stream can carry them in a trailing delta. Failures read as "no embeds".
func (s *Server) resolveEmbeds(ctx context.Context, taskID string) []models.Embed {
	if s.store == nil {
		return nil
	}
	keys, err := s.store.Keys(ctx, "embed:")
	if err != nil {
		return nil
	}
	hashedTask := pipeline.HashID(taskID)
	var embeds []models.Embed
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var embed models.Embed
		if err := json.Unmarshal([]byte(raw), &embed); err != nil {
			continue
		}
		if embed.Status == models.EmbedStatusOK && embed.HashedTaskID == hashedTask {
			embeds = append(embeds, embed)
		}
	}
	return embeds
}

// finishReason maps interruption flags onto OpenAI finish reasons: a
// soft-limit cut reads as a length stop, everything else as a normal stop.
func finishReason(chunk streambus.ChunkPayload) string {
	if chunk.InterruptedBySoftLimit {
		return "length"
	}
	return "stop"
}

func writeSSEJSON(c *gin.Context, flusher http.Flusher, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeSSE(c, flusher, string(raw))
}

func writeSSE(c *gin.Context, flusher http.Flusher, data string) {
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}
