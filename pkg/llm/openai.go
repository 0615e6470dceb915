package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
)

// OpenAIGateway implements Gateway over OpenAI-compatible chat-completion
// APIs. All configured providers expose this wire shape; per-provider base
// URLs and API keys come from the provider registry.
type OpenAIGateway struct {
	providers *config.ProviderRegistry

	mu      sync.Mutex
	clients map[string]oai.Client
}

// NewOpenAIGateway builds a gateway over the configured providers.
func NewOpenAIGateway(providers *config.ProviderRegistry) *OpenAIGateway {
	return &OpenAIGateway{
		providers: providers,
		clients:   make(map[string]oai.Client),
	}
}

// clientFor returns (creating on first use) the SDK client for a provider.
func (g *OpenAIGateway) clientFor(provider string) (oai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[provider]; ok {
		return c, nil
	}

	cfg, ok := g.providers.Get(provider)
	if !ok {
		return oai.Client{}, fmt.Errorf("llm: unknown provider %q", provider)
	}

	opts := []option.RequestOption{}
	if cfg.APIKeyEnv != "" {
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return oai.Client{}, fmt.Errorf("llm: provider %q: env %s is empty", provider, cfg.APIKeyEnv)
		}
		opts = append(opts, option.WithAPIKey(key))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := oai.NewClient(opts...)
	g.clients[provider] = client
	return client, nil
}

func (g *OpenAIGateway) buildParams(req Request) (oai.ChatCompletionNewParams, string, error) {
	provider, model, err := config.SplitModelID(req.ModelID)
	if err != nil {
		return oai.ChatCompletionNewParams{}, "", err
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		converted, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, "", err
		}
		messages = append(messages, converted)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, provider, nil
}

func convertMessage(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("llm: unknown message role %q", m.Role)
	}
}

// Complete implements Gateway.
func (g *OpenAIGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	params, provider, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}
	client, err := g.clientFor(provider)
	if err != nil {
		return nil, err
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: completion via %s: %w", req.ModelID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices from %s", req.ModelID)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream implements Gateway. Tool-call fragments are accumulated by index and
// emitted once, on the finishing chunk.
func (g *OpenAIGateway) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, provider, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}
	client, err := g.clientFor(provider)
	if err != nil {
		return nil, err
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("llm: start stream via %s: %w", req.ModelID, err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		accum := map[int]*ToolCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			out := Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				existing, ok := accum[idx]
				if !ok {
					existing = &ToolCall{}
					accum[idx] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" && len(accum) > 0 {
				for i := 0; i < len(accum); i++ {
					if tc, ok := accum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- Chunk{Err: fmt.Errorf("llm: stream via %s: %w", req.ModelID, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

var _ Gateway = (*OpenAIGateway)(nil)
