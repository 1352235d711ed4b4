package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend uses the chat completions API. BaseURL may point at any
// OpenAI-compatible server.
type OpenAIBackend struct {
	client    openai.Client
	maxTokens int64
}

// NewOpenAI creates an openai backend.
func NewOpenAI(apiKey, baseURL string, maxTokens int) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{
		client:    openai.NewClient(opts...),
		maxTokens: int64(maxTokens),
	}
}

// Name returns "openai".
func (p *OpenAIBackend) Name() string {
	return "openai"
}

func (p *OpenAIBackend) params(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(p.maxTokens)
	}
	return params
}

// Complete returns the first choice's content.
func (p *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", ErrNoMessages
	}

	completion, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("no choices in OpenAI response")
	}
	return completion.Choices[0].Message.Content, nil
}

// Stream forwards content deltas of the first choice.
func (p *OpenAIBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(ctx, ch, Chunk{Delta: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, Chunk{Err: fmt.Errorf("OpenAI stream failed: %w", err)})
			return
		}
		emit(ctx, ch, Chunk{Done: true})
	}()
	return ch, nil
}
