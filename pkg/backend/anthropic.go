package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicBackend uses the messages API. System messages are sent through
// the System field.
type AnthropicBackend struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropic creates an anthropic backend.
func NewAnthropic(apiKey, baseURL string, maxTokens int) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		maxTokens: int64(maxTokens),
	}
}

// Name returns "anthropic".
func (p *AnthropicBackend) Name() string {
	return "anthropic"
}

func (p *AnthropicBackend) params(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// Complete returns the concatenated text blocks of the response.
func (p *AnthropicBackend) Complete(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", ErrNoMessages
	}

	message, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return "", fmt.Errorf("Anthropic API call failed: %w", err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			b.WriteString(blk.Text)
		}
	}
	return b.String(), nil
}

// Stream forwards text deltas.
func (p *AnthropicBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	stream := p.client.Messages.NewStreaming(ctx, p.params(req))
	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if !emit(ctx, ch, Chunk{Delta: delta.Text}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, Chunk{Err: fmt.Errorf("Anthropic stream failed: %w", err)})
			return
		}
		emit(ctx, ch, Chunk{Done: true})
	}()
	return ch, nil
}
