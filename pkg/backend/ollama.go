package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHTTPTimeout bounds a non-streaming chat request.
const DefaultHTTPTimeout = 120 * time.Second

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// OllamaBackend talks to an Ollama-compatible /api/chat endpoint.
type OllamaBackend struct {
	baseURL string
	client  *http.Client
	// streams outlive the client timeout; only the response headers are bounded
	streamClient *http.Client
}

// NewOllama creates a chat backend for baseURL. A zero timeout uses DefaultHTTPTimeout.
func NewOllama(baseURL string, timeout time.Duration) *OllamaBackend {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &OllamaBackend{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{Transport: transport},
	}
}

// Name returns "chat".
func (o *OllamaBackend) Name() string {
	return "chat"
}

func (o *OllamaBackend) post(ctx context.Context, client *http.Client, req Request, stream bool) (*http.Response, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	body, err := json.Marshal(ollamaRequest{Model: req.Model, Messages: req.Messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	url := o.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama /api/chat request failed (%s): %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error %s: %s", resp.Status, string(data))
	}
	return resp, nil
}

// Complete sends a non-streaming request and returns the message content.
func (o *OllamaBackend) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := o.post(ctx, o.client, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse ollama response: %w", err)
	}
	return out.Message.Content, nil
}

// Stream sends a streaming request and forwards NDJSON deltas. Empty and
// malformed lines are skipped. The stream ends on the first done line or at end
// of input, which yields a synthetic done chunk.
func (o *OllamaBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := o.post(ctx, o.streamClient, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readNDJSON(ctx, resp.Body, ch)
	}()
	return ch, nil
}

func readNDJSON(ctx context.Context, r io.Reader, ch chan<- Chunk) {
	reader := bufio.NewReader(r)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var msg ollamaResponse
			if err := json.Unmarshal(line, &msg); err != nil {
				log.Debug().Err(err).Msg("Skipping malformed stream line")
			} else {
				if msg.Message.Content != "" {
					if !emit(ctx, ch, Chunk{Delta: msg.Message.Content}) {
						return
					}
				}
				if msg.Done {
					emit(ctx, ch, Chunk{Done: true})
					return
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				emit(ctx, ch, Chunk{Done: true})
			} else if ctx.Err() == nil {
				emit(ctx, ch, Chunk{Err: fmt.Errorf("failed to read chat stream: %w", readErr)})
			}
			return
		}
	}
}
