package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/deskchat/internal/config"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/events"
	"github.com/harun/deskchat/pkg/gateway"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// rpcClient calls the daemon gateway.
type rpcClient struct {
	addr   string
	secret string
	http   *http.Client
}

func newRPCClient(cfg *config.Config) *rpcClient {
	target := strings.TrimSpace(addr)
	if target == "" {
		target = cfg.Gateway.Addr()
	}
	return &rpcClient{
		addr:   target,
		secret: cfg.Gateway.SharedSecret,
		http:   &http.Client{Timeout: 10 * time.Minute},
	}
}

func newRequest(method string, params interface{}) (gateway.RPCRequest, error) {
	req := gateway.RPCRequest{JSONRPC: "2.0", Method: method}
	id, err := gonanoid.New()
	if err != nil {
		return req, fmt.Errorf("failed to generate request id: %w", err)
	}
	req.ID = id
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return req, fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// Call posts one request to /rpc and decodes the result into out. RPC
// failures are returned as *gateway.RPCError.
func (c *rpcClient) Call(ctx context.Context, method string, params, out interface{}) error {
	req, err := newRequest(method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Trace-Id", tracing.NewTraceID())
	if c.secret != "" {
		httpReq.Header.Set(gateway.SecretHeader, c.secret)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var rpcResp struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// streamSend opens a WebSocket session, issues chat.send_stream and calls
// onEvent for every event of the new assistant message until it is done.
func (c *rpcClient) streamSend(ctx context.Context, params interface{}, onEvent func(events.ChatStreamEvent)) (string, error) {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	if err := c.authenticate(conn); err != nil {
		return "", err
	}

	req, err := newRequest("chat.send_stream", params)
	if err != nil {
		return "", err
	}
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	var messageID string
	var pending []events.ChatStreamEvent
	for {
		var frame struct {
			ID     string            `json:"id"`
			Result json.RawMessage   `json:"result"`
			Error  *gateway.RPCError `json:"error"`
			Event  string            `json:"event"`
			Data   json.RawMessage   `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return messageID, ctx.Err()
			}
			return messageID, fmt.Errorf("connection closed: %w", err)
		}

		switch {
		case frame.ID == req.ID:
			if frame.Error != nil {
				return "", frame.Error
			}
			var ack struct {
				AssistantMessageID string `json:"assistant_message_id"`
			}
			if err := json.Unmarshal(frame.Result, &ack); err != nil {
				return "", fmt.Errorf("failed to decode ack: %w", err)
			}
			messageID = ack.AssistantMessageID
			// Events can overtake the ack.
			for _, evt := range pending {
				if evt.MessageID == messageID {
					onEvent(evt)
					if evt.Done {
						return messageID, nil
					}
				}
			}
			pending = nil

		case frame.Event == events.StreamEventName:
			var evt events.ChatStreamEvent
			if err := json.Unmarshal(frame.Data, &evt); err != nil {
				continue
			}
			if messageID == "" {
				pending = append(pending, evt)
				continue
			}
			if evt.MessageID != messageID {
				continue
			}
			onEvent(evt)
			if evt.Done {
				return messageID, nil
			}

		case frame.Event == "server.shutdown":
			return messageID, fmt.Errorf("daemon is shutting down")
		}
	}
}

// authenticate completes the gateway handshake.
func (c *rpcClient) authenticate(conn *websocket.Conn) error {
	var first struct {
		Event     string `json:"event"`
		Challenge string `json:"challenge"`
		Message   string `json:"message"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		return fmt.Errorf("failed to read handshake: %w", err)
	}

	switch first.Event {
	case "auth.success":
		return nil
	case "auth.challenge":
		if c.secret == "" {
			return fmt.Errorf("daemon requires gateway.shared_secret")
		}
	default:
		return fmt.Errorf("unexpected handshake event %q", first.Event)
	}

	signature := gateway.NewAuthHandler(c.secret).Sign(first.Challenge)
	if err := conn.WriteJSON(gateway.AuthResponse{Method: "auth.response", Signature: signature}); err != nil {
		return fmt.Errorf("failed to send auth response: %w", err)
	}

	var result gateway.AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("authentication failed: %s", result.Message)
	}
	return nil
}
