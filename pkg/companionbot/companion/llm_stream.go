// Package companion – llm_stream.go implements the SSE streaming path of
// the Messages API. Streaming never retries after the first byte; errors
// before any output fall back to the non-streaming path.
package companion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StreamCallback receives each text delta together with the accumulated
// text so far.
type StreamCallback func(delta, accumulated string)

// streamResult is the terminal state of a streaming call.
type streamResult struct {
	text       string
	stopReason string
	started    bool // at least one byte was streamed
}

// sseEvent mirrors the provider's streaming event envelope. Only the
// fields the accumulator needs are decoded.
type sseEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
	} `json:"content_block"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// stream performs a streaming /messages call, invoking cb per text delta.
func (c *LLMClient) stream(ctx context.Context, req apiRequest, cb StreamCallback) (*streamResult, error) {
	req.Stream = true
	req.Thinking = nil // thinking is disabled on the streaming path

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	// No client timeout here: the context bounds the call, and streams
	// legitimately outlive the non-streaming request timeout.
	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		return nil, NewKindError(ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apiError{status: resp.StatusCode, body: string(body)}
	}

	result := &streamResult{}
	var accumulated strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug("skipping unparseable stream event", "error", err)
			continue
		}

		switch ev.Type {
		case "content_block_start":
			result.started = true
			if ev.ContentBlock.Type == "tool_use" {
				// Tool input streams as input_json_delta; the loop is
				// restarted non-streaming, so the payload is not tracked.
				result.stopReason = "tool_use"
			}
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				result.started = true
				accumulated.WriteString(ev.Delta.Text)
				if cb != nil {
					cb(ev.Delta.Text, accumulated.String())
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				result.stopReason = ev.Delta.StopReason
			}
		case "error":
			result.text = accumulated.String()
			return result, NewKindError(ErrUpstream,
				fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message))
		case "message_stop":
			result.text = accumulated.String()
			return result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		result.text = accumulated.String()
		return result, NewKindError(ErrTransient, fmt.Errorf("stream read: %w", err))
	}

	result.text = accumulated.String()
	return result, nil
}
