// Package companion – llm.go is the Anthropic Messages API client:
// request building, error classification, and the retry wrapper honoring
// Retry-After on 429 with exponential backoff on 5xx.
package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	anthropicVersion = "2023-06-01"
	defaultBaseURL   = "https://api.anthropic.com/v1"

	// DefaultMaxRetries bounds retry attempts for 429/5xx responses.
	DefaultMaxRetries = 3

	// DefaultBaseRetryDelay is the initial backoff, doubled per attempt.
	DefaultBaseRetryDelay = 1000 * time.Millisecond
)

// ModelSpec holds the per-tier provider parameters.
type ModelSpec struct {
	ID             string `yaml:"id"`
	MaxTokens      int    `yaml:"max_tokens"`
	ThinkingBudget int    `yaml:"thinking_budget"`
}

// LLMConfig configures the provider client.
type LLMConfig struct {
	APIKey         string                  `yaml:"-"`
	BaseURL        string                  `yaml:"base_url"`
	Models         map[ModelTier]ModelSpec `yaml:"models"`
	MaxRetries     int                     `yaml:"max_retries"`
	BaseRetryDelay time.Duration           `yaml:"base_retry_delay"`
	RequestTimeout time.Duration           `yaml:"request_timeout"`
}

// DefaultLLMConfig returns the standard tier table and retry policy.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL: defaultBaseURL,
		Models: map[ModelTier]ModelSpec{
			TierHaiku:  {ID: "claude-haiku-4-5", MaxTokens: 4096, ThinkingBudget: 0},
			TierSonnet: {ID: "claude-sonnet-4-5", MaxTokens: 8192, ThinkingBudget: 4096},
			TierOpus:   {ID: "claude-opus-4-5", MaxTokens: 8192, ThinkingBudget: 8192},
		},
		MaxRetries:     DefaultMaxRetries,
		BaseRetryDelay: DefaultBaseRetryDelay,
		RequestTimeout: 120 * time.Second,
	}
}

// ── Wire types (Anthropic Messages API) ──

type apiImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// apiBlock is one content block in either direction.
type apiBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *apiImageSource `json:"source,omitempty"`

	// tool_use (assistant → host)
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result (host → assistant)
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type apiMessage struct {
	Role    string     `json:"role"`
	Content []apiBlock `json:"content"`
}

// APIToolDef is a tool schema in provider wire format.
type APIToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type apiThinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	Tools     []APIToolDef `json:"tools,omitempty"`
	Thinking  *apiThinking `json:"thinking,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

type apiResponse struct {
	Content    []apiBlock `json:"content"`
	StopReason string     `json:"stop_reason"`
}

// LLMClient talks to the provider's /messages endpoint.
type LLMClient struct {
	cfg    LLMConfig
	http   *http.Client
	logger *slog.Logger
}

// NewLLMClient creates a client from config; zero fields get defaults.
func NewLLMClient(cfg LLMConfig, logger *slog.Logger) *LLMClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultLLMConfig().Models
	}
	return &LLMClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("component", "llm"),
	}
}

// ModelSpec resolves a tier to its provider parameters, defaulting to
// sonnet for unknown tiers.
func (c *LLMClient) ModelSpec(tier ModelTier) ModelSpec {
	if spec, ok := c.cfg.Models[tier]; ok {
		return spec
	}
	return c.cfg.Models[TierSonnet]
}

// apiError carries the HTTP failure surface for classification.
type apiError struct {
	status     int
	body       string
	retryAfter time.Duration // 0 when absent
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.status, truncate(e.body, 200))
}

// classify maps an apiError to an error kind per the propagation policy.
func (e *apiError) classify() ErrorKind {
	switch {
	case e.status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.status >= 500:
		return ErrUpstream
	case e.status == http.StatusRequestTimeout:
		return ErrTimeout
	case e.status == http.StatusBadRequest &&
		(strings.Contains(e.body, "context") || strings.Contains(e.body, "too long") ||
			strings.Contains(e.body, "prompt is too long")):
		return ErrContextTooLong
	case e.status == http.StatusBadRequest:
		return ErrInvalidInput
	default:
		return ErrTransient
	}
}

// complete performs a single non-streaming POST /messages call.
func (c *LLMClient) complete(ctx context.Context, req apiRequest) (*apiResponse, error) {
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

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewKindError(ErrTimeout, err)
		}
		return nil, NewKindError(ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ae := &apiError{status: resp.StatusCode, body: string(body)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				ae.retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, ae
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, NewKindError(ErrTransient, fmt.Errorf("decode response: %w", err))
	}
	return &parsed, nil
}

// completeWithRetry wraps complete with the retry policy: 429 honors
// Retry-After when present, 5xx backs off exponentially from the base
// delay, everything else propagates immediately.
func (c *LLMClient) completeWithRetry(ctx context.Context, req apiRequest) (*apiResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		ae, ok := err.(*apiError)
		if !ok {
			return nil, err
		}
		kind := ae.classify()
		if kind != ErrRateLimited && kind != ErrUpstream {
			return nil, NewKindError(kind, ae)
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.cfg.BaseRetryDelay * (1 << attempt)
		if kind == ErrRateLimited && ae.retryAfter > 0 {
			delay = ae.retryAfter
		}
		c.logger.Warn("provider error, retrying",
			"status", ae.status,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"delay", delay.String(),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewKindError(ErrTimeout, ctx.Err())
		}
	}

	if ae, ok := lastErr.(*apiError); ok {
		return nil, NewKindError(ae.classify(), ae)
	}
	return nil, lastErr
}

// firstText extracts the first text block of a response.
func firstText(resp *apiResponse) string {
	for _, b := range resp.Content {
		if b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

// toolUses extracts the tool_use blocks of a response, in order.
func toolUses(resp *apiResponse) []apiBlock {
	var uses []apiBlock
	for _, b := range resp.Content {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// toAPIMessages converts conversation messages to wire format.
func toAPIMessages(messages []Message) []apiMessage {
	out := make([]apiMessage, 0, len(messages))
	for _, m := range messages {
		am := apiMessage{Role: string(m.Role)}
		if len(m.Blocks) > 0 {
			for _, b := range m.Blocks {
				am.Content = append(am.Content, toAPIBlock(b))
			}
		} else {
			am.Content = []apiBlock{{Type: "text", Text: m.Content}}
		}
		out = append(out, am)
	}
	return out
}

func toAPIBlock(b Block) apiBlock {
	switch b.Type {
	case "image":
		return apiBlock{
			Type: "image",
			Source: &apiImageSource{
				Type:      "base64",
				MediaType: b.MediaType,
				Data:      b.Data,
			},
		}
	case "tool_use":
		return apiBlock{
			Type:  "tool_use",
			ID:    b.ToolUseID,
			Name:  b.ToolName,
			Input: json.RawMessage(b.ToolInput),
		}
	case "tool_result":
		return apiBlock{
			Type:      "tool_result",
			ToolUseID: b.ToolUseID,
			Content:   b.ToolResult,
		}
	default:
		return apiBlock{Type: "text", Text: b.Text}
	}
}

// fromAPIBlock converts a wire block back to the conversation model, for
// recording tool-use turns in session history.
func fromAPIBlock(b apiBlock) Block {
	switch b.Type {
	case "tool_use":
		return Block{
			Type:      "tool_use",
			ToolUseID: b.ID,
			ToolName:  b.Name,
			ToolInput: string(b.Input),
		}
	case "tool_result":
		return Block{
			Type:       "tool_result",
			ToolUseID:  b.ToolUseID,
			ToolResult: b.Content,
		}
	default:
		return Block{Type: "text", Text: b.Text}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
