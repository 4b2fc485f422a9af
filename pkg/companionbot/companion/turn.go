// Package companion – turn.go drives LLM turns: the non-streaming
// tool-use iteration loop and the streaming variant that falls back to
// non-streaming when the model requests tools.
package companion

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

const (
	// MaxToolIterations bounds tool-use round-trips within one turn.
	MaxToolIterations = 10

	// toolIterationFallback is returned verbatim when the loop exhausts.
	toolIterationFallback = "I ran too many tool operations for a single message and had to stop. Try a narrower request."

	// maxToolResultChars truncates tool output fed back to the model.
	maxToolResultChars = 10_000
)

// ToolDispatcher executes a named tool with raw JSON input and returns
// the textual result. Policy violations and bad input come back as an
// error; the loop surfaces them to the model as "Error: ..." results.
type ToolDispatcher interface {
	ExecuteTool(ctx context.Context, name string, input json.RawMessage) (string, error)
	ToolDefs() []APIToolDef
}

// TurnResult is the outcome of one LLM turn. Intermediate holds the
// assistant tool-use turns and the user tool-result turns produced by the
// tool loop, in order, so callers can append them to history ahead of the
// final assistant text.
type TurnResult struct {
	Text         string
	UsedTools    bool
	Intermediate []Message
}

// Orchestrator runs LLM turns against a tool dispatcher.
type Orchestrator struct {
	llm    *LLMClient
	tools  ToolDispatcher
	logger *slog.Logger
}

// NewOrchestrator wires the turn runner. tools may be nil for tool-less
// turns (e.g. summarization).
func NewOrchestrator(llm *LLMClient, tools ToolDispatcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		llm:    llm,
		tools:  tools,
		logger: logger.With("component", "orchestrator"),
	}
}

// buildRequest assembles the provider request for a tier.
func (o *Orchestrator) buildRequest(tier ModelTier, system string, messages []Message, withTools, withThinking bool) apiRequest {
	spec := o.llm.ModelSpec(tier)
	req := apiRequest{
		Model:     spec.ID,
		MaxTokens: spec.MaxTokens,
		System:    system,
		Messages:  toAPIMessages(messages),
	}
	if withTools && o.tools != nil {
		req.Tools = o.tools.ToolDefs()
	}
	if withThinking && spec.ThinkingBudget > 0 {
		req.Thinking = &apiThinking{Type: "enabled", BudgetTokens: spec.ThinkingBudget}
	}
	return req
}

// RunTurn executes a non-streaming turn: submit, dispatch any requested
// tools in order, re-submit, up to MaxToolIterations. On exhaustion the
// fixed fallback string is returned without a further provider call.
func (o *Orchestrator) RunTurn(ctx context.Context, tier ModelTier, system string, messages []Message) (*TurnResult, error) {
	req := o.buildRequest(tier, system, messages, true, true)
	usedTools := false
	var intermediate []Message

	for iteration := 1; iteration <= MaxToolIterations; iteration++ {
		resp, err := o.llm.completeWithRetry(ctx, req)
		if err != nil {
			return nil, err
		}

		if resp.StopReason != "tool_use" {
			return &TurnResult{
				Text:         firstText(resp),
				UsedTools:    usedTools,
				Intermediate: intermediate,
			}, nil
		}

		usedTools = true
		uses := toolUses(resp)
		o.logger.Info("tool use requested",
			"iteration", iteration, "count", len(uses))

		// Append the assistant content as-is, then one user message
		// carrying all tool results in request order.
		req.Messages = append(req.Messages, apiMessage{
			Role:    "assistant",
			Content: resp.Content,
		})

		var asstBlocks []Block
		for _, b := range resp.Content {
			if b.Type == "text" || b.Type == "tool_use" {
				asstBlocks = append(asstBlocks, fromAPIBlock(b))
			}
		}
		intermediate = append(intermediate,
			Message{Role: RoleAssistant, Blocks: asstBlocks, Timestamp: time.Now()})

		results := make([]apiBlock, 0, len(uses))
		for _, use := range uses {
			results = append(results, apiBlock{
				Type:      "tool_result",
				ToolUseID: use.ID,
				Content:   o.dispatch(ctx, use),
			})
		}
		req.Messages = append(req.Messages, apiMessage{
			Role:    "user",
			Content: results,
		})

		resultBlocks := make([]Block, 0, len(results))
		for _, b := range results {
			resultBlocks = append(resultBlocks, fromAPIBlock(b))
		}
		intermediate = append(intermediate,
			Message{Role: RoleUser, Blocks: resultBlocks, Timestamp: time.Now()})
	}

	o.logger.Warn("tool iteration limit reached", "limit", MaxToolIterations)
	return &TurnResult{
		Text:         toolIterationFallback,
		UsedTools:    true,
		Intermediate: intermediate,
	}, nil
}

// dispatch runs one tool call and formats its result for the model.
// Errors become "Error: ..." strings so the model can decide how to
// proceed; output is truncated to the result budget.
func (o *Orchestrator) dispatch(ctx context.Context, use apiBlock) string {
	if o.tools == nil {
		return "Error: no tools available"
	}
	out, err := o.tools.ExecuteTool(ctx, use.Name, use.Input)
	if err != nil {
		o.logger.Warn("tool failed", "tool", use.Name, "error", err)
		return "Error: " + err.Error()
	}
	if len(out) > maxToolResultChars {
		out = out[:maxToolResultChars] + "\n... [truncated]"
	}
	return out
}

// RunTurnStreaming executes a streaming turn, invoking cb per text delta.
// When the stream ends in tool_use the accumulated text is discarded and
// the non-streaming loop runs to completion (UsedTools=true). Errors
// before the first streamed byte fall back to the non-streaming path;
// errors after it return the partial text with a generation-error marker.
func (o *Orchestrator) RunTurnStreaming(ctx context.Context, tier ModelTier, system string, messages []Message, cb StreamCallback) (*TurnResult, error) {
	req := o.buildRequest(tier, system, messages, true, false)

	result, err := o.llm.stream(ctx, req, cb)
	if err != nil {
		if result == nil || !result.started {
			o.logger.Warn("stream failed before output, falling back", "error", err)
			return o.RunTurn(ctx, tier, system, messages)
		}
		// Mid-stream failure is not retryable; salvage the partial text.
		if strings.TrimSpace(result.text) != "" {
			return &TurnResult{Text: result.text + " (error during generation)"}, nil
		}
		return nil, err
	}

	if result.stopReason == "tool_use" {
		// The streamed accumulation cannot satisfy the tool loop; rerun
		// non-streaming and use its final text.
		turn, err := o.RunTurn(ctx, tier, system, messages)
		if err != nil {
			return nil, err
		}
		turn.UsedTools = true
		return turn, nil
	}

	return &TurnResult{Text: result.text, UsedTools: false}, nil
}

// Summarizer returns a SummarizeFunc backed by the haiku tier, used by
// smart trim to condense older history.
func (o *Orchestrator) Summarizer(ctx context.Context) SummarizeFunc {
	return func(messages []Message) (string, error) {
		var sb strings.Builder
		for _, m := range messages {
			sb.WriteString(string(m.Role))
			sb.WriteString(": ")
			sb.WriteString(m.TextContent())
			sb.WriteString("\n")
		}
		system := "Summarize the conversation below in a few compact sentences. " +
			"Keep names, decisions, preferences, and open tasks. Answer with the summary only."
		req := o.buildRequest(TierHaiku, system,
			[]Message{NewMessage(RoleUser, sb.String())}, false, false)
		resp, err := o.llm.completeWithRetry(ctx, req)
		if err != nil {
			return "", err
		}
		return firstText(resp), nil
	}
}
