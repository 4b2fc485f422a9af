package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedLLM serves /messages from a fixed sequence of responses and
// counts the calls it receives.
type scriptedLLM struct {
	t         *testing.T
	responses []string // raw JSON bodies, served in order
	calls     atomic.Int32
	server    *httptest.Server
}

func newScriptedLLM(t *testing.T, responses ...string) *scriptedLLM {
	t.Helper()
	s := &scriptedLLM{t: t, responses: responses}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		n := int(s.calls.Add(1)) - 1
		if n >= len(s.responses) {
			t.Errorf("provider called %d times, only %d responses scripted", n+1, len(s.responses))
			http.Error(w, "out of script", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, s.responses[n])
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *scriptedLLM) client() *LLMClient {
	cfg := DefaultLLMConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = s.server.URL
	cfg.BaseRetryDelay = time.Millisecond
	return NewLLMClient(cfg, testLogger())
}

func textResponse(text string) string {
	return fmt.Sprintf(`{"content":[{"type":"text","text":%q}],"stop_reason":"end_turn"}`, text)
}

func toolUseResponse(id, name, input string) string {
	return fmt.Sprintf(`{"content":[{"type":"tool_use","id":%q,"name":%q,"input":%s}],"stop_reason":"tool_use"}`,
		id, name, input)
}

// recordingDispatcher implements ToolDispatcher over a map of handlers.
type recordingDispatcher struct {
	calls   []string
	results map[string]string
}

func (d *recordingDispatcher) ExecuteTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	d.calls = append(d.calls, name)
	if out, ok := d.results[name]; ok {
		return out, nil
	}
	return "", Errorf(ErrInvalidInput, "unknown tool %q", name)
}

func (d *recordingDispatcher) ToolDefs() []APIToolDef {
	return []APIToolDef{{Name: "save_memory", InputSchema: json.RawMessage(`{"type":"object"}`)}}
}

func TestRunTurnSimple(t *testing.T) {
	stub := newScriptedLLM(t, textResponse("hi"))
	orch := NewOrchestrator(stub.client(), nil, testLogger())

	result, err := orch.RunTurn(context.Background(), TierSonnet, "sys",
		[]Message{NewMessage(RoleUser, "hello")})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "hi" || result.UsedTools {
		t.Errorf("result = %+v, want {hi false}", result)
	}
	if stub.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", stub.calls.Load())
	}
}

func TestRunTurnToolUse(t *testing.T) {
	stub := newScriptedLLM(t,
		toolUseResponse("tu_1", "save_memory", `{"content":"likes tea","category":"preference"}`),
		textResponse("noted"),
	)
	disp := &recordingDispatcher{results: map[string]string{"save_memory": "saved"}}
	orch := NewOrchestrator(stub.client(), disp, testLogger())

	result, err := orch.RunTurn(context.Background(), TierSonnet, "sys",
		[]Message{NewMessage(RoleUser, "I like tea")})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "noted" || !result.UsedTools {
		t.Errorf("result = %+v, want {noted true}", result)
	}
	if len(disp.calls) != 1 || disp.calls[0] != "save_memory" {
		t.Errorf("dispatched tools = %v, want [save_memory]", disp.calls)
	}
	if stub.calls.Load() != 2 {
		t.Errorf("provider called %d times, want 2", stub.calls.Load())
	}

	// The tool round-trip comes back for history: the assistant's tool-use
	// turn and the user-side tool-result turn, elided for persistence.
	if len(result.Intermediate) != 2 {
		t.Fatalf("intermediate turns = %d, want 2", len(result.Intermediate))
	}
	asst, user := result.Intermediate[0], result.Intermediate[1]
	if asst.Role != RoleAssistant || user.Role != RoleUser {
		t.Errorf("intermediate roles = [%s %s], want [assistant user]", asst.Role, user.Role)
	}
	if got := asst.PersistedText(); got != "[tool: save_memory]" {
		t.Errorf("assistant turn persists as %q", got)
	}
	if got := user.PersistedText(); got != "[tool result]" {
		t.Errorf("tool-result turn persists as %q", got)
	}
}

func TestRunTurnToolErrorFedBack(t *testing.T) {
	stub := newScriptedLLM(t,
		toolUseResponse("tu_1", "no_such_tool", `{}`),
		textResponse("sorry"),
	)
	disp := &recordingDispatcher{}
	orch := NewOrchestrator(stub.client(), disp, testLogger())

	result, err := orch.RunTurn(context.Background(), TierSonnet, "",
		[]Message{NewMessage(RoleUser, "go")})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "sorry" {
		t.Errorf("text = %q, want sorry (tool errors go to the model, not the caller)", result.Text)
	}
}

func TestRunTurnIterationLimit(t *testing.T) {
	// The model asks for a tool every single time; the loop must stop at
	// exactly MaxToolIterations provider calls and return the fallback.
	responses := make([]string, MaxToolIterations)
	for i := range responses {
		responses[i] = toolUseResponse(fmt.Sprintf("tu_%d", i), "save_memory", `{}`)
	}
	stub := newScriptedLLM(t, responses...)
	disp := &recordingDispatcher{results: map[string]string{"save_memory": "ok"}}
	orch := NewOrchestrator(stub.client(), disp, testLogger())

	result, err := orch.RunTurn(context.Background(), TierSonnet, "",
		[]Message{NewMessage(RoleUser, "loop")})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != toolIterationFallback {
		t.Errorf("text = %q, want the fixed fallback", result.Text)
	}
	if !result.UsedTools {
		t.Error("UsedTools should be true")
	}
	if got := stub.calls.Load(); got != MaxToolIterations {
		t.Errorf("provider called %d times, want exactly %d", got, MaxToolIterations)
	}
}

func TestRetryOn429HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var sawRetryAfter atomic.Bool
	start := time.Now()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
			return
		}
		if time.Since(start) >= time.Second {
			sawRetryAfter.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, textResponse("ok"))
	}))
	defer server.Close()

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	cfg.BaseRetryDelay = time.Millisecond
	client := NewLLMClient(cfg, testLogger())

	resp, err := client.completeWithRetry(context.Background(),
		apiRequest{Model: "m", MaxTokens: 10, Messages: toAPIMessages([]Message{NewMessage(RoleUser, "x")})})
	if err != nil {
		t.Fatalf("completeWithRetry: %v", err)
	}
	if firstText(resp) != "ok" {
		t.Errorf("text = %q, want ok", firstText(resp))
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if !sawRetryAfter.Load() {
		t.Error("second attempt arrived before the Retry-After delay elapsed")
	}
}

func TestNoRetryOn400(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	cfg.BaseRetryDelay = time.Millisecond
	client := NewLLMClient(cfg, testLogger())

	_, err := client.completeWithRetry(context.Background(),
		apiRequest{Model: "m", MaxTokens: 10})
	if err == nil {
		t.Fatal("expected an error")
	}
	if KindOf(err) != ErrInvalidInput {
		t.Errorf("kind = %v, want InvalidInput", KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", calls.Load())
	}
}

func TestRetryExhaustionOn500(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	cfg.MaxRetries = 2
	cfg.BaseRetryDelay = time.Millisecond
	client := NewLLMClient(cfg, testLogger())

	_, err := client.completeWithRetry(context.Background(), apiRequest{Model: "m", MaxTokens: 1})
	if err == nil {
		t.Fatal("expected an error")
	}
	if KindOf(err) != ErrUpstream {
		t.Errorf("kind = %v, want Upstream", KindOf(err))
	}
	if calls.Load() != 3 { // initial + 2 retries
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

// sseBody renders provider stream events as an SSE payload.
func sseBody(events ...string) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString("data: " + e + "\n\n")
	}
	return sb.String()
}

func TestStreamingSimple(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"type":"content_block_start","content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
			`{"type":"message_stop"}`,
		))
	}))
	defer server.Close()

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	client := NewLLMClient(cfg, testLogger())
	orch := NewOrchestrator(client, nil, testLogger())

	var deltas, accumulated []string
	result, err := orch.RunTurnStreaming(context.Background(), TierSonnet, "",
		[]Message{NewMessage(RoleUser, "hi")},
		func(d, acc string) {
			deltas = append(deltas, d)
			accumulated = append(accumulated, acc)
		})
	if err != nil {
		t.Fatalf("RunTurnStreaming: %v", err)
	}
	if result.Text != "hello" || result.UsedTools {
		t.Errorf("result = %+v, want {hello false}", result)
	}
	if len(deltas) != 2 || deltas[0] != "hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v, want [hel lo]", deltas)
	}
	if accumulated[len(accumulated)-1] != "hello" {
		t.Errorf("final accumulated = %q, want hello", accumulated[len(accumulated)-1])
	}
}

func TestStreamingToolUseFallsBackToNonStreaming(t *testing.T) {
	var streamCalls, plainCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			streamCalls.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sseBody(
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":"th"}}`,
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":"ink"}}`,
				`{"type":"content_block_start","content_block":{"type":"tool_use"}}`,
				`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
				`{"type":"message_stop"}`,
			))
			return
		}
		plainCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if plainCalls.Load() == 1 {
			fmt.Fprint(w, toolUseResponse("tu_1", "save_memory", `{}`))
			return
		}
		fmt.Fprint(w, textResponse("done thinking"))
	}))
	defer server.Close()

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	client := NewLLMClient(cfg, testLogger())
	disp := &recordingDispatcher{results: map[string]string{"save_memory": "ok"}}
	orch := NewOrchestrator(client, disp, testLogger())

	var deltas []string
	result, err := orch.RunTurnStreaming(context.Background(), TierSonnet, "",
		[]Message{NewMessage(RoleUser, "hi")},
		func(d, acc string) { deltas = append(deltas, acc) })
	if err != nil {
		t.Fatalf("RunTurnStreaming: %v", err)
	}
	if len(deltas) != 2 || deltas[0] != "th" || deltas[1] != "think" {
		t.Errorf("observed accumulations = %v, want [th think]", deltas)
	}
	if !result.UsedTools {
		t.Error("UsedTools should be true after the tool_use fallback")
	}
	if result.Text != "done thinking" {
		t.Errorf("text = %q, want the non-streaming rerun's final text", result.Text)
	}
	if streamCalls.Load() != 1 || plainCalls.Load() != 2 {
		t.Errorf("calls = %d stream / %d plain, want 1/2", streamCalls.Load(), plainCalls.Load())
	}
}

func TestStreamingErrorBeforeOutputFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, textResponse("plain ok"))
	}))
	defer server.Close()

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	cfg.BaseRetryDelay = time.Millisecond
	client := NewLLMClient(cfg, testLogger())
	orch := NewOrchestrator(client, nil, testLogger())

	result, err := orch.RunTurnStreaming(context.Background(), TierSonnet, "",
		[]Message{NewMessage(RoleUser, "hi")}, nil)
	if err != nil {
		t.Fatalf("RunTurnStreaming: %v", err)
	}
	if result.Text != "plain ok" {
		t.Errorf("text = %q, want the non-streaming fallback result", result.Text)
	}
}

func TestStreamingMidStreamErrorReturnsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
			`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`,
		))
	}))
	defer server.Close()

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	client := NewLLMClient(cfg, testLogger())
	orch := NewOrchestrator(client, nil, testLogger())

	result, err := orch.RunTurnStreaming(context.Background(), TierSonnet, "",
		[]Message{NewMessage(RoleUser, "hi")}, nil)
	if err != nil {
		t.Fatalf("partial text should be salvaged, got error %v", err)
	}
	if result.Text != "partial (error during generation)" {
		t.Errorf("text = %q, want the partial with the generation-error marker", result.Text)
	}
}

func TestSummarizer(t *testing.T) {
	stub := newScriptedLLM(t, textResponse("they discussed tea"))
	orch := NewOrchestrator(stub.client(), nil, testLogger())

	summary, err := orch.Summarizer(context.Background())([]Message{
		NewMessage(RoleUser, "I like tea"),
		NewMessage(RoleAssistant, "noted"),
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary != "they discussed tea" {
		t.Errorf("summary = %q", summary)
	}
}
