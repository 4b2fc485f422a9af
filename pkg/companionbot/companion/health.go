// Package companion – health.go tracks in-process activity counters for
// the status surface and logs.
package companion

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Health holds monotonically increasing activity counters. All methods are
// safe for concurrent use.
type Health struct {
	startedAt time.Time

	messages  atomic.Int64
	errors    atomic.Int64
	llmCalls  atomic.Int64
	toolCalls atomic.Int64

	lastMessageUnix atomic.Int64
}

// NewHealth starts the uptime clock.
func NewHealth() *Health {
	return &Health{startedAt: time.Now()}
}

func (h *Health) RecordMessage() {
	h.messages.Add(1)
	h.lastMessageUnix.Store(time.Now().Unix())
}

func (h *Health) RecordError()    { h.errors.Add(1) }
func (h *Health) RecordLLMCall()  { h.llmCalls.Add(1) }
func (h *Health) RecordToolCall() { h.toolCalls.Add(1) }

// LastMessageAt returns the time of the most recent inbound message, or
// zero when none has arrived yet.
func (h *Health) LastMessageAt() time.Time {
	unix := h.lastMessageUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// Uptime returns time since process start.
func (h *Health) Uptime() time.Duration {
	return time.Since(h.startedAt).Round(time.Second)
}

// Status renders a short human-readable summary for /start.
func (h *Health) Status() string {
	return fmt.Sprintf("up %s · %d messages · %d llm calls · %d tool calls · %d errors",
		h.Uptime(), h.messages.Load(), h.llmCalls.Load(),
		h.toolCalls.Load(), h.errors.Load())
}
