// Package companion – agents.go runs background sub-agent tasks: one-off
// LLM calls under global and per-chat concurrency caps, with cancellation
// and TTL cleanup. The manager exclusively owns agent state; status
// transitions happen under its lock, and cancellation sets the status
// before aborting the in-flight request so a late success cannot race a
// cancel.
package companion

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxConcurrentAgents caps running agents process-wide.
	DefaultMaxConcurrentAgents = 10

	// DefaultMaxAgentsPerChat caps running agents per chat.
	DefaultMaxAgentsPerChat = 3

	// agentTTL purges finished agents and force-cancels stuck ones.
	agentTTL = 30 * time.Minute

	// agentSweepInterval is how often the cleanup pass runs.
	agentSweepInterval = 5 * time.Minute

	// subAgentSystemPrompt frames the background task for the model.
	subAgentSystemPrompt = "You are a background task runner. Complete the task below " +
		"and reply with a concise result. Do not ask follow-up questions."
)

// AgentStatus is the lifecycle state of a background agent.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// Agent is one background task. Only the manager mutates it.
type Agent struct {
	ID          string
	Task        string
	ChatID      int64
	Status      AgentStatus
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      string
	Err         string

	cancel context.CancelFunc
}

// AgentResultSink delivers an agent's outcome back to its chat.
type AgentResultSink func(chatID int64, agentID, text string)

// AgentManagerConfig tunes the concurrency caps.
type AgentManagerConfig struct {
	MaxConcurrent int       `yaml:"max_concurrent"`
	MaxPerChat    int       `yaml:"max_per_chat"`
	Tier          ModelTier `yaml:"tier"`
}

// DefaultAgentManagerConfig returns the standard caps.
func DefaultAgentManagerConfig() AgentManagerConfig {
	return AgentManagerConfig{
		MaxConcurrent: DefaultMaxConcurrentAgents,
		MaxPerChat:    DefaultMaxAgentsPerChat,
		Tier:          TierSonnet,
	}
}

// AgentManager owns the agent table and executes tasks.
type AgentManager struct {
	mu     sync.Mutex
	agents map[string]*Agent

	cfg    AgentManagerConfig
	orch   *Orchestrator
	sink   AgentResultSink
	logger *slog.Logger
}

// NewAgentManager wires the manager. sink may be nil to drop results.
func NewAgentManager(cfg AgentManagerConfig, orch *Orchestrator, sink AgentResultSink, logger *slog.Logger) *AgentManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentAgents
	}
	if cfg.MaxPerChat <= 0 {
		cfg.MaxPerChat = DefaultMaxAgentsPerChat
	}
	if cfg.Tier == "" {
		cfg.Tier = TierSonnet
	}
	return &AgentManager{
		agents: make(map[string]*Agent),
		cfg:    cfg,
		orch:   orch,
		sink:   sink,
		logger: logger.With("component", "agents"),
	}
}

// Spawn admits a new background agent for a chat and starts it.
// Rejects with QuotaExceeded when the chat already has MaxPerChat running
// agents; when the global cap is reached, the oldest agent is evicted
// (cancelled if still running) to admit the new one.
func (m *AgentManager) Spawn(ctx context.Context, task string, chatID int64) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", Errorf(ErrInvalidInput, "empty task")
	}

	m.mu.Lock()
	perChat := 0
	running := 0
	for _, a := range m.agents {
		if a.Status == AgentRunning {
			running++
			if a.ChatID == chatID {
				perChat++
			}
		}
	}
	if perChat >= m.cfg.MaxPerChat {
		m.mu.Unlock()
		return "", Errorf(ErrQuotaExceeded,
			"chat already has %d running agents", perChat)
	}
	if running >= m.cfg.MaxConcurrent {
		m.evictOldestLocked()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	agent := &Agent{
		ID:        uuid.NewString()[:8],
		Task:      task,
		ChatID:    chatID,
		Status:    AgentRunning,
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	m.agents[agent.ID] = agent
	m.mu.Unlock()

	m.logger.Info("agent spawned", "id", agent.ID, "chat_id", chatID)
	go m.run(runCtx, agent.ID, task, chatID)
	return agent.ID, nil
}

// evictOldestLocked cancels and removes the oldest running agent. Only
// running agents count against the global cap, so evicting a finished one
// would leave the cap exceeded. Caller holds m.mu.
func (m *AgentManager) evictOldestLocked() {
	var oldest *Agent
	for _, a := range m.agents {
		if a.Status != AgentRunning {
			continue
		}
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
			oldest = a
		}
	}
	if oldest == nil {
		return
	}
	oldest.Status = AgentCancelled
	oldest.CompletedAt = time.Now()
	if oldest.cancel != nil {
		oldest.cancel()
	}
	delete(m.agents, oldest.ID)
	m.logger.Info("agent evicted for capacity", "id", oldest.ID)
}

// run executes the agent's LLM call and records the outcome.
func (m *AgentManager) run(ctx context.Context, id, task string, chatID int64) {
	result, err := m.orch.RunTurn(
		ContextWithChatID(ctx, chatID),
		m.cfg.Tier,
		subAgentSystemPrompt,
		[]Message{NewMessage(RoleUser, task)},
	)

	m.mu.Lock()
	agent, ok := m.agents[id]
	if !ok || agent.Status != AgentRunning {
		// Cancelled or evicted while in flight; drop the outcome.
		m.mu.Unlock()
		return
	}
	if err != nil {
		agent.Status = AgentFailed
		agent.Err = err.Error()
	} else {
		agent.Status = AgentCompleted
		agent.Result = result.Text
	}
	agent.CompletedAt = time.Now()
	status := agent.Status
	text := agent.Result
	errText := agent.Err
	m.mu.Unlock()

	m.logger.Info("agent finished", "id", id, "status", status)
	if m.sink == nil {
		return
	}
	if status == AgentCompleted {
		m.sink(chatID, id, text)
	} else {
		m.sink(chatID, id, "background task failed: "+errText)
	}
}

// Cancel aborts a running agent. The status flips to cancelled before
// the abort fires.
func (m *AgentManager) Cancel(id string) error {
	m.mu.Lock()
	agent, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return Errorf(ErrNotFound, "no agent %q", id)
	}
	if agent.Status != AgentRunning {
		m.mu.Unlock()
		return Errorf(ErrInvalidInput, "agent %q is not running (%s)", id, agent.Status)
	}
	agent.Status = AgentCancelled
	agent.CompletedAt = time.Now()
	cancel := agent.cancel
	m.mu.Unlock()

	// Abort after releasing the lock and after the status write.
	if cancel != nil {
		cancel()
	}
	m.logger.Info("agent cancelled", "id", id)
	return nil
}

// Get returns a snapshot of an agent.
func (m *AgentManager) Get(id string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns snapshots of all agents for a chat (all chats when
// chatID is 0), newest first.
func (m *AgentManager) List(chatID int64) []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Agent
	for _, a := range m.agents {
		if chatID == 0 || a.ChatID == chatID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RunningCount returns the number of running agents for a chat.
func (m *AgentManager) RunningCount(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.agents {
		if a.Status == AgentRunning && a.ChatID == chatID {
			n++
		}
	}
	return n
}

// Sweep purges agents finished more than the TTL ago and force-cancels
// agents running longer than the TTL. Returns the number affected.
func (m *AgentManager) Sweep() int {
	cutoff := time.Now().Add(-agentTTL)

	m.mu.Lock()
	var stuck []context.CancelFunc
	affected := 0
	for id, a := range m.agents {
		switch {
		case a.Status != AgentRunning && !a.CompletedAt.IsZero() && a.CompletedAt.Before(cutoff):
			delete(m.agents, id)
			affected++
		case a.Status == AgentRunning && a.CreatedAt.Before(cutoff):
			a.Status = AgentCancelled
			a.CompletedAt = time.Now()
			if a.cancel != nil {
				stuck = append(stuck, a.cancel)
			}
			affected++
			m.logger.Warn("force-cancelling stuck agent", "id", id)
		}
	}
	m.mu.Unlock()

	for _, cancel := range stuck {
		cancel()
	}
	return affected
}

// StartSweeper runs Sweep periodically until stop is closed.
func (m *AgentManager) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(agentSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
