// Package companion – runtime.go is the composition root. It builds the
// full object graph from a Config and a secret store; the CLI binds a
// channel on top and starts the loops.
package companion

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jholhewres/companionbot/pkg/companionbot/channels"
	"github.com/jholhewres/companionbot/pkg/companionbot/companion/memory"
	"github.com/jholhewres/companionbot/pkg/companionbot/scheduler"
)

// Runtime owns every long-lived component of the service.
type Runtime struct {
	Config    Config
	Logger    *slog.Logger
	Secrets   *SecretStore
	Workspace *Workspace
	Sessions  *SessionStore
	Index     *memory.HybridIndex
	LLM       *LLMClient
	Tools     *ToolRegistry
	Orch      *Orchestrator
	Agents    *AgentManager
	Scheduler *scheduler.Scheduler
	Prompts   *PromptAssembler
	Health    *Health
	Processes *ProcessManager

	// fire and sink are late-bound to the handler once a channel exists;
	// scheduler and agent manager are constructed before it.
	fireMu sync.RWMutex
	fireFn func(ctx context.Context, job scheduler.Job)
	sinkFn AgentResultSink

	stopPruner  chan struct{}
	stopSweeper chan struct{}
}

// NewRuntime builds the object graph. The returned runtime is idle until
// Start.
func NewRuntime(cfg Config, secrets *SecretStore, logger *slog.Logger) (*Runtime, error) {
	r := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Secrets: secrets,
		Health:  NewHealth(),
	}

	ws, err := NewWorkspace(cfg.WorkspaceDir, logger)
	if err != nil {
		return nil, err
	}
	r.Workspace = ws

	transcripts, err := NewTranscriptStore(ws.SessionsDir(), logger)
	if err != nil {
		return nil, err
	}
	r.Sessions = NewSessionStore(cfg.Session, transcripts, logger)

	var embedder memory.EmbeddingProvider
	if cfg.EmbeddingsURL != "" {
		embedder = memory.NewHTTPEmbedder(cfg.EmbeddingsURL, "", cfg.EmbeddingsModel, 0)
	} else {
		embedder = memory.NewHashEmbedder(0)
	}
	index, err := memory.NewHybridIndex(ws.IndexPath(), embedder, logger)
	if err != nil {
		return nil, err
	}
	r.Index = index
	if err := index.ReindexAll(ws.Files().AllChunks()); err != nil {
		logger.Warn("initial memory reindex failed", "error", err)
	}

	llmCfg := cfg.LLM
	llmCfg.APIKey = secrets.Get(SecretAnthropicAPIKey)
	if llmCfg.APIKey == "" {
		return nil, Errorf(ErrInvalidInput,
			"no Anthropic API key: run `companionbot secrets set %s`", SecretAnthropicAPIKey)
	}
	r.LLM = NewLLMClient(llmCfg, logger)

	r.Tools = NewToolRegistry(logger)
	r.Orch = NewOrchestrator(r.LLM, &countingDispatcher{inner: r.Tools, health: r.Health}, logger)
	r.Agents = NewAgentManager(cfg.Agents, r.Orch,
		func(chatID int64, agentID, text string) { r.deliverAgentResult(chatID, agentID, text) },
		logger)

	sched, err := scheduler.New(ws.JobsPath(),
		func(ctx context.Context, job scheduler.Job) { r.dispatchFire(ctx, job) },
		logger)
	if err != nil {
		return nil, err
	}
	r.Scheduler = sched

	r.Prompts = NewPromptAssembler(ws, r.Sessions, r.Tools, cfg.BotName, cfg.Timezone)
	r.Processes = NewProcessManager(logger)

	guard, err := NewPathGuard(cfg.WorkspaceDir, "/tmp")
	if err != nil {
		return nil, err
	}
	RegisterFileTools(r.Tools, guard)
	RegisterShellTools(r.Tools, r.Processes, cfg.WorkspaceDir, DefaultCommandTimeout)
	RegisterWebTools(r.Tools, secrets.Get(SecretBraveAPIKey), secrets.Get(SecretWeatherAPIKey))
	RegisterMemoryTools(r.Tools, ws, index, r.Sessions)
	RegisterSchedulerTools(r.Tools, sched, cfg.Timezone)
	RegisterAgentTools(r.Tools, r.Agents)

	return r, nil
}

// BindChannel creates the message handler for a transport and routes
// scheduler fires and agent results through its per-chat queues.
func (r *Runtime) BindChannel(ch channels.Channel) *Handler {
	h := NewHandler(ch, r.Sessions, r.Orch, r.Prompts, r.Scheduler, r.Agents, r.Health, r.Logger)
	RegisterChatCommands(h, CommandDeps{
		Sessions:  r.Sessions,
		Workspace: r.Workspace,
		Scheduler: r.Scheduler,
		Index:     r.Index,
		Secrets:   r.Secrets,
		Health:    r.Health,
		Orch:      r.Orch,
	})

	r.fireMu.Lock()
	r.fireFn = h.HandleSchedulerFire
	r.sinkFn = h.DeliverAgentResult
	r.fireMu.Unlock()
	return h
}

// Start launches the background loops: scheduler ticks, session pruning,
// and the agent sweeper.
func (r *Runtime) Start(ctx context.Context) {
	r.Scheduler.Start(ctx)
	r.stopPruner = make(chan struct{})
	r.Sessions.StartPruner(r.stopPruner)
	r.stopSweeper = make(chan struct{})
	r.Agents.StartSweeper(r.stopSweeper)
}

// Shutdown stops the loops and releases resources.
func (r *Runtime) Shutdown() {
	r.Scheduler.Stop()
	if r.stopPruner != nil {
		close(r.stopPruner)
	}
	if r.stopSweeper != nil {
		close(r.stopSweeper)
	}
	r.Processes.KillAll()
	if err := r.Index.Close(); err != nil {
		r.Logger.Warn("index close failed", "error", err)
	}
}

func (r *Runtime) dispatchFire(ctx context.Context, job scheduler.Job) {
	r.fireMu.RLock()
	fire := r.fireFn
	r.fireMu.RUnlock()
	if fire == nil {
		r.Logger.Warn("scheduler fire with no channel bound", "job", job.ID)
		return
	}
	fire(ctx, job)
}

func (r *Runtime) deliverAgentResult(chatID int64, agentID, text string) {
	r.fireMu.RLock()
	sink := r.sinkFn
	r.fireMu.RUnlock()
	if sink == nil {
		r.Logger.Warn("agent result with no channel bound", "agent", agentID)
		return
	}
	sink(chatID, agentID, text)
}

// countingDispatcher bumps the tool-call counter around the registry.
type countingDispatcher struct {
	inner  ToolDispatcher
	health *Health
}

func (c *countingDispatcher) ExecuteTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	c.health.RecordToolCall()
	return c.inner.ExecuteTool(ctx, name, input)
}

func (c *countingDispatcher) ToolDefs() []APIToolDef { return c.inner.ToolDefs() }
