// Package companion – heartbeat.go runs a periodic proactive turn during
// active hours: the model reviews memory and pending jobs, and anything it
// wants to say is delivered to the owner chat. HEARTBEAT_OK / NO_REPLY
// replies are swallowed.
package companion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// HeartbeatConfig configures the proactive heartbeat.
type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between ticks. Default 30 minutes.
	Interval time.Duration `yaml:"interval"`

	// ActiveStart/ActiveEnd bound the hours (local) the heartbeat may
	// message the user.
	ActiveStart int `yaml:"active_start"`
	ActiveEnd   int `yaml:"active_end"`

	// QuietAfter skips the tick when the user messaged recently; the
	// conversation is alive, no need to poke.
	QuietAfter time.Duration `yaml:"quiet_after"`
}

// DefaultHeartbeatConfig returns the standard off-by-default settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enabled:     false,
		Interval:    30 * time.Minute,
		ActiveStart: 9,
		ActiveEnd:   22,
		QuietAfter:  15 * time.Minute,
	}
}

// Heartbeat drives proactive turns for the owner chat.
type Heartbeat struct {
	cfg      HeartbeatConfig
	chatID   int64
	orch     *Orchestrator
	prompts  *PromptAssembler
	sessions *SessionStore
	health   *Health
	deliver  func(chatID int64, text string)
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewHeartbeat wires the heartbeat; deliver sends the proactive message.
func NewHeartbeat(
	cfg HeartbeatConfig,
	chatID int64,
	orch *Orchestrator,
	prompts *PromptAssembler,
	sessions *SessionStore,
	health *Health,
	deliver func(chatID int64, text string),
	logger *slog.Logger,
) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	return &Heartbeat{
		cfg:      cfg,
		chatID:   chatID,
		orch:     orch,
		prompts:  prompts,
		sessions: sessions,
		health:   health,
		deliver:  deliver,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Start launches the tick loop; a no-op when disabled or no owner chat is
// configured.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.cfg.Enabled || h.chatID == 0 {
		h.logger.Info("heartbeat disabled")
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.logger.Info("heartbeat started",
		"interval", h.cfg.Interval.String(),
		"active_hours", fmt.Sprintf("%02d:00-%02d:00", h.cfg.ActiveStart, h.cfg.ActiveEnd))

	go func() {
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.tick(hbCtx)
			case <-hbCtx.Done():
				h.logger.Info("heartbeat stopped")
				return
			}
		}
	}()
}

// Stop halts the loop.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	now := time.Now()
	if hour := now.Hour(); hour < h.cfg.ActiveStart || hour >= h.cfg.ActiveEnd {
		h.logger.Debug("outside active hours, skipping")
		return
	}
	if last := h.health.LastMessageAt(); !last.IsZero() && time.Since(last) < h.cfg.QuietAfter {
		h.logger.Debug("recent activity, skipping")
		return
	}

	prompt := fmt.Sprintf(`[HEARTBEAT at %s]

Review your memory and anything time-sensitive for the user. If there is
something worth saying proactively, write one concise message. If not,
respond with HEARTBEAT_OK.`, now.Format("2006-01-02 15:04"))

	turnCtx, cancel := context.WithTimeout(ContextWithChatID(ctx, h.chatID), 2*time.Minute)
	defer cancel()

	session := h.sessions.GetOrCreate(h.chatID)
	system := h.prompts.Build(h.chatID)
	result, err := h.orch.RunTurn(turnCtx, session.Model(), system,
		append(h.sessions.GetHistory(h.chatID), NewMessage(RoleUser, prompt)))
	if err != nil {
		h.logger.Error("heartbeat turn failed", "error", err)
		return
	}

	reply := strings.TrimSpace(result.Text)
	if reply == "" || strings.EqualFold(reply, "HEARTBEAT_OK") || strings.EqualFold(reply, "NO_REPLY") {
		h.logger.Debug("nothing to deliver")
		return
	}
	h.deliver(h.chatID, reply)
	h.sessions.AddMessage(h.chatID, NewMessage(RoleAssistant, reply))
	h.logger.Info("proactive message delivered", "length", len(reply))
}
