// Package companion – commands.go is the slash-command surface. Commands
// run on the same per-chat queue as conversation turns, so they see a
// quiescent session.
package companion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/companionbot/pkg/companionbot/companion/memory"
	"github.com/jholhewres/companionbot/pkg/companionbot/scheduler"
)

// resetConfirmWindow is how long a /reset stays confirmable.
const resetConfirmWindow = 2 * time.Minute

// CommandDeps carries everything the command handlers touch.
type CommandDeps struct {
	Sessions  *SessionStore
	Workspace *Workspace
	Scheduler *scheduler.Scheduler
	Index     *memory.HybridIndex
	Secrets   *SecretStore
	Health    *Health
	Orch      *Orchestrator
}

// RegisterChatCommands binds the full command surface onto a handler.
func RegisterChatCommands(h *Handler, deps CommandDeps) {
	var (
		resetMu      sync.Mutex
		pendingReset = make(map[int64]time.Time)
	)

	h.RegisterCommand("start", func(ctx context.Context, chatID int64, args string) string {
		return "hey! I'm here.\n" + deps.Health.Status()
	})

	h.RegisterCommand("compact", func(ctx context.Context, chatID int64, args string) string {
		before := EstimateMessageTokens(deps.Sessions.GetHistory(chatID))
		deps.Sessions.SmartTrim(chatID, deps.Orch.Summarizer(ctx))
		deps.Sessions.TrimByTokens(chatID)
		after := EstimateMessageTokens(deps.Sessions.GetHistory(chatID))
		return fmt.Sprintf("compacted: ~%d → ~%d tokens", before, after)
	})

	h.RegisterCommand("memory", func(ctx context.Context, chatID int64, args string) string {
		longTerm := deps.Workspace.Files().ReadLongTerm()
		if strings.TrimSpace(longTerm) == "" {
			return "long-term memory is empty"
		}
		if len(longTerm) > 3000 {
			longTerm = longTerm[len(longTerm)-3000:]
		}
		return "## Long-Term Memory (tail)\n" + longTerm
	})

	h.RegisterCommand("model", func(ctx context.Context, chatID int64, args string) string {
		session := deps.Sessions.GetOrCreate(chatID)
		if args == "" {
			return fmt.Sprintf("current model tier: %s (haiku | sonnet | opus)", session.Model())
		}
		tier := ModelTier(strings.ToLower(strings.TrimSpace(args)))
		switch tier {
		case TierHaiku, TierSonnet, TierOpus:
			session.SetModel(tier)
			return "model tier set to " + string(tier)
		default:
			return "unknown tier; pick one of: haiku, sonnet, opus"
		}
	})

	h.RegisterCommand("reset", func(ctx context.Context, chatID int64, args string) string {
		resetMu.Lock()
		pendingReset[chatID] = time.Now()
		resetMu.Unlock()
		return "this deletes the conversation history and its log. " +
			"Run /confirm_reset within 2 minutes to proceed."
	})

	h.RegisterCommand("confirm_reset", func(ctx context.Context, chatID int64, args string) string {
		resetMu.Lock()
		asked, ok := pendingReset[chatID]
		delete(pendingReset, chatID)
		resetMu.Unlock()
		if !ok || time.Since(asked) > resetConfirmWindow {
			return "nothing to confirm; run /reset first"
		}
		if err := deps.Sessions.ClearSession(chatID); err != nil {
			return "reset failed: " + FriendlyMessage(err)
		}
		return "conversation reset"
	})

	h.RegisterCommand("reminders", func(ctx context.Context, chatID int64, args string) string {
		jobs := deps.Scheduler.List(chatID)
		if len(jobs) == 0 {
			return "nothing scheduled"
		}
		var sb strings.Builder
		sb.WriteString("scheduled:\n")
		for _, j := range jobs {
			next := "-"
			if j.NextRun != nil {
				next = j.NextRun.Format("Mon 02 Jan 15:04")
			}
			fmt.Fprintf(&sb, "• %s [%s] %s — next %s\n", j.ID, j.Kind, describeJob(j), next)
		}
		return sb.String()
	})

	h.RegisterCommand("calendar", func(ctx context.Context, chatID int64, args string) string {
		credsPath := filepath.Join(deps.Workspace.Dir(), "google-credentials.json")
		if _, err := os.Stat(credsPath); err != nil {
			return "calendar is not set up; run /calendar_setup"
		}
		return "calendar credentials are present; ask me about your schedule"
	})

	h.RegisterCommand("setup", func(ctx context.Context, chatID int64, args string) string {
		if deps.Workspace.BootstrapActive() {
			return "setup is in progress — just keep talking to me and I'll " +
				"interview you to fill in the persona files."
		}
		var missing []string
		for _, name := range []string{FileIdentity, FileSoul, FileUser} {
			if _, err := os.Stat(filepath.Join(deps.Workspace.Dir(), name)); err != nil {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return "workspace is fully set up (" + deps.Workspace.Dir() + ")"
		}
		return "missing persona files: " + strings.Join(missing, ", ") +
			" — create them in " + deps.Workspace.Dir()
	})

	h.RegisterCommand("weather_setup", func(ctx context.Context, chatID int64, args string) string {
		key := strings.TrimSpace(args)
		if key == "" {
			return "usage: /weather_setup <openweathermap-api-key>"
		}
		if err := deps.Secrets.Set(SecretWeatherAPIKey, key); err != nil {
			return "could not store the key: " + FriendlyMessage(err)
		}
		return "weather key saved; restart to pick it up"
	})

	h.RegisterCommand("calendar_setup", func(ctx context.Context, chatID int64, args string) string {
		fields := strings.Fields(args)
		if len(fields) != 2 {
			return "usage: /calendar_setup <clientId> <clientSecret>\n" +
				"Create an OAuth client in Google Cloud Console first."
		}
		creds := fmt.Sprintf(`{"installed":{"client_id":%q,"client_secret":%q}}`,
			fields[0], fields[1])
		path := filepath.Join(deps.Workspace.Dir(), "google-credentials.json")
		if err := os.WriteFile(path, []byte(creds), 0o600); err != nil {
			return "could not write credentials: " + err.Error()
		}
		return "calendar credentials saved to " + path
	})
}
