// Package companion – tools_runtime.go registers the tools backed by the
// runtime itself: memory writes and search, context pinning, reminders and
// cron jobs, and background agents. The chat id comes from the request
// context, so handlers never guess which conversation they serve.
package companion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/companionbot/pkg/companionbot/companion/memory"
	"github.com/jholhewres/companionbot/pkg/companionbot/scheduler"
)

const hybridSearchTopK = 5

// RegisterMemoryTools adds save_memory, search_memory, and pin_context.
func RegisterMemoryTools(reg *ToolRegistry, ws *Workspace, index *memory.HybridIndex, sessions *SessionStore) {
	reg.Register(ToolDef{
		Name:        "save_memory",
		Description: "Save a durable fact to long-term memory with a category tag.",
		InputSchema: objSchema(map[string]any{
			"content":  prop("string", "The fact to remember"),
			"category": prop("string", "Short category, e.g. preference, event, person"),
		}, "content"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		content, err := stringArg(args, "content")
		if err != nil {
			return "", err
		}
		category := optStringArg(args, "category", "note")
		if err := ws.AppendMemory(category, content); err != nil {
			return "", err
		}
		if index != nil {
			if err := index.ReindexAll(ws.Files().AllChunks()); err != nil {
				// The markdown append succeeded; a stale index self-heals on
				// the next reindex.
				return "saved (index refresh failed)", nil
			}
		}
		return "saved", nil
	})

	reg.Register(ToolDef{
		Name:        "search_memory",
		Description: "Search long-term memory. Combines keyword and semantic matching.",
		InputSchema: objSchema(map[string]any{
			"query": prop("string", "What to look for"),
		}, "query"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		query, err := stringArg(args, "query")
		if err != nil {
			return "", err
		}
		if index == nil {
			return "", Errorf(ErrInvalidInput, "memory index is not configured")
		}
		hits, err := index.HybridSearch(ctx, query, hybridSearchTopK)
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			return "no matching memories", nil
		}
		var sb strings.Builder
		for i, h := range hits {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, h.Source, strings.TrimSpace(h.Text))
		}
		return sb.String(), nil
	})

	reg.Register(ToolDef{
		Name: "pin_context",
		Description: "Pin a short note into every future prompt of this conversation. " +
			"Pins survive history trimming.",
		InputSchema: objSchema(map[string]any{
			"text": prop("string", "The note to pin"),
		}, "text"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		text, err := stringArg(args, "text")
		if err != nil {
			return "", err
		}
		chatID := ChatIDFromContext(ctx)
		if chatID == 0 {
			return "", Errorf(ErrInvalidInput, "no chat in scope")
		}
		if !sessions.PinContext(chatID, text, PinUser) {
			return "", Errorf(ErrQuotaExceeded, "pinned context budget is full")
		}
		return "pinned", nil
	})
}

// RegisterSchedulerTools adds reminder and cron management tools.
func RegisterSchedulerTools(reg *ToolRegistry, sched *scheduler.Scheduler, timezone string) {
	reg.Register(ToolDef{
		Name: "set_reminder",
		Description: "Set a reminder. Provide either minutes_from_now or an " +
			"absolute unix_ms timestamp.",
		InputSchema: objSchema(map[string]any{
			"text":             prop("string", "Reminder text delivered to the chat"),
			"minutes_from_now": prop("integer", "Fire after this many minutes"),
			"unix_ms":          prop("integer", "Absolute fire time in epoch milliseconds"),
		}, "text"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		text, err := stringArg(args, "text")
		if err != nil {
			return "", err
		}
		chatID := ChatIDFromContext(ctx)
		if chatID == 0 {
			return "", Errorf(ErrInvalidInput, "no chat in scope")
		}
		atMs := int64(optIntArg(args, "unix_ms", 0))
		if mins := optIntArg(args, "minutes_from_now", 0); mins > 0 {
			atMs = time.Now().Add(time.Duration(mins) * time.Minute).UnixMilli()
		}
		if atMs <= time.Now().UnixMilli() {
			return "", Errorf(ErrInvalidInput, "reminder time must be in the future")
		}
		job, err := sched.Add(scheduler.Job{
			ChatID:   chatID,
			Name:     "reminder",
			Kind:     scheduler.KindAt,
			AtMs:     atMs,
			Timezone: timezone,
			Payload:  scheduler.Payload{Kind: scheduler.PayloadReminder, Text: text},
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("reminder %s set for %s", job.ID,
			time.UnixMilli(atMs).Format("2006-01-02 15:04")), nil
	})

	reg.Register(ToolDef{
		Name:        "list_reminders",
		Description: "List this chat's scheduled reminders and recurring jobs.",
		InputSchema: objSchema(map[string]any{}),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		chatID := ChatIDFromContext(ctx)
		jobs := sched.List(chatID)
		if len(jobs) == 0 {
			return "nothing scheduled", nil
		}
		var sb strings.Builder
		for _, j := range jobs {
			next := "-"
			if j.NextRun != nil {
				next = j.NextRun.Format("2006-01-02 15:04")
			}
			state := "on"
			if !j.Enabled {
				state = "off"
			}
			fmt.Fprintf(&sb, "%s [%s/%s] %s — next %s\n", j.ID, j.Kind, state, describeJob(j), next)
		}
		return sb.String(), nil
	})

	reg.Register(ToolDef{
		Name:        "cancel_reminder",
		Description: "Cancel a scheduled reminder or job by id.",
		InputSchema: objSchema(map[string]any{
			"id": prop("string", "Job id from list_reminders"),
		}, "id"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return "", err
		}
		if err := sched.Remove(id); err != nil {
			return "", Errorf(ErrNotFound, "%v", err)
		}
		return "cancelled " + id, nil
	})

	reg.Register(ToolDef{
		Name: "add_cron_job",
		Description: "Schedule a recurring job with a five-field cron expression " +
			"(minute hour day-of-month month day-of-week).",
		InputSchema: objSchema(map[string]any{
			"cron":     prop("string", "Cron expression, e.g. '0 9 * * MON'"),
			"text":     prop("string", "Message or instruction to run on each fire"),
			"name":     prop("string", "Short job name"),
			"as_turn":  prop("boolean", "Run the text as a conversation turn instead of sending it verbatim"),
			"max_runs": prop("integer", "Auto-disable after this many fires (0 = unlimited)"),
		}, "cron", "text"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		expr, err := stringArg(args, "cron")
		if err != nil {
			return "", err
		}
		text, err := stringArg(args, "text")
		if err != nil {
			return "", err
		}
		chatID := ChatIDFromContext(ctx)
		if chatID == 0 {
			return "", Errorf(ErrInvalidInput, "no chat in scope")
		}
		payload := scheduler.Payload{Kind: scheduler.PayloadReminder, Text: text}
		if asTurn, _ := args["as_turn"].(bool); asTurn {
			payload.Kind = scheduler.PayloadAgentTurn
		}
		job, err := sched.Add(scheduler.Job{
			ChatID:   chatID,
			Name:     optStringArg(args, "name", "cron"),
			Kind:     scheduler.KindCron,
			CronExpr: expr,
			Timezone: timezone,
			MaxRuns:  optIntArg(args, "max_runs", 0),
			Payload:  payload,
		})
		if err != nil {
			return "", Errorf(ErrInvalidInput, "%v", err)
		}
		next := "-"
		if job.NextRun != nil {
			next = job.NextRun.Format("2006-01-02 15:04")
		}
		return fmt.Sprintf("cron job %s added, next run %s", job.ID, next), nil
	})
}

func describeJob(j scheduler.Job) string {
	switch j.Kind {
	case scheduler.KindCron:
		return fmt.Sprintf("%s (%s)", j.Name, j.CronExpr)
	case scheduler.KindEvery:
		return fmt.Sprintf("%s (every %s)", j.Name,
			time.Duration(j.IntervalMs)*time.Millisecond)
	default:
		if j.Payload.Text != "" {
			return j.Payload.Text
		}
		return j.Name
	}
}

// RegisterAgentTools adds spawn_agent, list_agents, and cancel_agent.
func RegisterAgentTools(reg *ToolRegistry, agents *AgentManager) {
	reg.Register(ToolDef{
		Name: "spawn_agent",
		Description: "Run a task in the background and deliver the result to this " +
			"chat when done. Use for slow research or multi-step work.",
		InputSchema: objSchema(map[string]any{
			"task": prop("string", "What the background agent should do"),
		}, "task"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		task, err := stringArg(args, "task")
		if err != nil {
			return "", err
		}
		chatID := ChatIDFromContext(ctx)
		if chatID == 0 {
			return "", Errorf(ErrInvalidInput, "no chat in scope")
		}
		id, err := agents.Spawn(ctx, task, chatID)
		if err != nil {
			return "", err
		}
		return "agent " + id + " started", nil
	})

	reg.Register(ToolDef{
		Name:        "list_agents",
		Description: "List this chat's background agents and their status.",
		InputSchema: objSchema(map[string]any{}),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		list := agents.List(ChatIDFromContext(ctx))
		if len(list) == 0 {
			return "no agents", nil
		}
		var sb strings.Builder
		for _, a := range list {
			fmt.Fprintf(&sb, "%s [%s] %s\n", a.ID, a.Status, truncate(a.Task, 80))
		}
		return sb.String(), nil
	})

	reg.Register(ToolDef{
		Name:        "cancel_agent",
		Description: "Cancel a running background agent by id.",
		InputSchema: objSchema(map[string]any{
			"id": prop("string", "Agent id from list_agents"),
		}, "id"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return "", err
		}
		if err := agents.Cancel(id); err != nil {
			return "", err
		}
		return "cancelled " + id, nil
	})
}
