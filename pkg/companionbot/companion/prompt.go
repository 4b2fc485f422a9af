// Package companion – prompt.go assembles the system prompt. The section
// order is fixed so the model can address sections by heading; an active
// BOOTSTRAP.md short-circuits everything into onboarding mode.
package companion

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

const corePromptIdentity = `You are a personal companion living in a chat app.
You speak naturally and concisely, remember what matters, and act through
your tools when words are not enough. You are not a generic assistant; you
are this user's companion, shaped by the persona files below.`

const operatingGuidelines = `## Operating Guidelines
- Reply in the user's language.
- Keep answers short unless asked for depth; this is a chat, not a document.
- Use save_memory for durable facts about the user; use pin_context for
  things that must survive history trimming within this conversation.
- Prefer doing over describing: schedule reminders, search memory, fetch
  pages when asked, instead of telling the user how to.
- Never invent memory contents; search before you assert what you recall.`

const toolDoctrine = `## Tool Usage
Call tools when they advance the conversation; do not announce tool calls.
File and command access is restricted to the workspace; respect refusals.
Tool errors come back as text starting with "Error:" — adjust or tell the
user, do not retry the identical call.`

const bootstrapPreamble = `## First-Run Setup
The workspace contains an active bootstrap file. Follow its instructions to
interview the user and write the persona files. Ignore all other context
until bootstrap is complete.`

// PromptAssembler builds system prompts from the workspace and session
// state.
type PromptAssembler struct {
	workspace *Workspace
	sessions  *SessionStore
	tools     *ToolRegistry

	botName  string
	timezone string
}

// NewPromptAssembler wires the assembler. tools may be nil when composing
// prompts for tool-less calls.
func NewPromptAssembler(ws *Workspace, sessions *SessionStore, tools *ToolRegistry, botName, timezone string) *PromptAssembler {
	if botName == "" {
		botName = "companion"
	}
	return &PromptAssembler{
		workspace: ws,
		sessions:  sessions,
		tools:     tools,
		botName:   botName,
		timezone:  timezone,
	}
}

// Build returns the system prompt for one chat's next turn.
func (p *PromptAssembler) Build(chatID int64) string {
	snap := p.workspace.Load()

	// Onboarding short-circuit: bootstrap instructions replace the whole
	// prompt until the file is removed.
	if snap.Bootstrap != "" {
		return bootstrapPreamble + "\n\n" + snap.Bootstrap
	}

	var sb strings.Builder
	section := func(heading, body string) {
		if body == "" {
			return
		}
		sb.WriteString("## " + heading + "\n\n" + strings.TrimSpace(body) + "\n\n")
	}

	sb.WriteString(corePromptIdentity + "\n\n")
	section("Soul", snap.Soul)
	section("Identity", snap.Identity)
	section("About the User", snap.User)
	section("Runtime", p.runtimeContext())
	sb.WriteString(operatingGuidelines + "\n\n")
	section("Recent Days", snap.RecentDaily)
	section("Long-Term Memory", snap.Memory)

	if p.sessions != nil {
		section("Conversation Context", p.sessions.BuildContextForPrompt(chatID))
	}
	section("Tool Notes", snap.Tools)
	sb.WriteString(toolDoctrine + "\n")

	if len(snap.Truncated) > 0 {
		sb.WriteString("\nTruncated files (use read_file for the full text): " +
			strings.Join(snap.Truncated, ", ") + "\n")
	}
	return strings.TrimSpace(sb.String())
}

// runtimeContext is the current-time and host block.
func (p *PromptAssembler) runtimeContext() string {
	now := time.Now()
	if p.timezone != "" {
		if loc, err := time.LoadLocation(p.timezone); err == nil {
			now = now.In(loc)
		}
	}
	return fmt.Sprintf("Name: %s\nCurrent time: %s\nHost: %s/%s",
		p.botName, now.Format("Monday, 2006-01-02 15:04 MST"), runtime.GOOS, runtime.GOARCH)
}
