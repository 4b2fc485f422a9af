// Package companion – handler.go is the glue between a chat transport and
// the runtime. Messages within one chat are processed strictly in arrival
// order through a per-chat queue; chats run concurrently. Scheduler fires
// enter the same queues as user turns.
package companion

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/companionbot/pkg/companionbot/channels"
	"github.com/jholhewres/companionbot/pkg/companionbot/scheduler"
)

const (
	// maxURLsPerTurn bounds page fetches triggered by links in a message.
	maxURLsPerTurn = 3

	// maxImageBytes rejects oversized inbound photos before download.
	maxImageBytes = 10 << 20

	// streamEditInterval throttles message edits during streaming.
	streamEditInterval = 1500 * time.Millisecond

	// chatQueueIdleTimeout stops a chat's worker after this much silence.
	chatQueueIdleTimeout = 10 * time.Minute

	defaultPhotoCaption = "what's in this photo?"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// CommandFunc handles one slash command. args is the text after the
// command name; the returned string is sent to the chat.
type CommandFunc func(ctx context.Context, chatID int64, args string) string

// Handler routes inbound messages to the runtime.
type Handler struct {
	channel  channels.Channel
	sessions *SessionStore
	orch     *Orchestrator
	prompts  *PromptAssembler
	sched    *scheduler.Scheduler
	agents   *AgentManager
	health   *Health
	logger   *slog.Logger

	commands map[string]CommandFunc

	mu     sync.Mutex
	queues map[int64]chan func()
	wg     sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHandler wires the message pipeline. Commands are registered
// separately via RegisterCommand.
func NewHandler(
	ch channels.Channel,
	sessions *SessionStore,
	orch *Orchestrator,
	prompts *PromptAssembler,
	sched *scheduler.Scheduler,
	agents *AgentManager,
	health *Health,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		channel:  ch,
		sessions: sessions,
		orch:     orch,
		prompts:  prompts,
		sched:    sched,
		agents:   agents,
		health:   health,
		logger:   logger.With("component", "handler"),
		commands: make(map[string]CommandFunc),
		queues:   make(map[int64]chan func()),
		stop:     make(chan struct{}),
	}
}

// RegisterCommand binds a slash command name (without the slash).
func (h *Handler) RegisterCommand(name string, fn CommandFunc) {
	h.commands[name] = fn
}

// Run consumes the channel's inbound stream until ctx is cancelled or the
// stream closes, then waits for in-flight turns.
func (h *Handler) Run(ctx context.Context) {
	defer func() {
		h.stopOnce.Do(func() { close(h.stop) })
		h.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-h.channel.Receive():
			if !ok {
				return
			}
			h.dispatch(ctx, msg)
		}
	}
}

// dispatch enqueues one inbound message onto its chat's serial queue.
func (h *Handler) dispatch(ctx context.Context, msg channels.Message) {
	chatID := msg.ChatID
	h.enqueue(chatID, func() {
		turnCtx := ContextWithChatID(ctx, chatID)
		switch {
		case msg.Command != "":
			h.handleCommand(turnCtx, chatID, msg.Command, msg.Args)
		case msg.Photo != nil:
			h.handlePhoto(turnCtx, chatID, msg.Photo)
		case strings.TrimSpace(msg.Text) != "":
			h.handleText(turnCtx, chatID, msg.Text)
		}
	})
}

// HandleSchedulerFire adapts the handler as the scheduler's execution
// target; fires enter the same per-chat queue as user turns.
func (h *Handler) HandleSchedulerFire(ctx context.Context, job scheduler.Job) {
	if job.ChatID == 0 {
		return
	}
	h.enqueue(job.ChatID, func() {
		turnCtx := ContextWithChatID(ctx, job.ChatID)
		switch job.Payload.Kind {
		case scheduler.PayloadReminder:
			h.send(job.ChatID, "⏰ "+job.Payload.Text)
		case scheduler.PayloadAgentTurn, scheduler.PayloadBriefing, scheduler.PayloadHeartbeat:
			text := job.Payload.Text
			if text == "" && job.Payload.Kind == scheduler.PayloadBriefing {
				text = "Give me a short briefing for today based on memory and scheduled jobs."
			}
			if text == "" {
				return
			}
			h.handleText(turnCtx, job.ChatID, text)
		}
	})
}

// DeliverAgentResult is the AgentManager sink: results enter the chat's
// queue so they cannot interleave a user turn mid-flight.
func (h *Handler) DeliverAgentResult(chatID int64, agentID, text string) {
	h.enqueue(chatID, func() {
		h.send(chatID, "🤖 agent "+agentID+": "+text)
		h.sessions.AddMessage(chatID, NewMessage(RoleAssistant, "[agent "+agentID+"] "+text))
	})
}

// enqueue adds work to the chat's serial queue, starting a worker on
// first use. Workers exit after an idle timeout.
func (h *Handler) enqueue(chatID int64, fn func()) {
	h.mu.Lock()
	q, ok := h.queues[chatID]
	if !ok {
		q = make(chan func(), 32)
		h.queues[chatID] = q
		h.wg.Add(1)
		go h.drain(chatID, q)
	}
	h.mu.Unlock()

	select {
	case q <- fn:
	default:
		// Queue full: the chat is flooding; drop with a log line rather
		// than blocking the inbound loop.
		h.logger.Warn("chat queue full, dropping message", "chat_id", chatID)
	}
}

func (h *Handler) drain(chatID int64, q chan func()) {
	defer h.wg.Done()
	idle := time.NewTimer(chatQueueIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case fn := <-q:
			fn()
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(chatQueueIdleTimeout)
		case <-idle.C:
			h.mu.Lock()
			// Re-check under the lock; a racing enqueue may have won.
			if len(q) == 0 {
				delete(h.queues, chatID)
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()
			idle.Reset(chatQueueIdleTimeout)
		case <-h.stop:
			// Shutdown: finish whatever is already queued, then exit.
			for {
				select {
				case fn := <-q:
					fn()
				default:
					h.mu.Lock()
					delete(h.queues, chatID)
					h.mu.Unlock()
					return
				}
			}
		}
	}
}

// handleText runs one conversational turn.
func (h *Handler) handleText(ctx context.Context, chatID int64, text string) {
	h.health.RecordMessage()
	_ = h.channel.SendTyping(chatID)

	if hint := DetectImportantContext(text); hint != "" {
		if h.sessions.PinContext(chatID, hint, PinAuto) {
			h.logger.Debug("auto-pinned context", "chat_id", chatID)
		}
	}

	// The persisted history holds the user's words only; fetched page
	// bodies ride along in the API-bound copy for this turn.
	h.sessions.AddMessage(chatID, NewMessage(RoleUser, text))
	apiMessages := h.sessions.GetHistory(chatID)
	if fetched := h.fetchLinkedPages(ctx, text); fetched != "" {
		last := apiMessages[len(apiMessages)-1]
		last.Content += "\n\n[linked pages]\n" + fetched
		apiMessages[len(apiMessages)-1] = last
	}

	session := h.sessions.GetOrCreate(chatID)
	system := h.prompts.Build(chatID)

	edits := h.newStreamSink(chatID)
	result, err := h.orch.RunTurnStreaming(ctx, session.Model(), system, apiMessages, edits.onDelta)
	h.health.RecordLLMCall()
	if err != nil {
		h.failTurn(chatID, err)
		return
	}

	edits.finish(result.Text)
	// Tool-use round-trips land in history (and the transcript, elided)
	// ahead of the final reply.
	for _, m := range result.Intermediate {
		h.sessions.AddMessage(chatID, m)
	}
	h.sessions.AddMessage(chatID, NewMessage(RoleAssistant, result.Text))
	h.sessions.SmartTrim(chatID, h.orch.Summarizer(ctx))
}

// handlePhoto runs a non-streaming multimodal turn.
func (h *Handler) handlePhoto(ctx context.Context, chatID int64, photo *channels.Photo) {
	h.health.RecordMessage()
	_ = h.channel.SendTyping(chatID)

	caption := photo.Caption
	if strings.TrimSpace(caption) == "" {
		caption = defaultPhotoCaption
	}

	data, mediaType, err := h.downloadPhoto(ctx, photo)
	if err != nil {
		h.failTurn(chatID, err)
		return
	}

	userMsg := NewMessage(RoleUser, caption)
	userMsg.Blocks = []Block{
		ImageBlock(mediaType, data),
		TextBlock(caption),
	}
	h.sessions.AddMessage(chatID, userMsg)

	session := h.sessions.GetOrCreate(chatID)
	system := h.prompts.Build(chatID)
	apiMessages := h.sessions.GetHistory(chatID)
	apiMessages[len(apiMessages)-1] = userMsg // blocks are not persisted

	result, err := h.orch.RunTurn(ctx, session.Model(), system, apiMessages)
	h.health.RecordLLMCall()
	if err != nil {
		h.failTurn(chatID, err)
		return
	}

	h.send(chatID, result.Text)
	for _, m := range result.Intermediate {
		h.sessions.AddMessage(chatID, m)
	}
	h.sessions.AddMessage(chatID, NewMessage(RoleAssistant, result.Text))
	h.sessions.SmartTrim(chatID, h.orch.Summarizer(ctx))
}

// downloadPhoto resolves and fetches an inbound photo, enforcing the size
// cap before and after download.
func (h *Handler) downloadPhoto(ctx context.Context, photo *channels.Photo) (base64Data, mediaType string, err error) {
	if photo.Size > maxImageBytes {
		return "", "", Errorf(ErrInvalidInput, "image too large (%d bytes, max %d)", photo.Size, maxImageBytes)
	}
	url, size, err := h.channel.GetFile(photo.FileID)
	if err != nil {
		return "", "", Errorf(ErrTransient, "resolve photo: %v", err)
	}
	if size > maxImageBytes {
		return "", "", Errorf(ErrInvalidInput, "image too large (%d bytes, max %d)", size, maxImageBytes)
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", Errorf(ErrTransient, "build photo request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", Errorf(ErrTransient, "download photo: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", "", Errorf(ErrTransient, "read photo: %v", err)
	}
	if len(raw) > maxImageBytes {
		return "", "", Errorf(ErrInvalidInput, "image too large (max %d bytes)", maxImageBytes)
	}

	mediaType = http.DetectContentType(raw)
	if !strings.HasPrefix(mediaType, "image/") {
		return "", "", Errorf(ErrInvalidInput, "file is not an image (%s)", mediaType)
	}
	return base64.StdEncoding.EncodeToString(raw), mediaType, nil
}

// fetchLinkedPages pulls up to three URLs out of the text and fetches
// them in parallel through the SSRF guard.
func (h *Handler) fetchLinkedPages(ctx context.Context, text string) string {
	urls := urlRe.FindAllString(text, maxURLsPerTurn)
	if len(urls) == 0 {
		return ""
	}

	results := make([]string, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			page, err := FetchPage(ctx, u)
			if err != nil {
				h.logger.Debug("link fetch failed", "url", u, "error", err)
				return
			}
			results[i] = "--- " + u + " ---\n" + page
		}(i, u)
	}
	wg.Wait()

	var kept []string
	for _, r := range results {
		if r != "" {
			kept = append(kept, r)
		}
	}
	return strings.Join(kept, "\n\n")
}

// handleCommand dispatches a registered slash command.
func (h *Handler) handleCommand(ctx context.Context, chatID int64, name, args string) {
	h.health.RecordMessage()
	fn, ok := h.commands[name]
	if !ok {
		h.send(chatID, "unknown command /"+name)
		return
	}
	if reply := fn(ctx, chatID, args); reply != "" {
		h.send(chatID, reply)
	}
}

// failTurn reports an orchestration failure and keeps the history
// well-formed by appending the error as an assistant turn.
func (h *Handler) failTurn(chatID int64, err error) {
	h.health.RecordError()
	h.logger.Error("turn failed", "chat_id", chatID, "kind", KindOf(err), "error", err)
	friendly := FriendlyMessage(err)
	h.send(chatID, friendly)
	h.sessions.AddMessage(chatID, NewMessage(RoleAssistant, "[error] "+friendly))
}

func (h *Handler) send(chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := h.channel.Send(chatID, text); err != nil {
		h.logger.Warn("send failed", "chat_id", chatID, "error", err)
	}
}

// streamSink turns streaming deltas into a placeholder message that gets
// edited at most once per interval, then finalized.
type streamSink struct {
	h      *Handler
	chatID int64

	mu       sync.Mutex
	msgID    int
	lastEdit time.Time
	lastText string
}

func (h *Handler) newStreamSink(chatID int64) *streamSink {
	return &streamSink{h: h, chatID: chatID}
}

func (s *streamSink) onDelta(delta, accumulated string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastText = accumulated

	if s.msgID == 0 {
		id, err := s.h.channel.Send(s.chatID, accumulated+" …")
		if err == nil {
			s.msgID = id
			s.lastEdit = time.Now()
		}
		return
	}
	if time.Since(s.lastEdit) < streamEditInterval {
		return
	}
	if err := s.h.channel.EditMessage(s.chatID, s.msgID, accumulated+" …"); err == nil {
		s.lastEdit = time.Now()
	}
}

// finish replaces the placeholder with the final text, or sends it fresh
// when no delta ever arrived (tool-use reruns stream nothing).
func (s *streamSink) finish(final string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if final == "" {
		return
	}
	if s.msgID == 0 {
		s.h.send(s.chatID, final)
		return
	}
	if err := s.h.channel.EditMessage(s.chatID, s.msgID, final); err != nil {
		s.h.send(s.chatID, final)
	}
}
