// Package companion – session.go manages per-chat conversation state:
// history with token-budgeted trimming and summarization, pinned context,
// summary chunks, and LRU+TTL eviction of idle sessions.
package companion

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSessions caps the in-memory session map; the least
	// recently used session is evicted when the cap is reached.
	DefaultMaxSessions = 100

	// DefaultSessionTTL evicts sessions idle longer than this.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultMaxHistoryTokens is the hard history budget enforced by
	// trimByTokens.
	DefaultMaxHistoryTokens = 50_000

	// DefaultSummaryThreshold triggers smart trim (summarization) before
	// the hard budget is hit.
	DefaultSummaryThreshold = 30_000

	// DefaultMinRecent is the number of recent messages never trimmed.
	DefaultMinRecent = 6

	// DefaultMaxPinnedTokens bounds the total token cost of pinned context.
	DefaultMaxPinnedTokens = 4_000

	// DefaultMaxSummaryChunks caps retained summaries; overflow merges
	// pairwise from the oldest end.
	DefaultMaxSummaryChunks = 10

	// DefaultMaxHistoryLoad bounds transcript hydration on first access.
	DefaultMaxHistoryLoad = 50
)

// ModelTier selects the provider model class for a session.
type ModelTier string

const (
	TierHaiku  ModelTier = "haiku"
	TierSonnet ModelTier = "sonnet"
	TierOpus   ModelTier = "opus"
)

// PinSource distinguishes user-requested pins from automatically
// detected ones. Auto pins are evicted first under budget pressure.
type PinSource string

const (
	PinAuto PinSource = "auto"
	PinUser PinSource = "user"
)

// PinnedContext is a short text injected into every system prompt,
// surviving history trimming.
type PinnedContext struct {
	Text      string
	CreatedAt time.Time
	Source    PinSource
}

// SummaryChunk is a condensed representation of trimmed-away history.
type SummaryChunk struct {
	Summary      string
	MessageCount int
	StartTime    time.Time
	EndTime      time.Time
}

// Session holds the conversation state for one chat. All access goes
// through its mutex; the store hands out pointers but owns the lifecycle.
type Session struct {
	mu sync.RWMutex

	chatID        int64
	history       []Message
	model         ModelTier
	pins          []PinnedContext
	summaryChunks []SummaryChunk
	lastAccessed  time.Time
}

// ChatID returns the session's chat identifier.
func (s *Session) ChatID() int64 { return s.chatID }

// Model returns the session's model tier.
func (s *Session) Model() ModelTier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SetModel switches the session's model tier.
func (s *Session) SetModel(tier ModelTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = tier
}

// History returns a copy of the message history.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of messages in history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Append adds a message to the history.
func (s *Session) Append(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	s.lastAccessed = time.Now()
}

// Pins returns a copy of the pinned contexts.
func (s *Session) Pins() []PinnedContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PinnedContext, len(s.pins))
	copy(out, s.pins)
	return out
}

// SummaryChunks returns a copy of the summary chunks.
func (s *Session) SummaryChunks() []SummaryChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SummaryChunk, len(s.summaryChunks))
	copy(out, s.summaryChunks)
	return out
}

// SessionStoreConfig tunes session budgets and eviction.
type SessionStoreConfig struct {
	MaxSessions      int           `yaml:"max_sessions"`
	TTL              time.Duration `yaml:"ttl"`
	MaxHistoryTokens int           `yaml:"max_history_tokens"`
	SummaryThreshold int           `yaml:"summary_threshold"`
	MinRecent        int           `yaml:"min_recent"`
	MaxPinnedTokens  int           `yaml:"max_pinned_tokens"`
	MaxSummaryChunks int           `yaml:"max_summary_chunks"`
	MaxHistoryLoad   int           `yaml:"max_history_load"`
	DefaultModel     ModelTier     `yaml:"default_model"`
}

// DefaultSessionStoreConfig returns the standard budgets.
func DefaultSessionStoreConfig() SessionStoreConfig {
	return SessionStoreConfig{
		MaxSessions:      DefaultMaxSessions,
		TTL:              DefaultSessionTTL,
		MaxHistoryTokens: DefaultMaxHistoryTokens,
		SummaryThreshold: DefaultSummaryThreshold,
		MinRecent:        DefaultMinRecent,
		MaxPinnedTokens:  DefaultMaxPinnedTokens,
		MaxSummaryChunks: DefaultMaxSummaryChunks,
		MaxHistoryLoad:   DefaultMaxHistoryLoad,
		DefaultModel:     TierSonnet,
	}
}

// SummarizeFunc condenses a slice of messages into a short summary,
// typically via a cheaper model tier.
type SummarizeFunc func(messages []Message) (string, error)

// SessionStore is a thread-safe map chatID → Session with LRU+TTL
// eviction. Sessions are lazily created and optionally hydrated from the
// transcript log on first access.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	cfg      SessionStoreConfig
	log      *TranscriptStore
	logger   *slog.Logger
}

// NewSessionStore creates a session store. log may be nil to disable
// transcript hydration and persistence.
func NewSessionStore(cfg SessionStoreConfig, log *TranscriptStore, logger *slog.Logger) *SessionStore {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.MinRecent <= 0 {
		cfg.MinRecent = DefaultMinRecent
	}
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = DefaultMaxHistoryTokens
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = DefaultSummaryThreshold
	}
	if cfg.MaxPinnedTokens <= 0 {
		cfg.MaxPinnedTokens = DefaultMaxPinnedTokens
	}
	if cfg.MaxSummaryChunks <= 0 {
		cfg.MaxSummaryChunks = DefaultMaxSummaryChunks
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = TierSonnet
	}
	return &SessionStore{
		sessions: make(map[int64]*Session),
		cfg:      cfg,
		log:      log,
		logger:   logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session for a chat, creating and hydrating it
// on first access. Evicts LRU when the session cap is reached.
func (st *SessionStore) GetOrCreate(chatID int64) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[chatID]; ok {
		s.mu.Lock()
		s.lastAccessed = time.Now()
		s.mu.Unlock()
		return s
	}

	if len(st.sessions) >= st.cfg.MaxSessions {
		st.evictLRULocked()
	}

	s := &Session{
		chatID:       chatID,
		model:        st.cfg.DefaultModel,
		lastAccessed: time.Now(),
	}
	if st.log != nil {
		if tail := st.log.LoadTail(chatID, st.cfg.MaxHistoryLoad); len(tail) > 0 {
			s.history = tail
			st.logger.Debug("session hydrated from transcript",
				"chat_id", chatID, "messages", len(tail))
		}
	}
	st.sessions[chatID] = s
	return s
}

// evictLRULocked removes the least recently accessed session.
// Caller holds st.mu.
func (st *SessionStore) evictLRULocked() {
	var oldestID int64
	var oldest time.Time
	first := true
	for id, s := range st.sessions {
		s.mu.RLock()
		la := s.lastAccessed
		s.mu.RUnlock()
		if first || la.Before(oldest) {
			oldestID, oldest, first = id, la, false
		}
	}
	if !first {
		delete(st.sessions, oldestID)
		st.logger.Info("session evicted (LRU)", "chat_id", oldestID)
	}
}

// Prune removes sessions idle longer than the TTL. Returns the count removed.
func (st *SessionStore) Prune() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := time.Now().Add(-st.cfg.TTL)
	removed := 0
	for id, s := range st.sessions {
		s.mu.RLock()
		idle := s.lastAccessed.Before(cutoff)
		s.mu.RUnlock()
		if idle {
			delete(st.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		st.logger.Info("pruned idle sessions", "count", removed)
	}
	return removed
}

// StartPruner launches a background goroutine that prunes idle sessions
// at half the TTL interval until stop is closed.
func (st *SessionStore) StartPruner(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(st.cfg.TTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.Prune()
			case <-stop:
				return
			}
		}
	}()
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// AddMessage appends a message to the chat's history and the transcript log.
func (st *SessionStore) AddMessage(chatID int64, m Message) {
	s := st.GetOrCreate(chatID)
	s.Append(m)
	if st.log != nil {
		st.log.Append(chatID, m.Role, m.PersistedText())
	}
}

// GetHistory returns a copy of the chat's history.
func (st *SessionStore) GetHistory(chatID int64) []Message {
	return st.GetOrCreate(chatID).History()
}

// ClearHistory wipes the in-memory history and summaries but keeps pins.
func (st *SessionStore) ClearHistory(chatID int64) {
	s := st.GetOrCreate(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.summaryChunks = nil
	s.lastAccessed = time.Now()
}

// ClearSession removes the session entry and deletes its transcript log.
func (st *SessionStore) ClearSession(chatID int64) error {
	st.mu.Lock()
	delete(st.sessions, chatID)
	st.mu.Unlock()
	if st.log != nil {
		return st.log.Delete(chatID)
	}
	return nil
}

// PinContext pins a text to the chat. Enforces the pinned-token budget:
// evicts auto pins oldest-first to make room, returns false if even then
// the new pin would overflow. Never partially applies.
func (st *SessionStore) PinContext(chatID int64, text string, source PinSource) bool {
	s := st.GetOrCreate(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	newCost := EstimateTokens(text)
	if newCost > st.cfg.MaxPinnedTokens {
		return false
	}

	total := newCost
	for _, p := range s.pins {
		total += EstimateTokens(p.Text)
	}

	// Evict auto pins oldest-first until the new pin fits.
	pins := s.pins
	for total > st.cfg.MaxPinnedTokens {
		evicted := false
		for i, p := range pins {
			if p.Source == PinAuto {
				total -= EstimateTokens(p.Text)
				pins = append(pins[:i:i], pins[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return false // only user pins left, still over budget
		}
	}

	s.pins = append(pins, PinnedContext{
		Text:      text,
		CreatedAt: time.Now(),
		Source:    source,
	})
	return true
}

// UnpinAll removes all pinned contexts for a chat.
func (st *SessionStore) UnpinAll(chatID int64) {
	s := st.GetOrCreate(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins = nil
}

// TrimByTokens drops oldest messages while the history exceeds the token
// budget and more than MinRecent messages remain.
func (st *SessionStore) TrimByTokens(chatID int64) {
	s := st.GetOrCreate(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for EstimateMessageTokens(s.history) > st.cfg.MaxHistoryTokens && len(s.history) > st.cfg.MinRecent {
		s.history = s.history[1:]
	}
}

// SmartTrim summarizes older history when the token count crosses the
// summary threshold: the oldest messages are condensed via summarize and
// replaced with a summary exchange, keeping the last MinRecent messages
// verbatim. Falls back to TrimByTokens if the summarizer fails.
func (st *SessionStore) SmartTrim(chatID int64, summarize SummarizeFunc) {
	s := st.GetOrCreate(chatID)

	s.mu.Lock()
	if EstimateMessageTokens(s.history) <= st.cfg.SummaryThreshold ||
		len(s.history) <= st.cfg.MinRecent {
		s.mu.Unlock()
		return
	}
	split := len(s.history) - st.cfg.MinRecent
	oldest := make([]Message, split)
	copy(oldest, s.history[:split])
	s.mu.Unlock()

	// Summarize without holding the lock; the summarizer calls the LLM.
	summary, err := summarize(oldest)
	if err != nil || strings.TrimSpace(summary) == "" {
		st.logger.Warn("summarizer failed, falling back to token trim",
			"chat_id", chatID, "error", err)
		st.TrimByTokens(chatID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// History may have grown while summarizing; keep everything after the
	// original split point.
	if len(s.history) < split {
		return
	}
	keep := s.history[split:]
	replaced := make([]Message, 0, len(keep)+2)
	replaced = append(replaced,
		NewMessage(RoleUser, "[previous-conversation summary]\n"+summary),
		NewMessage(RoleAssistant, "acknowledged"),
	)
	replaced = append(replaced, keep...)
	s.history = replaced

	chunk := SummaryChunk{
		Summary:      summary,
		MessageCount: len(oldest),
		StartTime:    oldest[0].Timestamp,
		EndTime:      oldest[len(oldest)-1].Timestamp,
	}
	s.summaryChunks = append(s.summaryChunks, chunk)
	s.mergeSummaryChunksLocked(st.cfg.MaxSummaryChunks)

	st.logger.Info("history summarized",
		"chat_id", chatID,
		"summarized_messages", len(oldest),
		"summary_len", len(summary),
	)
}

// mergeSummaryChunksLocked merges the two oldest chunks while over the cap.
func (s *Session) mergeSummaryChunksLocked(max int) {
	for len(s.summaryChunks) > max {
		a, b := s.summaryChunks[0], s.summaryChunks[1]
		merged := SummaryChunk{
			Summary:      a.Summary + "\n" + b.Summary,
			MessageCount: a.MessageCount + b.MessageCount,
			StartTime:    a.StartTime,
			EndTime:      b.EndTime,
		}
		s.summaryChunks = append([]SummaryChunk{merged}, s.summaryChunks[2:]...)
	}
}

// importantContextPatterns match phrases the user likely wants remembered.
// The first capture group (when present) is the phrase to pin.
var importantContextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)remember that\s+(.+)$`),
	regexp.MustCompile(`(?i)^remember:?\s+(.+)$`),
	regexp.MustCompile(`(?i)don'?t forget\s+(?:that\s+)?(.+)$`),
	regexp.MustCompile(`내 이름은\s+(\S+)`),
	regexp.MustCompile(`(.+)\s*기억해`),
}

// DetectImportantContext pattern-matches a user message against the fixed
// hint set and returns the phrase to pin, or "" when nothing matches.
func DetectImportantContext(userMessage string) string {
	msg := strings.TrimSpace(userMessage)
	for _, re := range importantContextPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			if len(m) > 1 {
				return strings.TrimSpace(m[1])
			}
			return msg
		}
	}
	return ""
}

// BuildContextForPrompt concatenates the chat's pins and summary chunks
// into a stable textual block for the prompt assembler. Returns "" when
// the session has neither.
func (st *SessionStore) BuildContextForPrompt(chatID int64) string {
	s := st.GetOrCreate(chatID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.pins) == 0 && len(s.summaryChunks) == 0 {
		return ""
	}

	var sb strings.Builder
	if len(s.pins) > 0 {
		sb.WriteString("## Pinned Context\n")
		for _, p := range s.pins {
			sb.WriteString("- ")
			sb.WriteString(p.Text)
			sb.WriteString("\n")
		}
	}
	if len(s.summaryChunks) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Earlier Conversation Summaries\n")
		for _, c := range s.summaryChunks {
			sb.WriteString(fmt.Sprintf("- (%d messages, %s – %s) %s\n",
				c.MessageCount,
				c.StartTime.Format("2006-01-02 15:04"),
				c.EndTime.Format("2006-01-02 15:04"),
				c.Summary,
			))
		}
	}
	return sb.String()
}
