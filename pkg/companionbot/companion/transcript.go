// Package companion – transcript.go persists conversation history as one
// JSONL file per chat. The log is a cache: appends are best-effort, a
// corrupt line forfeits only itself, and the in-memory session remains
// authoritative for the current turn.
package companion

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// transcriptLine is the wire format of one log line.
type transcriptLine struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptStore appends and tails per-chat JSONL conversation logs under
// a single sessions directory.
type TranscriptStore struct {
	dir    string
	logger *slog.Logger
}

// NewTranscriptStore creates the store rooted at dir, creating it if needed.
func NewTranscriptStore(dir string, logger *slog.Logger) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &TranscriptStore{
		dir:    dir,
		logger: logger.With("component", "transcript"),
	}, nil
}

// path returns the JSONL path for a chat.
func (s *TranscriptStore) path(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10)+".jsonl")
}

// Append writes one line to the chat's log. I/O errors are logged and
// swallowed; history loss on a rare failed append is acceptable.
func (s *TranscriptStore) Append(chatID int64, role Role, content string) {
	line := transcriptLine{Role: role, Content: content, Timestamp: time.Now()}
	data, err := json.Marshal(line)
	if err != nil {
		s.logger.Warn("transcript marshal failed", "chat_id", chatID, "error", err)
		return
	}
	f, err := os.OpenFile(s.path(chatID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		s.logger.Warn("transcript open failed", "chat_id", chatID, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Warn("transcript append failed", "chat_id", chatID, "error", err)
	}
}

// LoadTail stream-parses the chat's log and returns the last limit entries,
// or all entries when limit is 0. Malformed lines are skipped with a warning.
func (s *TranscriptStore) LoadTail(chatID int64, limit int) []Message {
	f, err := os.Open(s.path(chatID))
	if err != nil {
		return nil
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line transcriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			s.logger.Warn("skipping malformed transcript line",
				"chat_id", chatID, "line", lineNo, "error", err)
			continue
		}
		messages = append(messages, Message{
			Role:      line.Role,
			Content:   line.Content,
			Timestamp: line.Timestamp,
		})
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("transcript read failed", "chat_id", chatID, "error", err)
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages
}

// Count returns the number of valid entries in the chat's log.
func (s *TranscriptStore) Count(chatID int64) int {
	return len(s.LoadTail(chatID, 0))
}

// Search returns entries whose content contains the substring,
// case-insensitive.
func (s *TranscriptStore) Search(chatID int64, substring string) []Message {
	needle := strings.ToLower(substring)
	var hits []Message
	for _, m := range s.LoadTail(chatID, 0) {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			hits = append(hits, m)
		}
	}
	return hits
}

// Delete removes the chat's log file. Missing files are not an error.
func (s *TranscriptStore) Delete(chatID int64) error {
	err := os.Remove(s.path(chatID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}
