// Package memory – store.go persists memories as markdown: long-term
// entries appended to MEMORY.md and a per-day file under memory/ that
// accumulates the day's snippets under time headings.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore appends and reads markdown memory files under a workspace
// directory.
type FileStore struct {
	workspaceDir string
	logger       *slog.Logger
}

// NewFileStore creates a file store rooted at the workspace directory.
func NewFileStore(workspaceDir string, logger *slog.Logger) *FileStore {
	return &FileStore{
		workspaceDir: workspaceDir,
		logger:       logger.With("component", "memory_files"),
	}
}

// memoryPath is the long-term memory file.
func (f *FileStore) memoryPath() string {
	return filepath.Join(f.workspaceDir, "MEMORY.md")
}

// dailyPath is the per-day memory file for t.
func (f *FileStore) dailyPath(t time.Time) string {
	return filepath.Join(f.workspaceDir, "memory", t.Format("2006-01-02")+".md")
}

// Append records a memory: a "- [timestamp] [category] content" line in
// MEMORY.md and a "## HH:MM" block in today's daily file.
func (f *FileStore) Append(category, content string) error {
	now := time.Now()

	line := fmt.Sprintf("- [%s] [%s] %s\n", now.Format("2006-01-02 15:04"), category, content)
	if err := appendFile(f.memoryPath(), line); err != nil {
		return fmt.Errorf("append MEMORY.md: %w", err)
	}

	daily := f.dailyPath(now)
	if err := os.MkdirAll(filepath.Dir(daily), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	block := fmt.Sprintf("\n## %s\n[%s] %s\n", now.Format("15:04"), category, content)
	if err := appendFile(daily, block); err != nil {
		return fmt.Errorf("append daily memory: %w", err)
	}

	f.logger.Debug("memory appended", "category", category, "len", len(content))
	return nil
}

// ReadLongTerm returns the contents of MEMORY.md, or "" if absent.
func (f *FileStore) ReadLongTerm() string {
	data, err := os.ReadFile(f.memoryPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// ReadRecentDaily returns the concatenated daily memory for the last n
// days (including today), oldest first.
func (f *FileStore) ReadRecentDaily(n int) string {
	if n <= 0 {
		n = 2
	}
	var sb strings.Builder
	for i := n - 1; i >= 0; i-- {
		day := time.Now().AddDate(0, 0, -i)
		data, err := os.ReadFile(f.dailyPath(day))
		if err != nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("# " + day.Format("2006-01-02") + "\n")
		sb.Write(data)
	}
	return sb.String()
}

// AllChunks loads every memory source (MEMORY.md plus all daily files)
// and splits them into indexable chunks.
func (f *FileStore) AllChunks() []Chunk {
	var chunks []Chunk

	if text := f.ReadLongTerm(); text != "" {
		chunks = append(chunks, SplitIntoChunks("MEMORY.md", text)...)
	}

	dailyDir := filepath.Join(f.workspaceDir, "memory")
	entries, err := os.ReadDir(dailyDir)
	if err != nil {
		return chunks
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dailyDir, e.Name()))
		if err != nil {
			f.logger.Warn("skipping unreadable memory file", "file", e.Name(), "error", err)
			continue
		}
		chunks = append(chunks, SplitIntoChunks("memory/"+e.Name(), string(data))...)
	}
	return chunks
}

func appendFile(path, text string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(text)
	return err
}
