package memory

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileStoreAppend(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir, testLogger())

	if err := fs.Append("preference", "likes green tea"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	long := fs.ReadLongTerm()
	if !strings.Contains(long, "[preference] likes green tea") {
		t.Errorf("MEMORY.md missing entry: %q", long)
	}

	today := filepath.Join(dir, "memory", time.Now().Format("2006-01-02")+".md")
	data, err := os.ReadFile(today)
	if err != nil {
		t.Fatalf("daily file: %v", err)
	}
	if !strings.Contains(string(data), "likes green tea") {
		t.Errorf("daily file missing entry: %q", string(data))
	}
}

func TestFileStoreReadLongTermAbsent(t *testing.T) {
	fs := NewFileStore(t.TempDir(), testLogger())
	if got := fs.ReadLongTerm(); got != "" {
		t.Errorf("missing MEMORY.md should read as empty, got %q", got)
	}
}

func TestFileStoreReadRecentDaily(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir, testLogger())
	memDir := filepath.Join(dir, "memory")
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		t.Fatal(err)
	}

	today := time.Now()
	yesterday := today.AddDate(0, 0, -1)
	os.WriteFile(filepath.Join(memDir, yesterday.Format("2006-01-02")+".md"), []byte("older note\n"), 0o644)
	os.WriteFile(filepath.Join(memDir, today.Format("2006-01-02")+".md"), []byte("newer note\n"), 0o644)

	got := fs.ReadRecentDaily(2)
	older := strings.Index(got, "older note")
	newer := strings.Index(got, "newer note")
	if older < 0 || newer < 0 {
		t.Fatalf("missing notes:\n%s", got)
	}
	if older > newer {
		t.Error("daily files should concatenate oldest first")
	}
}

func TestFileStoreAllChunks(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir, testLogger())
	if err := fs.Append("fact", "works at the bakery"); err != nil {
		t.Fatal(err)
	}

	chunks := fs.AllChunks()
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want MEMORY.md plus the daily file", len(chunks))
	}
	sources := map[string]bool{}
	for _, c := range chunks {
		sources[c.Source] = true
	}
	if !sources["MEMORY.md"] {
		t.Error("missing MEMORY.md chunks")
	}
	daily := "memory/" + time.Now().Format("2006-01-02") + ".md"
	if !sources[daily] {
		t.Errorf("missing daily chunks %q, have %v", daily, sources)
	}
}
