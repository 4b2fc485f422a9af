package companion

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTranscripts(t *testing.T) *TranscriptStore {
	t.Helper()
	ts, err := NewTranscriptStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewTranscriptStore: %v", err)
	}
	return ts
}

func TestTranscriptAppendLoadRoundTrip(t *testing.T) {
	ts := newTestTranscripts(t)

	ts.Append(42, RoleUser, "hello")
	ts.Append(42, RoleAssistant, "hi")

	got := ts.LoadTail(42, 0)
	if len(got) != 2 {
		t.Fatalf("LoadTail returned %d messages, want 2", len(got))
	}
	last := got[len(got)-1]
	if last.Role != RoleAssistant || last.Content != "hi" {
		t.Errorf("last message = {%s %q}, want {assistant hi}", last.Role, last.Content)
	}
	if got[0].Role != RoleUser || got[0].Content != "hello" {
		t.Errorf("first message = {%s %q}, want {user hello}", got[0].Role, got[0].Content)
	}
}

func TestTranscriptLoadTailLimit(t *testing.T) {
	ts := newTestTranscripts(t)
	for i := 0; i < 10; i++ {
		ts.Append(7, RoleUser, "msg")
	}
	if got := ts.LoadTail(7, 3); len(got) != 3 {
		t.Errorf("LoadTail(7, 3) returned %d messages, want 3", len(got))
	}
}

func TestTranscriptSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	ts, err := NewTranscriptStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewTranscriptStore: %v", err)
	}

	ts.Append(5, RoleUser, "good one")
	path := filepath.Join(dir, "5.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{this is not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	ts.Append(5, RoleAssistant, "good two")

	got := ts.LoadTail(5, 0)
	if len(got) != 2 {
		t.Fatalf("LoadTail returned %d messages, want 2 (bad line skipped)", len(got))
	}
}

func TestTranscriptSearchAndDelete(t *testing.T) {
	ts := newTestTranscripts(t)
	ts.Append(9, RoleUser, "I like green tea")
	ts.Append(9, RoleAssistant, "noted")

	hits := ts.Search(9, "GREEN")
	if len(hits) != 1 {
		t.Fatalf("Search returned %d hits, want 1", len(hits))
	}
	if ts.Count(9) != 2 {
		t.Errorf("Count = %d, want 2", ts.Count(9))
	}

	if err := ts.Delete(9); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := ts.LoadTail(9, 0); len(got) != 0 {
		t.Errorf("LoadTail after delete returned %d messages, want 0", len(got))
	}
}
