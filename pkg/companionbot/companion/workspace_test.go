package companion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return ws
}

func TestWorkspaceCreatesTree(t *testing.T) {
	ws := newTestWorkspace(t)
	for _, dir := range []string{filepath.Join(ws.Dir(), "memory"), ws.SessionsDir()} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("missing directory %s: %v", dir, err)
		}
	}
}

func TestWorkspaceLoadMissingFiles(t *testing.T) {
	ws := newTestWorkspace(t)
	snap := ws.Load()
	if snap.Identity != "" || snap.Soul != "" || snap.Bootstrap != "" {
		t.Errorf("empty workspace loaded content: %+v", snap)
	}
	if len(snap.Truncated) != 0 {
		t.Errorf("nothing should be truncated, got %v", snap.Truncated)
	}
}

func TestWorkspaceTruncation(t *testing.T) {
	ws := newTestWorkspace(t)
	big := strings.Repeat("persona text ", 1000) // ~13k > the 8k limit
	if err := os.WriteFile(filepath.Join(ws.Dir(), FileIdentity), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(ws.Dir(), FileSoul), []byte("short soul"), 0o644)

	snap := ws.Load()
	if !strings.HasSuffix(snap.Identity, "[truncated]") {
		t.Error("over-limit file should end with the truncation marker")
	}
	if len(snap.Identity) > 8_000+len("\n... [truncated]") {
		t.Errorf("identity length %d exceeds the soft limit", len(snap.Identity))
	}
	if len(snap.Truncated) != 1 || snap.Truncated[0] != FileIdentity {
		t.Errorf("Truncated = %v, want [IDENTITY.md]", snap.Truncated)
	}
	if snap.Soul != "short soul" {
		t.Errorf("soul = %q", snap.Soul)
	}
}

func TestWorkspaceSnapshotCache(t *testing.T) {
	ws := newTestWorkspace(t)
	first := ws.Load()

	os.WriteFile(filepath.Join(ws.Dir(), FileSoul), []byte("new soul"), 0o644)
	if got := ws.Load(); got.Soul != first.Soul {
		t.Error("a fresh write should not be visible inside the cache TTL")
	}

	ws.Invalidate()
	if got := ws.Load(); got.Soul != "new soul" {
		t.Errorf("after invalidate soul = %q, want new soul", got.Soul)
	}
}

func TestWorkspaceAppendMemoryInvalidates(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.Load() // warm the cache

	if err := ws.AppendMemory("preference", "drinks decaf only"); err != nil {
		t.Fatalf("AppendMemory: %v", err)
	}
	snap := ws.Load()
	if !strings.Contains(snap.Memory, "drinks decaf only") {
		t.Error("appended memory should appear in the next snapshot")
	}
	if !strings.Contains(snap.RecentDaily, "drinks decaf only") {
		t.Error("appended memory should appear in the daily section")
	}
}

func TestBootstrapLifecycle(t *testing.T) {
	ws := newTestWorkspace(t)
	if ws.BootstrapActive() {
		t.Fatal("fresh workspace should not be in bootstrap mode")
	}

	os.WriteFile(filepath.Join(ws.Dir(), FileBootstrap), []byte("interview the user"), 0o644)
	ws.Invalidate()
	if !ws.BootstrapActive() {
		t.Fatal("bootstrap file should activate onboarding")
	}

	if err := ws.CompleteBootstrap(); err != nil {
		t.Fatalf("CompleteBootstrap: %v", err)
	}
	if ws.BootstrapActive() {
		t.Error("bootstrap should be inactive after completion")
	}
	// Completing twice is fine; the file is already gone.
	if err := ws.CompleteBootstrap(); err != nil {
		t.Errorf("second CompleteBootstrap: %v", err)
	}
}
