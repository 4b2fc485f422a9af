// Package companion – workspace.go reads the persona and memory files that
// shape the system prompt. Files live at fixed names in the workspace root;
// each is truncated to a per-file soft limit, with over-limit filenames
// listed so the model can read_file for the rest. Snapshots are cached for
// up to a minute.
package companion

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/companionbot/pkg/companionbot/companion/memory"
)

const (
	// workspaceSnapshotTTL bounds staleness of the cached snapshot.
	workspaceSnapshotTTL = 60 * time.Second

	// recentDailyDays is how many daily memory files feed the prompt.
	recentDailyDays = 3
)

// Fixed workspace filenames.
const (
	FileIdentity  = "IDENTITY.md"
	FileSoul      = "SOUL.md"
	FileUser      = "USER.md"
	FileAgents    = "AGENTS.md"
	FileMemory    = "MEMORY.md"
	FileBootstrap = "BOOTSTRAP.md"
	FileTools     = "TOOLS.md"
)

// workspaceFileLimits are per-file soft truncation limits in bytes.
var workspaceFileLimits = map[string]int{
	FileIdentity:  8_000,
	FileSoul:      8_000,
	FileUser:      8_000,
	FileAgents:    8_000,
	FileMemory:    12_000,
	FileBootstrap: 16_000,
	FileTools:     6_000,
}

// WorkspaceSnapshot is one consistent read of the persona files.
type WorkspaceSnapshot struct {
	Identity    string
	Soul        string
	User        string
	Agents      string
	Memory      string
	Bootstrap   string
	Tools       string
	RecentDaily string

	// Truncated lists the filenames cut at their soft limit.
	Truncated []string

	LoadedAt time.Time
}

// Workspace reads persona files and appends to the memory files.
type Workspace struct {
	dir    string
	files  *memory.FileStore
	logger *slog.Logger

	mu       sync.Mutex
	snapshot *WorkspaceSnapshot
}

// NewWorkspace creates the workspace directory tree if needed.
func NewWorkspace(dir string, logger *slog.Logger) (*Workspace, error) {
	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		return nil, Errorf(ErrPersistence, "create workspace: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, Errorf(ErrPersistence, "create sessions dir: %v", err)
	}
	log := logger.With("component", "workspace")
	return &Workspace{
		dir:    dir,
		files:  memory.NewFileStore(dir, log),
		logger: log,
	}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// SessionsDir returns the JSONL transcript directory.
func (w *Workspace) SessionsDir() string { return filepath.Join(w.dir, "sessions") }

// IndexPath returns the FTS sidecar database path.
func (w *Workspace) IndexPath() string { return filepath.Join(w.dir, "memory", ".fts-index.db") }

// JobsPath returns the scheduler store path.
func (w *Workspace) JobsPath() string { return filepath.Join(w.dir, "cron-jobs.json") }

// Files exposes the memory file store for tools.
func (w *Workspace) Files() *memory.FileStore { return w.files }

// Load returns the current snapshot, re-reading from disk when the cached
// one is older than the TTL.
func (w *Workspace) Load() *WorkspaceSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snapshot != nil && time.Since(w.snapshot.LoadedAt) < workspaceSnapshotTTL {
		return w.snapshot
	}
	w.snapshot = w.loadFresh()
	return w.snapshot
}

// Invalidate drops the cached snapshot; the next Load re-reads.
func (w *Workspace) Invalidate() {
	w.mu.Lock()
	w.snapshot = nil
	w.mu.Unlock()
}

func (w *Workspace) loadFresh() *WorkspaceSnapshot {
	snap := &WorkspaceSnapshot{LoadedAt: time.Now()}

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if err != nil {
			return ""
		}
		text := strings.TrimSpace(string(data))
		if limit := workspaceFileLimits[name]; limit > 0 && len(text) > limit {
			text = text[:limit] + "\n... [truncated]"
			snap.Truncated = append(snap.Truncated, name)
		}
		return text
	}

	snap.Identity = read(FileIdentity)
	snap.Soul = read(FileSoul)
	snap.User = read(FileUser)
	snap.Agents = read(FileAgents)
	snap.Memory = read(FileMemory)
	snap.Bootstrap = read(FileBootstrap)
	snap.Tools = read(FileTools)
	snap.RecentDaily = w.files.ReadRecentDaily(recentDailyDays)

	w.logger.Debug("workspace snapshot loaded", "truncated", snap.Truncated)
	return snap
}

// AppendMemory writes a categorized memory entry through the file store
// and invalidates the snapshot so the next prompt sees it.
func (w *Workspace) AppendMemory(category, content string) error {
	if err := w.files.Append(category, content); err != nil {
		return err
	}
	w.Invalidate()
	return nil
}

// BootstrapActive reports whether an onboarding file is present and
// non-empty, which short-circuits the prompt assembler.
func (w *Workspace) BootstrapActive() bool {
	return w.Load().Bootstrap != ""
}

// CompleteBootstrap removes the onboarding file after first-run setup.
func (w *Workspace) CompleteBootstrap() error {
	err := os.Remove(filepath.Join(w.dir, FileBootstrap))
	if err != nil && !os.IsNotExist(err) {
		return Errorf(ErrPersistence, "remove bootstrap: %v", err)
	}
	w.Invalidate()
	return nil
}
