// Package companion – tools_shell.go implements run_command. Foreground
// runs have a timeout; background runs register a ProcessSession with a
// ring-buffered output capture, killable including detached children via
// a process-group signal.
package companion

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultCommandTimeout bounds foreground command runs.
	DefaultCommandTimeout = 30 * time.Second

	// processRingSize is the per-process captured output cap in bytes.
	processRingSize = 64 * 1024
)

// ringBuffer keeps the last capacity bytes written to it.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// ProcessSession tracks one background command.
type ProcessSession struct {
	ID        string
	Command   string
	StartedAt time.Time
	cmd       *exec.Cmd
	output    *ringBuffer

	mu       sync.Mutex
	finished bool
	exitErr  error
}

// Done reports whether the process has exited.
func (p *ProcessSession) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Output returns the captured tail of stdout+stderr.
func (p *ProcessSession) Output() string { return p.output.String() }

// Kill signals the whole process group so detached children die too.
func (p *ProcessSession) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the process group (set via Setpgid).
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// ProcessManager owns background ProcessSessions.
type ProcessManager struct {
	mu     sync.Mutex
	nextID int
	procs  map[string]*ProcessSession
	logger *slog.Logger
}

// NewProcessManager creates an empty manager.
func NewProcessManager(logger *slog.Logger) *ProcessManager {
	return &ProcessManager{
		procs:  make(map[string]*ProcessSession),
		logger: logger.With("component", "processes"),
	}
}

// Start launches a validated command in the background.
func (m *ProcessManager) Start(name string, args []string, dir string) (*ProcessSession, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ring := newRingBuffer(processRingSize)
	cmd.Stdout = ring
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		return nil, Errorf(ErrTransient, "start %q: %v", name, err)
	}

	m.mu.Lock()
	m.nextID++
	sess := &ProcessSession{
		ID:        fmt.Sprintf("proc-%d", m.nextID),
		Command:   strings.TrimSpace(name + " " + strings.Join(args, " ")),
		StartedAt: time.Now(),
		cmd:       cmd,
		output:    ring,
	}
	m.procs[sess.ID] = sess
	m.mu.Unlock()

	go func() {
		err := cmd.Wait()
		sess.mu.Lock()
		sess.finished = true
		sess.exitErr = err
		sess.mu.Unlock()
		m.logger.Info("background process exited",
			"id", sess.ID, "command", sess.Command, "error", err)
	}()

	return sess, nil
}

// Get returns a session by id.
func (m *ProcessManager) Get(id string) (*ProcessSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	return p, ok
}

// List returns all sessions sorted by id.
func (m *ProcessManager) List() []*ProcessSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ProcessSession, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops a finished session from the table.
func (m *ProcessManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, id)
}

// KillAll kills every live session; used on shutdown.
func (m *ProcessManager) KillAll() {
	for _, p := range m.List() {
		if !p.Done() {
			_ = p.Kill()
		}
	}
}

// RegisterShellTools adds run_command, process_output, and kill_process.
func RegisterShellTools(reg *ToolRegistry, procs *ProcessManager, workDir string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	reg.Register(ToolDef{
		Name: "run_command",
		Description: "Run an allowlisted command. Foreground runs return the output; " +
			"background runs return a process id for later inspection.",
		InputSchema: objSchema(map[string]any{
			"command":    prop("string", "Command name (must be allowlisted, e.g. git, ls, cat)"),
			"args":       map[string]any{"type": "array", "items": prop("string", "argument"), "description": "Command arguments"},
			"background": prop("boolean", "Run in the background and return a process id"),
		}, "command"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		name, err := stringArg(args, "command")
		if err != nil {
			return "", err
		}
		var argv []string
		if raw, ok := args["args"].([]any); ok {
			for _, a := range raw {
				s, ok := a.(string)
				if !ok {
					return "", Errorf(ErrInvalidInput, "args must be strings")
				}
				argv = append(argv, s)
			}
		}
		if err := ValidateCommand(name, argv); err != nil {
			return "", err
		}

		if bg, _ := args["background"].(bool); bg {
			sess, err := procs.Start(name, argv, workDir)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("started background process %s: %s", sess.ID, sess.Command), nil
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(runCtx, name, argv...)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		if runCtx.Err() == context.DeadlineExceeded {
			return "", Errorf(ErrTimeout, "command %q timed out after %s", name, timeout)
		}
		if err != nil {
			return fmt.Sprintf("command failed: %v\n%s", err, string(out)), nil
		}
		if len(out) == 0 {
			return "(no output)", nil
		}
		return string(out), nil
	})

	reg.Register(ToolDef{
		Name:        "process_output",
		Description: "Read the captured output of a background process, or list all when no id is given.",
		InputSchema: objSchema(map[string]any{
			"id": prop("string", "Process id from run_command"),
		}),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		id := optStringArg(args, "id", "")
		if id == "" {
			sessions := procs.List()
			if len(sessions) == 0 {
				return "no background processes", nil
			}
			var sb strings.Builder
			for _, p := range sessions {
				state := "running"
				if p.Done() {
					state = "finished"
				}
				fmt.Fprintf(&sb, "%s [%s] %s (started %s)\n",
					p.ID, state, p.Command, p.StartedAt.Format("15:04:05"))
			}
			return sb.String(), nil
		}
		p, ok := procs.Get(id)
		if !ok {
			return "", Errorf(ErrNotFound, "no process %q", id)
		}
		out := p.Output()
		if out == "" {
			out = "(no output yet)"
		}
		return out, nil
	})

	reg.Register(ToolDef{
		Name:        "kill_process",
		Description: "Kill a background process started by run_command.",
		InputSchema: objSchema(map[string]any{
			"id": prop("string", "Process id to kill"),
		}, "id"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		id, err := stringArg(args, "id")
		if err != nil {
			return "", err
		}
		p, ok := procs.Get(id)
		if !ok {
			return "", Errorf(ErrNotFound, "no process %q", id)
		}
		if err := p.Kill(); err != nil {
			return "", Errorf(ErrTransient, "kill %s: %v", id, err)
		}
		procs.Remove(id)
		return "killed " + id, nil
	})
}
