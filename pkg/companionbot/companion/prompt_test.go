package companion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPromptSectionOrder(t *testing.T) {
	ws := newTestWorkspace(t)
	files := map[string]string{
		FileSoul:     "warm and curious",
		FileIdentity: "named Dotori",
		FileUser:     "lives in Seoul",
		FileMemory:   "- likes green tea",
		FileTools:    "weather needs a key",
	}
	for name, body := range files {
		os.WriteFile(filepath.Join(ws.Dir(), name), []byte(body), 0o644)
	}

	sessions := newTestStore(DefaultSessionStoreConfig())
	sessions.PinContext(1, "meeting moved to Friday", PinUser)
	p := NewPromptAssembler(ws, sessions, nil, "Dotori", "Asia/Seoul")

	prompt := p.Build(1)
	order := []string{
		"## Soul", "## Identity", "## About the User", "## Runtime",
		"## Operating Guidelines", "## Long-Term Memory",
		"## Conversation Context", "## Tool Notes", "## Tool Usage",
	}
	last := -1
	for _, heading := range order {
		idx := strings.Index(prompt, heading)
		if idx < 0 {
			t.Fatalf("prompt missing %q:\n%s", heading, prompt)
		}
		if idx < last {
			t.Errorf("%q appears out of order", heading)
		}
		last = idx
	}
	if !strings.Contains(prompt, "meeting moved to Friday") {
		t.Error("pinned context missing from the prompt")
	}
	if !strings.Contains(prompt, "Name: Dotori") {
		t.Error("runtime block missing the bot name")
	}
}

func TestPromptSkipsEmptySections(t *testing.T) {
	ws := newTestWorkspace(t)
	p := NewPromptAssembler(ws, nil, nil, "", "")
	prompt := p.Build(1)

	for _, heading := range []string{"## Soul", "## About the User", "## Long-Term Memory"} {
		if strings.Contains(prompt, heading) {
			t.Errorf("empty section %q should be omitted", heading)
		}
	}
	// The fixed blocks are always present.
	if !strings.Contains(prompt, "## Operating Guidelines") || !strings.Contains(prompt, "## Tool Usage") {
		t.Error("fixed guideline blocks missing")
	}
	if !strings.Contains(prompt, "Name: companion") {
		t.Error("empty bot name should default to companion")
	}
}

func TestPromptBootstrapShortCircuit(t *testing.T) {
	ws := newTestWorkspace(t)
	os.WriteFile(filepath.Join(ws.Dir(), FileSoul), []byte("warm"), 0o644)
	os.WriteFile(filepath.Join(ws.Dir(), FileBootstrap), []byte("ask for a name first"), 0o644)

	p := NewPromptAssembler(ws, nil, nil, "Dotori", "")
	prompt := p.Build(1)

	if !strings.Contains(prompt, "First-Run Setup") || !strings.Contains(prompt, "ask for a name first") {
		t.Errorf("bootstrap prompt missing onboarding content:\n%s", prompt)
	}
	if strings.Contains(prompt, "## Soul") || strings.Contains(prompt, "warm") {
		t.Error("bootstrap must replace the persona sections entirely")
	}
}

func TestPromptTruncatedFilesNote(t *testing.T) {
	ws := newTestWorkspace(t)
	os.WriteFile(filepath.Join(ws.Dir(), FileIdentity),
		[]byte(strings.Repeat("long identity ", 1000)), 0o644)

	p := NewPromptAssembler(ws, nil, nil, "", "")
	prompt := p.Build(1)
	if !strings.Contains(prompt, "Truncated files") || !strings.Contains(prompt, FileIdentity) {
		t.Error("truncation note missing from the prompt")
	}
}
