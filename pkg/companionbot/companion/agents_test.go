package companion

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// blockingOrchestrator returns an orchestrator whose provider holds every
// request open until release is closed (or the request is cancelled).
func blockingOrchestrator(t *testing.T, release <-chan struct{}) *Orchestrator {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, textResponse("agent done"))
	}))
	t.Cleanup(server.Close)

	cfg := DefaultLLMConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	cfg.BaseRetryDelay = time.Millisecond
	return NewOrchestrator(NewLLMClient(cfg, testLogger()), nil, testLogger())
}

func TestAgentPerChatQuota(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mgr := NewAgentManager(AgentManagerConfig{MaxConcurrent: 10, MaxPerChat: 3},
		blockingOrchestrator(t, release), nil, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := mgr.Spawn(context.Background(), fmt.Sprintf("task %d", i), 1); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	_, err := mgr.Spawn(context.Background(), "one too many", 1)
	if err == nil {
		t.Fatal("fourth agent on the same chat should be rejected")
	}
	if KindOf(err) != ErrQuotaExceeded {
		t.Errorf("kind = %v, want QuotaExceeded", KindOf(err))
	}

	// A different chat is unaffected by chat 1's quota.
	if _, err := mgr.Spawn(context.Background(), "other chat", 2); err != nil {
		t.Errorf("spawn on another chat: %v", err)
	}
}

func TestAgentGlobalCapEvictsOldest(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mgr := NewAgentManager(AgentManagerConfig{MaxConcurrent: 2, MaxPerChat: 3},
		blockingOrchestrator(t, release), nil, testLogger())

	first, err := mgr.Spawn(context.Background(), "oldest", 1)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := mgr.Spawn(context.Background(), "middle", 2); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := mgr.Spawn(context.Background(), "newest", 3); err != nil {
		t.Fatalf("spawn over the global cap should evict, not fail: %v", err)
	}

	if _, ok := mgr.Get(first); ok {
		t.Error("the oldest agent should have been evicted")
	}
	if got := len(mgr.List(0)); got != 2 {
		t.Errorf("agent table has %d entries, want 2", got)
	}
}

func TestAgentGlobalCapEvictsRunningNotFinished(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mgr := NewAgentManager(AgentManagerConfig{MaxConcurrent: 2, MaxPerChat: 3},
		blockingOrchestrator(t, release), nil, testLogger())

	// A finished agent older than everything running must not satisfy the
	// eviction: removing it would leave more running agents than the cap.
	mgr.mu.Lock()
	mgr.agents["done1234"] = &Agent{
		ID: "done1234", ChatID: 9, Status: AgentCompleted,
		CreatedAt:   time.Now().Add(-time.Hour),
		CompletedAt: time.Now(),
	}
	mgr.mu.Unlock()

	first, err := mgr.Spawn(context.Background(), "oldest running", 1)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := mgr.Spawn(context.Background(), "second running", 2); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := mgr.Spawn(context.Background(), "over the cap", 3); err != nil {
		t.Fatalf("spawn over the cap should evict a running agent: %v", err)
	}

	if _, ok := mgr.Get("done1234"); !ok {
		t.Error("finished agent was evicted instead of a running one")
	}
	if _, ok := mgr.Get(first); ok {
		t.Error("the oldest running agent should have been evicted")
	}
	running := 0
	for _, a := range mgr.List(0) {
		if a.Status == AgentRunning {
			running++
		}
	}
	if running != 2 {
		t.Errorf("running agents = %d, want the cap of 2", running)
	}
}

func TestAgentCancelDropsResult(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan string, 1)
	sink := func(chatID int64, agentID, text string) { delivered <- text }
	mgr := NewAgentManager(DefaultAgentManagerConfig(),
		blockingOrchestrator(t, release), sink, testLogger())

	id, err := mgr.Spawn(context.Background(), "long task", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	a, ok := mgr.Get(id)
	if !ok || a.Status != AgentCancelled {
		t.Errorf("status = %v, want cancelled", a.Status)
	}
	// Cancelling twice is an error, not a panic.
	if err := mgr.Cancel(id); err == nil {
		t.Error("second cancel should report the agent is not running")
	}

	close(release)
	select {
	case text := <-delivered:
		t.Errorf("cancelled agent delivered %q, want nothing", text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAgentCompletionDelivers(t *testing.T) {
	release := make(chan struct{})
	close(release) // provider answers immediately
	delivered := make(chan string, 1)
	sink := func(chatID int64, agentID, text string) { delivered <- text }
	mgr := NewAgentManager(DefaultAgentManagerConfig(),
		blockingOrchestrator(t, release), sink, testLogger())

	id, err := mgr.Spawn(context.Background(), "quick task", 1)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case text := <-delivered:
		if text != "agent done" {
			t.Errorf("delivered %q, want agent done", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent result never delivered")
	}

	a, _ := mgr.Get(id)
	if a.Status != AgentCompleted || a.Result != "agent done" {
		t.Errorf("agent = {%s %q}, want completed/agent done", a.Status, a.Result)
	}
}

func TestAgentSpawnRejectsEmptyTask(t *testing.T) {
	mgr := NewAgentManager(DefaultAgentManagerConfig(), nil, nil, testLogger())
	if _, err := mgr.Spawn(context.Background(), "   ", 1); err == nil {
		t.Error("blank task should be rejected")
	}
}

func TestAgentSweepPurgesAndCancels(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mgr := NewAgentManager(DefaultAgentManagerConfig(),
		blockingOrchestrator(t, release), nil, testLogger())

	stuckID, err := mgr.Spawn(context.Background(), "stuck", 1)
	if err != nil {
		t.Fatal(err)
	}

	// Backdate both a finished and the running agent past the TTL.
	old := time.Now().Add(-time.Hour)
	mgr.mu.Lock()
	mgr.agents["dead"] = &Agent{
		ID: "dead", ChatID: 1, Status: AgentCompleted,
		CreatedAt: old, CompletedAt: old,
	}
	mgr.agents[stuckID].CreatedAt = old
	mgr.mu.Unlock()

	if affected := mgr.Sweep(); affected != 2 {
		t.Errorf("Sweep affected %d agents, want 2", affected)
	}
	if _, ok := mgr.Get("dead"); ok {
		t.Error("expired finished agent should be purged")
	}
	a, ok := mgr.Get(stuckID)
	if !ok || a.Status != AgentCancelled {
		t.Errorf("stuck agent status = %v, want cancelled", a.Status)
	}
}

func TestAgentListNewestFirst(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mgr := NewAgentManager(DefaultAgentManagerConfig(),
		blockingOrchestrator(t, release), nil, testLogger())

	a1, _ := mgr.Spawn(context.Background(), "first", 1)
	time.Sleep(2 * time.Millisecond)
	a2, _ := mgr.Spawn(context.Background(), "second", 1)

	list := mgr.List(1)
	if len(list) != 2 || list[0].ID != a2 || list[1].ID != a1 {
		t.Errorf("List order = %v, want newest first", []string{list[0].ID, list[1].ID})
	}
	if got := mgr.List(99); len(got) != 0 {
		t.Errorf("List(99) returned %d agents, want 0", len(got))
	}
}
