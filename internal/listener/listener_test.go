package listener

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/registry"
)

func newListener(t *testing.T) (*Listener, string, *registry.Registry, func()) {
	t.Helper()
	repo := t.TempDir()
	bus := eventbus.New(64)
	reg := registry.New(repo, bus)
	wheel := clockwheel.New()

	l, err := New(repo, reg, wheel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cleanup := func() {
		_ = l.Stop()
		wheel.Stop()
	}
	return l, repo, reg, cleanup
}

func TestStartupReconciliationIngestsExistingFiles(t *testing.T) {
	repo := t.TempDir()
	agentsDir := filepath.Join(kitpaths.StateDir(repo), kitpaths.AgentsDir)
	if err := os.MkdirAll(agentsDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(agentsDir, "agent1.json"), []byte(`{"agentId":"agent1","agentType":"claude"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	bus := eventbus.New(64)
	reg := registry.New(repo, bus)
	wheel := clockwheel.New()
	defer wheel.Stop()

	l, err := New(repo, reg, wheel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	if _, ok := reg.GetAgent("agent1"); !ok {
		t.Fatal("expected startup reconciliation to ingest the pre-existing agent file")
	}
}

func TestNewAgentFileIsIngestedAfterDebounce(t *testing.T) {
	_, repo, reg, cleanup := newListener(t)
	defer cleanup()

	path := kitpaths.AgentFilePath(repo, "agent2")
	if err := os.WriteFile(path, []byte(`{"agentId":"agent2","agentType":"cursor"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.GetAgent("agent2"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected agent2 to be ingested within the debounce window")
}

func TestRemovingAgentFileRemovesFromRegistry(t *testing.T) {
	_, repo, reg, cleanup := newListener(t)
	defer cleanup()

	path := kitpaths.AgentFilePath(repo, "agent3")
	if err := os.WriteFile(path, []byte(`{"agentId":"agent3","agentType":"claude"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.GetAgent("agent3"); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.GetAgent("agent3"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected agent3 to be removed from the registry after file deletion")
}

func TestCategorize(t *testing.T) {
	repo := "/repo"
	if got := categorize(repo, kitpaths.AgentFilePath(repo, "a1")); got != categoryAgent {
		t.Fatalf("expected categoryAgent, got %v", got)
	}
	if got := categorize(repo, kitpaths.SessionFilePath(repo, "sess_1")); got != categorySession {
		t.Fatalf("expected categorySession, got %v", got)
	}
	if got := categorize(repo, kitpaths.HeartbeatPath(repo, "a1")); got != categoryHeartbeat {
		t.Fatalf("expected categoryHeartbeat, got %v", got)
	}
}
