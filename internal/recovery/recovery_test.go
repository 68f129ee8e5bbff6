package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/config"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/model"
)

func writeSessionFile(t *testing.T, repoPath, sessionID string, report model.SessionReport) {
	t.Helper()
	path := kitpaths.SessionFilePath(repoPath, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newScanner(t *testing.T) (*Scanner, *config.Store) {
	t.Helper()
	store, err := config.New(t.TempDir())
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return New(store, eventbus.New(16)), store
}

func TestScanRepoForSessionsMarksOrphanWithoutInstance(t *testing.T) {
	scanner, _ := newScanner(t)
	repo := t.TempDir()

	writeSessionFile(t, repo, "sess_orphan1", model.SessionReport{
		SessionID: "sess_orphan1",
		AgentType: model.AgentTypeClaude,
		Task:      "refactor",
		Updated:   time.Now(),
	})

	found, err := scanner.ScanRepoForSessions(repo)
	if err != nil {
		t.Fatalf("ScanRepoForSessions: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 session, got %d", len(found))
	}
	if found[0].HasMatchingInstance {
		t.Fatal("expected HasMatchingInstance=false with no matching AgentInstance")
	}
}

func TestScanRepoForSessionsMatchesExistingInstance(t *testing.T) {
	scanner, store := newScanner(t)
	repo := t.TempDir()

	writeSessionFile(t, repo, "sess_known1", model.SessionReport{SessionID: "sess_known1", AgentType: model.AgentTypeClaude})
	if err := store.Upsert(model.AgentInstance{InstanceID: "inst_1", LastSessionID: "sess_known1", Status: model.AgentInstanceStatusRunning}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	found, err := scanner.ScanRepoForSessions(repo)
	if err != nil {
		t.Fatalf("ScanRepoForSessions: %v", err)
	}
	if len(found) != 1 || !found[0].HasMatchingInstance {
		t.Fatalf("expected matched instance, got %+v", found)
	}
}

func TestScanRepoForSessionsMissingDirReturnsEmpty(t *testing.T) {
	scanner, _ := newScanner(t)
	found, err := scanner.ScanRepoForSessions(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no sessions, got %d", len(found))
	}
}

func TestScanAllReposForSessionsEmitsOrphanedEventOnlyForTrueOrphans(t *testing.T) {
	scanner, store := newScanner(t)
	repoA := t.TempDir()
	repoB := t.TempDir()

	writeSessionFile(t, repoA, "sess_a", model.SessionReport{SessionID: "sess_a", Updated: time.Now()})
	writeSessionFile(t, repoB, "sess_b", model.SessionReport{SessionID: "sess_b", Updated: time.Now().Add(time.Hour)})
	if err := store.Upsert(model.AgentInstance{InstanceID: "inst_b", LastSessionID: "sess_b"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	orphans, err := scanner.ScanAllReposForSessions([]string{repoA, repoB})
	if err != nil {
		t.Fatalf("ScanAllReposForSessions: %v", err)
	}
	if len(orphans) != 1 || orphans[0].SessionID != "sess_a" {
		t.Fatalf("expected exactly sess_a as the true orphan, got %+v", orphans)
	}
}

func TestRecoverSessionSynthesizesWaitingInstance(t *testing.T) {
	scanner, store := newScanner(t)
	repo := t.TempDir()

	writeSessionFile(t, repo, "sess_recover1", model.SessionReport{
		SessionID:  "sess_recover1",
		AgentType:  model.AgentTypeCursor,
		BranchName: "feature/x",
		BaseBranch: "main",
	})

	inst, err := scanner.RecoverSession("sess_recover1", repo)
	if err != nil {
		t.Fatalf("RecoverSession: %v", err)
	}
	if inst.Status != model.AgentInstanceStatusWaiting {
		t.Fatalf("expected waiting status, got %v", inst.Status)
	}
	if inst.Config.TaskDescription != "Recovered session" {
		t.Fatalf("expected fallback task description, got %q", inst.Config.TaskDescription)
	}

	if _, ok := store.FindBySessionID("sess_recover1"); !ok {
		t.Fatal("expected instance to be persisted and findable by sessionId")
	}
}

func TestRecoverSessionUsesExistingTaskDescription(t *testing.T) {
	scanner, _ := newScanner(t)
	repo := t.TempDir()
	writeSessionFile(t, repo, "sess_recover2", model.SessionReport{SessionID: "sess_recover2", Task: "fix the bug"})

	inst, err := scanner.RecoverSession("sess_recover2", repo)
	if err != nil {
		t.Fatalf("RecoverSession: %v", err)
	}
	if inst.Config.TaskDescription != "fix the bug" {
		t.Fatalf("expected task description to be preserved, got %q", inst.Config.TaskDescription)
	}
}

func TestRecoverMultipleSessionsTalliesRecoveredAndFailed(t *testing.T) {
	scanner, _ := newScanner(t)
	repo := t.TempDir()
	writeSessionFile(t, repo, "sess_multi1", model.SessionReport{SessionID: "sess_multi1"})

	result := scanner.RecoverMultipleSessions([]SessionRef{
		{SessionID: "sess_multi1", RepoPath: repo},
		{SessionID: "sess_missing", RepoPath: repo},
	})
	if result.Recovered != 1 || result.Failed != 1 {
		t.Fatalf("expected 1 recovered, 1 failed, got %+v", result)
	}
	if result.Errors == nil || !strings.Contains(result.Errors.Error(), "sess_missing") {
		t.Fatalf("expected Errors to name the failed ref, got %v", result.Errors)
	}
}

func TestDeleteOrphanedSessionRemovesSessionAndMatchingAgentFiles(t *testing.T) {
	scanner, _ := newScanner(t)
	repo := t.TempDir()
	sessionID := "sess_deletable1"
	writeSessionFile(t, repo, sessionID, model.SessionReport{SessionID: sessionID})

	agentsDir := filepath.Join(kitpaths.StateDir(repo), kitpaths.AgentsDir)
	if err := os.MkdirAll(agentsDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	short := kitpaths.ShortID(sessionID)
	matching := filepath.Join(agentsDir, "agent-"+short+".json")
	unrelated := filepath.Join(agentsDir, "agent-unrelated.json")
	if err := os.WriteFile(matching, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(unrelated, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := scanner.DeleteOrphanedSession(sessionID, repo); err != nil {
		t.Fatalf("DeleteOrphanedSession: %v", err)
	}

	if _, err := os.Stat(kitpaths.SessionFilePath(repo, sessionID)); !os.IsNotExist(err) {
		t.Fatal("expected session file to be removed")
	}
	if _, err := os.Stat(matching); !os.IsNotExist(err) {
		t.Fatal("expected matching agent file to be removed")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatal("expected unrelated agent file to survive")
	}

	// Idempotent: a second delete must not error.
	if err := scanner.DeleteOrphanedSession(sessionID, repo); err != nil {
		t.Fatalf("expected idempotent delete, got error: %v", err)
	}
}
