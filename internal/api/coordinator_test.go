package api

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/config"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/gitexec"
	"github.com/s9nkit/devops-agent-core/internal/model"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Skipf("git not usable in this environment: %v", err)
	}
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func newService(t *testing.T) *Service {
	t.Helper()
	store, err := config.New(t.TempDir())
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	wheel := clockwheel.New()
	t.Cleanup(wheel.Stop)

	svc, err := New(eventbus.New(64), wheel, gitexec.New(), store)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	return svc
}

func TestCreateSessionPersistsInstanceAndSessionFile(t *testing.T) {
	svc := newService(t)
	repo := initRepo(t)

	res := svc.CreateSession(context.Background(), CreateSessionRequest{
		RepoPath:           repo,
		AgentType:          model.AgentTypeClaude,
		TaskDescription:    "refactor the parser",
		BranchName:         "feature/parser",
		BaseBranch:         "main",
		CommitIntervalSecs: 30,
	})
	if !res.Success {
		t.Fatalf("CreateSession failed: %+v", res.Err)
	}
	if res.Data.InstanceID == "" {
		t.Fatal("expected a generated instance id")
	}
	if res.Data.Status != model.AgentInstanceStatusRunning {
		t.Fatalf("expected running status, got %v", res.Data.Status)
	}

	sessions := svc.ListSessions(context.Background(), repo)
	if !sessions.Success || len(sessions.Data) != 1 {
		t.Fatalf("expected exactly one listed session, got %+v", sessions)
	}
}

func TestCreateSessionRejectsMissingRepoPath(t *testing.T) {
	svc := newService(t)
	res := svc.CreateSession(context.Background(), CreateSessionRequest{AgentType: model.AgentTypeClaude})
	if res.Success {
		t.Fatal("expected failure for missing repoPath")
	}
	if res.Err.Code != CodeInvalidRequest {
		t.Fatalf("expected CodeInvalidRequest, got %v", res.Err.Code)
	}
}

func TestCloseSessionReleasesLocksAndMarksStopped(t *testing.T) {
	svc := newService(t)
	repo := initRepo(t)

	created := svc.CreateSession(context.Background(), CreateSessionRequest{
		RepoPath:  repo,
		AgentType: model.AgentTypeClaude,
		BranchName: "feature/x",
	})
	if !created.Success {
		t.Fatalf("CreateSession: %+v", created.Err)
	}
	sessionID := created.Data.LastSessionID

	declared := svc.DeclareFiles(context.Background(), repo, DeclareFilesRequest{
		AgentType: model.AgentTypeClaude,
		SessionID: sessionID,
		Files:     []string{"README.md"},
		Operation: "edit",
	})
	if !declared.Success {
		t.Fatalf("DeclareFiles: %+v", declared.Err)
	}

	res := svc.CloseSession(context.Background(), sessionID)
	if !res.Success {
		t.Fatalf("CloseSession failed: %+v", res.Err)
	}

	again := svc.CloseSession(context.Background(), sessionID)
	if again.Success || again.Err.Code != CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND on a second close, got %+v", again)
	}
}

func TestCheckConflictsAndForceReleaseLock(t *testing.T) {
	svc := newService(t)
	repo := initRepo(t)

	m := svc.lockManagerFor(repo)
	m.AutoLockFile(repo, "README.md", "sess_holder", model.AgentTypeClaude, "main")

	conflicts := svc.CheckConflicts(context.Background(), repo, []string{"README.md"}, "sess_other")
	if !conflicts.Success || len(conflicts.Data) != 1 {
		t.Fatalf("expected exactly one conflict, got %+v", conflicts)
	}

	release := svc.ForceReleaseLock(context.Background(), repo, "README.md")
	if !release.Success {
		t.Fatalf("ForceReleaseLock failed: %+v", release.Err)
	}

	missing := svc.ForceReleaseLock(context.Background(), repo, "README.md")
	if missing.Success || missing.Err.Code != CodeForceReleaseLockFailed {
		t.Fatalf("expected FORCE_RELEASE_LOCK_FAILED on an already-released lock, got %+v", missing)
	}
}

func TestScanAllReposForSessionsAndRecover(t *testing.T) {
	svc := newService(t)
	repo := initRepo(t)

	created := svc.CreateSession(context.Background(), CreateSessionRequest{
		RepoPath:  repo,
		AgentType: model.AgentTypeCursor,
	})
	if !created.Success {
		t.Fatalf("CreateSession: %+v", created.Err)
	}
	sessionID := created.Data.LastSessionID

	// Simulate an orphan: the instance table forgets the session's
	// instance without touching the on-disk session file.
	svc.forgetSession(sessionID)
	if err := svc.store.Delete(created.Data.InstanceID); err != nil {
		t.Fatalf("store.Delete: %v", err)
	}

	scanned := svc.ScanAllReposForSessions(context.Background(), []string{repo})
	if !scanned.Success || len(scanned.Data) != 1 {
		t.Fatalf("expected exactly one orphan, got %+v", scanned)
	}

	recovered := svc.RecoverSession(context.Background(), sessionID, repo)
	if !recovered.Success {
		t.Fatalf("RecoverSession failed: %+v", recovered.Err)
	}
	if recovered.Data.Status != model.AgentInstanceStatusWaiting {
		t.Fatalf("expected waiting status after recovery, got %v", recovered.Data.Status)
	}

	rescanned := svc.ScanAllReposForSessions(context.Background(), []string{repo})
	if !rescanned.Success || len(rescanned.Data) != 0 {
		t.Fatalf("expected no orphans after recovery, got %+v", rescanned)
	}
}

func TestForceCheckUnknownSessionReturnsStableErrorCode(t *testing.T) {
	svc := newService(t)
	res := svc.ForceCheck(context.Background(), "sess_does_not_exist")
	if res.Success {
		t.Fatal("expected failure for an unknown rebase watcher")
	}
	if res.Err.Code != CodeRebaseForceCheckFailed {
		t.Fatalf("expected CodeRebaseForceCheckFailed, got %v", res.Err.Code)
	}
	if !res.Err.Reported {
		t.Fatal("expected Reported=true: the rebase watcher already logs its own failure")
	}
}

func TestStartAndStopRebaseWatcher(t *testing.T) {
	svc := newService(t)
	repo := initRepo(t)

	start := svc.StartRebaseWatcher(context.Background(), RebaseWatchRequest{
		SessionID:    "sess_rebase_api",
		RepoPath:     repo,
		WorktreePath: repo,
		BaseBranch:   "main",
		PollInterval: time.Hour,
	})
	if !start.Success {
		t.Fatalf("StartRebaseWatcher failed: %+v", start.Err)
	}

	pause := svc.PauseRebaseWatcher(context.Background(), "sess_rebase_api")
	if !pause.Success {
		t.Fatalf("PauseRebaseWatcher failed: %+v", pause.Err)
	}
	resume := svc.ResumeRebaseWatcher(context.Background(), "sess_rebase_api")
	if !resume.Success {
		t.Fatalf("ResumeRebaseWatcher failed: %+v", resume.Err)
	}

	stop := svc.StopRebaseWatcher(context.Background(), "sess_rebase_api")
	if !stop.Success {
		t.Fatalf("StopRebaseWatcher failed: %+v", stop.Err)
	}
}
