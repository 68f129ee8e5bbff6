package rebase

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/gitexec"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// remoteAndClone sets up a bare "origin" repo plus a clone, returning the
// clone's directory. Skips the test if git isn't usable here.
func remoteAndClone(t *testing.T) (clone string) {
	t.Helper()
	origin := t.TempDir()
	cmd := exec.Command("git", "init", "-q", "--bare")
	cmd.Dir = origin
	if err := cmd.Run(); err != nil {
		t.Skipf("git not usable in this environment: %v", err)
	}

	seed := t.TempDir()
	runGit(t, seed, "init", "-q")
	runGit(t, seed, "config", "user.email", "test@example.com")
	runGit(t, seed, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-q", "-m", "initial")
	runGit(t, seed, "branch", "-M", "main")
	runGit(t, seed, "remote", "add", "origin", origin)
	runGit(t, seed, "push", "-q", "origin", "main")

	clone = t.TempDir()
	cmd = exec.Command("git", "clone", "-q", origin, clone)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("clone: %v\n%s", err, out)
	}
	runGit(t, clone, "config", "user.email", "test@example.com")
	runGit(t, clone, "config", "user.name", "Test")

	// Advance origin with a second commit pushed from the seed checkout,
	// so the clone starts out behind.
	if err := os.WriteFile(filepath.Join(seed, "upstream.txt"), []byte("new\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-q", "-m", "second")
	runGit(t, seed, "push", "-q", "origin", "main")

	return clone
}

func TestForceCheckRebasesWhenBehind(t *testing.T) {
	clone := remoteAndClone(t)

	bus := eventbus.New(16)
	wheel := clockwheel.New()
	defer wheel.Stop()

	w := New(gitexec.New(), bus, wheel, nil)
	w.StartWatching("sess_rebase01", clone, clone, "main", time.Hour)
	defer w.StopWatching("sess_rebase01")

	result := w.ForceCheck("sess_rebase01")
	if !result.Success {
		t.Fatalf("expected successful rebase, got: %+v", result)
	}
}

// TestForceCheckRefusesWhilePaused covers scenario S5: once a conflicted
// rebase leaves a watcher paused, forceCheck must also refuse to rebase
// until resumeWatching is called.
func TestForceCheckRefusesWhilePaused(t *testing.T) {
	clone := remoteAndClone(t)

	bus := eventbus.New(16)
	wheel := clockwheel.New()
	defer wheel.Stop()

	w := New(gitexec.New(), bus, wheel, nil)
	w.StartWatching("sess_paused01", clone, clone, "main", time.Hour)
	defer w.StopWatching("sess_paused01")

	w.Pause("sess_paused01")

	result := w.ForceCheck("sess_paused01")
	if result.Success {
		t.Fatal("expected ForceCheck to refuse while the watcher is paused")
	}
	if result.Message != "watcher paused" {
		t.Fatalf("expected \"watcher paused\" message, got %q", result.Message)
	}
}

func TestForceCheckNoWatcherReturnsFailure(t *testing.T) {
	w := New(gitexec.New(), eventbus.New(16), clockwheel.New(), nil)
	result := w.ForceCheck("sess_unknown")
	if result.Success {
		t.Fatal("expected failure for an unknown session")
	}
}

func TestStartWatchingIsIdempotent(t *testing.T) {
	clone := remoteAndClone(t)
	wheel := clockwheel.New()
	defer wheel.Stop()

	w := New(gitexec.New(), eventbus.New(16), wheel, nil)
	w.StartWatching("sess_dup", clone, clone, "main", time.Hour)
	w.StartWatching("sess_dup", clone, clone, "main", time.Hour)
	defer w.StopWatching("sess_dup")

	w.mu.Lock()
	count := len(w.watchers)
	w.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one watcher entry, got %d", count)
	}
}

func TestPauseAndResumeChangeState(t *testing.T) {
	clone := remoteAndClone(t)
	wheel := clockwheel.New()
	defer wheel.Stop()

	w := New(gitexec.New(), eventbus.New(16), wheel, nil)
	w.StartWatching("sess_pause01", clone, clone, "main", time.Hour)
	defer w.StopWatching("sess_pause01")

	w.Pause("sess_pause01")
	w.mu.Lock()
	wt := w.watchers["sess_pause01"]
	w.mu.Unlock()
	wt.mu.Lock()
	state := wt.state
	wt.mu.Unlock()
	if state != StatePaused {
		t.Fatalf("expected StatePaused, got %v", state)
	}

	w.Resume("sess_pause01")
	wt.mu.Lock()
	state = wt.state
	wt.mu.Unlock()
	if state != StateWatching {
		t.Fatalf("expected StateWatching after resume, got %v", state)
	}
}

func TestTickDefersWhenCommitPending(t *testing.T) {
	clone := remoteAndClone(t)
	wheel := clockwheel.New()
	defer wheel.Stop()

	pending := func(string) bool { return true }
	w := New(gitexec.New(), eventbus.New(16), wheel, pending)
	w.StartWatching("sess_defer01", clone, clone, "main", time.Hour)
	defer w.StopWatching("sess_defer01")

	w.mu.Lock()
	wt := w.watchers["sess_defer01"]
	w.mu.Unlock()

	w.tick(wt)

	if !wheel.Pending(deferID("sess_defer01")) {
		t.Fatal("expected tick to reschedule itself when a commit is pending")
	}
	wt.mu.Lock()
	behind := wt.behindCount
	wt.mu.Unlock()
	if behind != 0 {
		t.Fatalf("expected no fetch/check to have run while deferred, got behindCount=%d", behind)
	}
}
