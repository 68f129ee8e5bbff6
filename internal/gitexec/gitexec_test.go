package gitexec

import (
	"context"
	"os/exec"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git not usable in this sandbox: %v: %s", err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	return dir
}

func TestClassifyCleanNoOp(t *testing.T) {
	ctx := context.Background()
	if got := classify(ctx, 1, "nothing to commit, working tree clean"); got != CategoryCleanNoOp {
		t.Fatalf("expected clean-no-op, got %s", got)
	}
}

func TestClassifyConflict(t *testing.T) {
	ctx := context.Background()
	if got := classify(ctx, 1, "CONFLICT (content): Merge conflict in foo.go"); got != CategoryConflict {
		t.Fatalf("expected conflict, got %s", got)
	}
}

func TestClassifyAuthRequired(t *testing.T) {
	ctx := context.Background()
	if got := classify(ctx, 128, "fatal: Authentication failed for 'https://example.com/repo.git'"); got != CategoryAuthRequired {
		t.Fatalf("expected auth-required, got %s", got)
	}
}

func TestClassifyNetwork(t *testing.T) {
	ctx := context.Background()
	if got := classify(ctx, 128, "fatal: unable to access: Could not resolve host: example.com"); got != CategoryNetwork {
		t.Fatalf("expected network, got %s", got)
	}
}

func TestClassifyOKWhenExitZero(t *testing.T) {
	ctx := context.Background()
	if got := classify(ctx, 0, ""); got != CategoryOK {
		t.Fatalf("expected ok, got %s", got)
	}
}

func TestStatusOnCleanRepo(t *testing.T) {
	dir := initRepo(t)
	e := New()

	st, err := e.Status(context.Background(), dir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Clean {
		t.Fatalf("expected clean status on fresh repo, got %+v", st)
	}
}

func TestCommitCreatesCommit(t *testing.T) {
	dir := initRepo(t)
	e := New()
	ctx := context.Background()

	cmd := exec.Command("sh", "-c", "echo hello > file.txt")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Skipf("could not create test file: %v", err)
	}

	hash, res, err := e.Commit(ctx, dir, "add file")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Category != CategoryOK {
		t.Fatalf("expected ok commit, got category=%s stderr=%s", res.Category, res.Stderr)
	}
	if hash == "" {
		t.Fatal("expected non-empty commit hash")
	}
}

func TestCommitIsCleanNoOpWhenNothingChanged(t *testing.T) {
	dir := initRepo(t)
	e := New()
	ctx := context.Background()

	hash, res, err := e.Commit(ctx, dir, "empty commit attempt")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Category != CategoryCleanNoOp {
		t.Fatalf("expected clean-no-op, got category=%s", res.Category)
	}
	if hash != "" {
		t.Fatalf("expected no hash for a no-op commit, got %q", hash)
	}
}
