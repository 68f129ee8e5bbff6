// Package gitexec is the single chokepoint for invoking the git binary.
// Grounded on the teacher's git_operations.go: context-scoped timeouts,
// %w-wrapped errors, and its documented CLI-over-go-git fallback for
// operations go-git handles incorrectly (fetch with credential helpers,
// checkout clobbering untracked files). Read-only graph queries use
// go-git/v5 directly; everything that mutates the working tree or talks
// to a remote shells out to the git binary.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/s9nkit/devops-agent-core/internal/obslog"
	"github.com/s9nkit/devops-agent-core/internal/redact"
)

// Category is the closed set a Git invocation's outcome is classified
// into. Callers MUST branch on Category, never on raw stderr text.
type Category string

const (
	CategoryOK           Category = "ok"
	CategoryCleanNoOp    Category = "clean-no-op"
	CategoryConflict     Category = "conflict"
	CategoryAuthRequired Category = "auth-required"
	CategoryNetwork      Category = "network"
	CategoryTimeout      Category = "timeout"
	CategoryUnknown      Category = "unknown"
)

// Result is the outcome of one subprocess invocation.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Category  Category
	Command   string
	Args      []string
	Truncated bool
}

// maxCapturedOutput bounds how much stdout/stderr is retained in a Result,
// matching the terminal-log entry's outputTruncated field from spec.md §4.2.
const maxCapturedOutput = 64 * 1024

const (
	maxRetries     = 3
	initialBackoff = 250 * time.Millisecond
)

// DefaultTimeout is used by callers that don't have a more specific budget
// (fetch and rebase use longer, explicit timeouts).
const DefaultTimeout = 30 * time.Second

// Executor wraps the git binary for one process lifetime. It is stateless
// and safe for concurrent use; every method takes repoPath explicitly.
type Executor struct {
	// binary is the git executable to invoke; overridable in tests.
	binary string
}

// New returns an Executor that invokes the system "git" binary.
func New() *Executor {
	return &Executor{binary: "git"}
}

// Run executes `git <args...>` in repoPath with the given timeout,
// classifies the outcome, and logs a structured terminal-log entry with
// secrets scrubbed from stderr. It never returns an error for command
// failures — callers branch on Result.Category — only for inability to
// start the process at all.
func (e *Executor) Run(ctx context.Context, repoPath string, timeout time.Duration, args ...string) (Result, error) {
	return e.runWithRetry(ctx, repoPath, timeout, args...)
}

func (e *Executor) runWithRetry(ctx context.Context, repoPath string, timeout time.Duration, args ...string) (Result, error) {
	backoff := initialBackoff
	var last Result
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := e.runOnce(ctx, repoPath, timeout, args...)
		last, lastErr = res, err
		if err != nil {
			return res, err
		}
		if res.Category != CategoryNetwork {
			return res, nil
		}
		if attempt == maxRetries-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return res, ctx.Err()
		}
		backoff *= 2
	}
	return last, lastErr
}

func (e *Executor) runOnce(ctx context.Context, repoPath string, timeout time.Duration, args ...string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if err != nil && runCtx.Err() == context.DeadlineExceeded {
		exitCode = -1
	} else if err != nil {
		return Result{}, fmt.Errorf("starting git %s: %w", strings.Join(args, " "), err)
	}

	res := Result{
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		ExitCode: exitCode,
		Duration: duration,
		Command:  e.binary,
		Args:     args,
	}
	res.Truncated = len(stdout.String()) > maxCapturedOutput || len(stderr.String()) > maxCapturedOutput
	res.Category = classify(runCtx, exitCode, stderr.String())

	obslog.Info(ctx, "git command completed",
		"command", e.binary,
		"argv", strings.Join(args, " "),
		"cwd", repoPath,
		"exitCode", exitCode,
		"durationMs", duration.Milliseconds(),
		"category", string(res.Category),
		"outputTruncated", res.Truncated,
		"stderr", redact.String(res.Stderr),
	)

	return res, nil
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput]
}

// classify maps an exit code and stderr text to a Category. Grounded on
// the teacher's stderr-substring matching style used throughout
// strategy/manual_commit_git.go.
func classify(ctx context.Context, exitCode int, stderr string) Category {
	if ctx.Err() == context.DeadlineExceeded {
		return CategoryTimeout
	}
	if exitCode == 0 {
		return CategoryOK
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "nothing to commit"),
		strings.Contains(lower, "up to date"),
		strings.Contains(lower, "up-to-date"),
		strings.Contains(lower, "already up to date"):
		return CategoryCleanNoOp
	case strings.Contains(lower, "conflict"),
		strings.Contains(lower, "unmerged"),
		strings.Contains(lower, "needs merge"):
		return CategoryConflict
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "permission denied (publickey)"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "fatal: authentication"):
		return CategoryAuthRequired
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "network is unreachable"),
		strings.Contains(lower, "early eof"),
		strings.Contains(lower, "unable to access"):
		return CategoryNetwork
	case strings.Contains(lower, "index.lock"),
		strings.Contains(lower, "another git process"):
		return CategoryNetwork // transient-lock shares the retry policy with network
	default:
		return CategoryUnknown
	}
}

// openRepository opens repoPath with go-git, for the read-only graph
// queries where go-git is the right tool (branch existence, merge-base).
func openRepository(repoPath string) (*git.Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", repoPath, err)
	}
	return repo, nil
}

// BranchExistsLocally reports whether a local branch ref exists.
func BranchExistsLocally(repoPath, branch string) (bool, error) {
	repo, err := openRepository(repoPath)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking local branch %s: %w", branch, err)
	}
	return true, nil
}

// BranchExistsOnRemote reports whether origin/<branch> exists.
func BranchExistsOnRemote(repoPath, branch string) (bool, error) {
	repo, err := openRepository(repoPath)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking remote branch %s: %w", branch, err)
	}
	return true, nil
}

// MergeBase finds the common ancestor commit of two branches.
func MergeBase(repoPath, branch1, branch2 string) (plumbing.Hash, error) {
	repo, err := openRepository(repoPath)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	ref1, err := repo.Reference(plumbing.NewBranchReferenceName(branch1), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving branch %s: %w", branch1, err)
	}
	ref2, err := repo.Reference(plumbing.NewBranchReferenceName(branch2), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving branch %s: %w", branch2, err)
	}

	commit1, err := repo.CommitObject(ref1.Hash())
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("loading commit for %s: %w", branch1, err)
	}
	commit2, err := repo.CommitObject(ref2.Hash())
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("loading commit for %s: %w", branch2, err)
	}

	bases, err := commit1.MergeBase(commit2)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("computing merge base: %w", err)
	}
	if len(bases) == 0 {
		return plumbing.ZeroHash, errors.New("no common ancestor")
	}
	return bases[0].Hash, nil
}
