package gitexec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fetchTimeout and rebaseTimeout mirror the teacher's 2-minute budget for
// network operations in FetchAndCheckoutRemoteBranch/FetchMetadataBranch.
const (
	fetchTimeout  = 2 * time.Minute
	rebaseTimeout = 2 * time.Minute
)

// Status is the porcelain-v2-derived view of a repository's working tree.
type Status struct {
	Branch  string
	Ahead   int
	Behind  int
	Clean   bool
	Changes []string
}

// Status reports the current branch, ahead/behind counts against upstream,
// and the list of changed paths (porcelain v2).
func (e *Executor) Status(ctx context.Context, repoPath string) (Status, error) {
	res, err := e.Run(ctx, repoPath, DefaultTimeout, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return Status{}, err
	}
	if res.Category != CategoryOK {
		return Status{}, fmt.Errorf("git status failed: category=%s stderr=%s", res.Category, res.Stderr)
	}
	return parsePorcelainV2(res.Stdout), nil
}

func parsePorcelainV2(out string) Status {
	var st Status
	st.Clean = true

	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			st.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			fields := strings.Fields(strings.TrimPrefix(line, "# branch.ab "))
			for _, f := range fields {
				if n, ok := strings.CutPrefix(f, "+"); ok {
					st.Ahead, _ = strconv.Atoi(n)
				} else if n, ok := strings.CutPrefix(f, "-"); ok {
					st.Behind, _ = strconv.Atoi(n)
				}
			}
		case strings.HasPrefix(line, "1 "), strings.HasPrefix(line, "2 "), strings.HasPrefix(line, "u "), strings.HasPrefix(line, "? "):
			st.Clean = false
			fields := strings.Fields(line)
			if len(fields) > 0 {
				st.Changes = append(st.Changes, fields[len(fields)-1])
			}
		}
	}
	return st
}

// Commit stages all changes and commits with message. Returns the new
// commit hash, or CategoryCleanNoOp if there was nothing to commit.
func (e *Executor) Commit(ctx context.Context, repoPath, message string) (hash string, res Result, err error) {
	if res, err = e.addAll(ctx, repoPath); err != nil {
		return "", res, err
	}

	res, err = e.Run(ctx, repoPath, DefaultTimeout, "commit", "-m", message)
	if err != nil {
		return "", res, err
	}
	if res.Category == CategoryCleanNoOp {
		return "", res, nil
	}
	if res.Category != CategoryOK {
		return "", res, fmt.Errorf("git commit failed: category=%s stderr=%s", res.Category, res.Stderr)
	}

	headRes, err := e.Run(ctx, repoPath, DefaultTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", headRes, err
	}
	return strings.TrimSpace(headRes.Stdout), headRes, nil
}

func (e *Executor) addAll(ctx context.Context, repoPath string) (Result, error) {
	return e.Run(ctx, repoPath, DefaultTimeout, "add", "-A")
}

// Fetch runs `git fetch <remote>`, retrying on network failures per §4.2.
func (e *Executor) Fetch(ctx context.Context, repoPath, remote string) (Result, error) {
	if remote == "" {
		remote = "origin"
	}
	return e.Run(ctx, repoPath, fetchTimeout, "fetch", remote)
}

// AheadBehind is the result of comparing a local branch to its upstream.
type AheadBehind struct {
	Ahead  int
	Behind int
}

// CheckRemoteChanges fetches and then reports how far the local branch has
// diverged from origin/<branch>.
func (e *Executor) CheckRemoteChanges(ctx context.Context, repoPath, branch string) (AheadBehind, error) {
	if res, err := e.Fetch(ctx, repoPath, "origin"); err != nil {
		return AheadBehind{}, err
	} else if res.Category != CategoryOK && res.Category != CategoryCleanNoOp {
		return AheadBehind{}, fmt.Errorf("fetch failed: category=%s stderr=%s", res.Category, res.Stderr)
	}

	res, err := e.Run(ctx, repoPath, DefaultTimeout, "rev-list", "--left-right", "--count",
		fmt.Sprintf("%s...origin/%s", branch, branch))
	if err != nil {
		return AheadBehind{}, err
	}
	if res.Category != CategoryOK {
		return AheadBehind{}, fmt.Errorf("rev-list failed: category=%s stderr=%s", res.Category, res.Stderr)
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) != 2 {
		return AheadBehind{}, fmt.Errorf("unexpected rev-list output: %q", res.Stdout)
	}
	ahead, _ := strconv.Atoi(fields[0])
	behind, _ := strconv.Atoi(fields[1])
	return AheadBehind{Ahead: ahead, Behind: behind}, nil
}

// Rebase runs `git rebase <onto>`. On CategoryConflict, the caller MUST
// run Abort to leave the tree clean, per spec.md's rebase watcher contract.
func (e *Executor) Rebase(ctx context.Context, repoPath, onto string) (Result, error) {
	return e.Run(ctx, repoPath, rebaseTimeout, "rebase", onto)
}

// AbortRebase runs `git rebase --abort`, used to recover from a conflicted rebase.
func (e *Executor) AbortRebase(ctx context.Context, repoPath string) (Result, error) {
	return e.Run(ctx, repoPath, DefaultTimeout, "rebase", "--abort")
}

// ListBranches returns every local branch name.
func (e *Executor) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	res, err := e.Run(ctx, repoPath, DefaultTimeout, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	if res.Category != CategoryOK {
		return nil, fmt.Errorf("listing branches failed: category=%s stderr=%s", res.Category, res.Stderr)
	}
	return splitNonEmptyLines(res.Stdout), nil
}

// DeleteBranch deletes a local branch. force maps to -D instead of -d.
func (e *Executor) DeleteBranch(ctx context.Context, repoPath, branch string, force bool) (Result, error) {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return e.Run(ctx, repoPath, DefaultTimeout, "branch", flag, branch)
}

// GetMergedBranches returns local branches already merged into target.
func (e *Executor) GetMergedBranches(ctx context.Context, repoPath, target string) ([]string, error) {
	res, err := e.Run(ctx, repoPath, DefaultTimeout, "branch", "--merged", target, "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if res.Category != CategoryOK {
		return nil, fmt.Errorf("listing merged branches failed: category=%s stderr=%s", res.Category, res.Stderr)
	}

	var out []string
	for _, line := range splitNonEmptyLines(res.Stdout) {
		if line != target {
			out = append(out, line)
		}
	}
	return out, nil
}

// CommitSummary is one entry of git log output.
type CommitSummary struct {
	Hash    string
	Author  string
	When    time.Time
	Subject string
}

// GetCommitHistory returns up to limit commits reachable from ref, newest first.
func (e *Executor) GetCommitHistory(ctx context.Context, repoPath, ref string, limit int) ([]CommitSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	const sep = "\x1f"
	format := strings.Join([]string{"%H", "%an <%ae>", "%aI", "%s"}, sep)
	res, err := e.Run(ctx, repoPath, DefaultTimeout, "log", fmt.Sprintf("-n%d", limit), "--format="+format, ref)
	if err != nil {
		return nil, err
	}
	if res.Category != CategoryOK {
		return nil, fmt.Errorf("git log failed: category=%s stderr=%s", res.Category, res.Stderr)
	}

	var out []CommitSummary
	for _, line := range splitNonEmptyLines(res.Stdout) {
		fields := strings.Split(line, sep)
		if len(fields) != 4 {
			continue
		}
		when, _ := time.Parse(time.RFC3339, fields[2])
		out = append(out, CommitSummary{Hash: fields[0], Author: fields[1], When: when, Subject: fields[3]})
	}
	return out, nil
}

// GetCommitDiff returns the unified diff for a single commit.
func (e *Executor) GetCommitDiff(ctx context.Context, repoPath, hash string) (string, error) {
	res, err := e.Run(ctx, repoPath, DefaultTimeout, "show", "--format=", hash)
	if err != nil {
		return "", err
	}
	if res.Category != CategoryOK {
		return "", fmt.Errorf("git show failed: category=%s stderr=%s", res.Category, res.Stderr)
	}
	return res.Stdout, nil
}

// CreateWorktree adds a linked worktree at path on a new or existing branch.
func (e *Executor) CreateWorktree(ctx context.Context, repoPath, path, branch, baseBranch string, newBranch bool) (Result, error) {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, path, baseBranch)
	} else {
		args = append(args, path, branch)
	}
	return e.Run(ctx, repoPath, DefaultTimeout, args...)
}

// RemoveWorktree removes a linked worktree. force maps to --force.
func (e *Executor) RemoveWorktree(ctx context.Context, repoPath, path string, force bool) (Result, error) {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	return e.Run(ctx, repoPath, DefaultTimeout, args...)
}

// WorktreeInfo is one entry from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	Head   string
}

// ListWorktrees returns every linked worktree for repoPath.
func (e *Executor) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	res, err := e.Run(ctx, repoPath, DefaultTimeout, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	if res.Category != CategoryOK {
		return nil, fmt.Errorf("listing worktrees failed: category=%s stderr=%s", res.Category, res.Stderr)
	}

	var out []WorktreeInfo
	var cur WorktreeInfo
	flush := func() {
		if cur.Path != "" {
			out = append(out, cur)
		}
		cur = WorktreeInfo{}
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return out, nil
}

// PruneWorktrees removes administrative files for worktrees whose directory
// no longer exists.
func (e *Executor) PruneWorktrees(ctx context.Context, repoPath string) (Result, error) {
	return e.Run(ctx, repoPath, DefaultTimeout, "worktree", "prune")
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
