// Package filewatch is the File Watcher + Commit Debouncer (spec.md §4.6):
// one recursive fsnotify subscription per active session's worktree,
// feeding auto-lock checks and a per-session debounced commit through
// internal/gitexec. Grounded on the other_examples session-watcher's
// fsnotify pump (recursive Add-per-directory, since fsnotify itself is
// not recursive) combined with the teacher's Git invocation style. The
// debounce timer is the shared internal/clockwheel rather than a
// dedicated per-path timer, per REDESIGN FLAGS' timer-proliferation note.
package filewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/gitexec"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/lockmgr"
	"github.com/s9nkit/devops-agent-core/internal/model"
	"github.com/s9nkit/devops-agent-core/internal/obslog"
	"github.com/s9nkit/devops-agent-core/internal/statedir"
	"github.com/s9nkit/devops-agent-core/internal/trailers"
)

const (
	minCommitInterval = 10 * time.Second
	maxCommitInterval = 300 * time.Second
	defaultInterval   = 30 * time.Second
)

// LockResolver returns the lockmgr.Manager owning repoPath's lock table.
type LockResolver func(repoPath string) *lockmgr.Manager

// SessionConfig describes one session to watch.
type SessionConfig struct {
	SessionID      string
	RepoPath       string
	WorktreePath   string
	AgentType      model.AgentType
	BranchName     string
	CommitInterval time.Duration
	AutoPush       bool
}

func (c SessionConfig) clampedInterval() time.Duration {
	switch {
	case c.CommitInterval <= 0:
		return defaultInterval
	case c.CommitInterval < minCommitInterval:
		return minCommitInterval
	case c.CommitInterval > maxCommitInterval:
		return maxCommitInterval
	default:
		return c.CommitInterval
	}
}

type sessionState struct {
	cfg   SessionConfig
	mu    sync.Mutex // serializes commits for this session
	dirs  []string   // directories added to fsWatcher for this session
	paused bool

	commitCount int
	lastCommit  string
}

// Watcher manages the recursive per-session watch and commit debounce
// across every active session, regardless of which repository owns it.
type Watcher struct {
	bus   *eventbus.Bus
	wheel *clockwheel.Wheel
	git   *gitexec.Executor
	locks LockResolver

	fsWatcher *fsnotify.Watcher
	done      chan struct{}

	mu          sync.Mutex
	sessions    map[string]*sessionState
	dirToSession map[string]string // watched directory -> owning sessionID
}

// New constructs a Watcher. locks resolves a repo path to its lock manager.
func New(bus *eventbus.Bus, wheel *clockwheel.Wheel, git *gitexec.Executor, locks LockResolver) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		bus:          bus,
		wheel:        wheel,
		git:          git,
		locks:        locks,
		fsWatcher:    fsw,
		done:         make(chan struct{}),
		sessions:     make(map[string]*sessionState),
		dirToSession: make(map[string]string),
	}, nil
}

// Start launches the fsnotify event pump.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop closes the fsnotify watcher and halts the pump.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// WatchSession begins recursively watching cfg.WorktreePath on behalf of a
// session, clamping CommitInterval to [10s, 300s] per spec.md §4.6.
func (w *Watcher) WatchSession(cfg SessionConfig) error {
	cfg.CommitInterval = cfg.clampedInterval()
	st := &sessionState{cfg: cfg}

	dirs, err := w.addRecursive(cfg.WorktreePath)
	if err != nil {
		return fmt.Errorf("watching worktree %s: %w", cfg.WorktreePath, err)
	}
	st.dirs = dirs

	w.mu.Lock()
	w.sessions[cfg.SessionID] = st
	for _, d := range dirs {
		w.dirToSession[d] = cfg.SessionID
	}
	w.mu.Unlock()
	return nil
}

// UnwatchSession stops watching a session's worktree and cancels its
// pending commit timer.
func (w *Watcher) UnwatchSession(sessionID string) {
	w.mu.Lock()
	st, ok := w.sessions[sessionID]
	if ok {
		delete(w.sessions, sessionID)
		for _, d := range st.dirs {
			delete(w.dirToSession, d)
			_ = w.fsWatcher.Remove(d)
		}
	}
	w.mu.Unlock()
	w.wheel.Cancel(commitTimerID(sessionID))
}

// PauseSession stops scheduling new commits without tearing down the watch.
func (w *Watcher) PauseSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.sessions[sessionID]; ok {
		st.paused = true
	}
}

// ResumeSession re-enables commit scheduling for a paused session.
func (w *Watcher) ResumeSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.sessions[sessionID]; ok {
		st.paused = false
	}
}

// addRecursive walks root, fsWatcher.Add-ing every directory not excluded
// by kitpaths.IsIgnoredPath, and returns the list of directories added.
func (w *Watcher) addRecursive(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel := kitpaths.NormalizeRelPath(root, path)
		if rel != "" && kitpaths.IsIgnoredPath(rel) {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return err
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			obslog.Warn(context.Background(), "filewatch fsnotify error", "error", err.Error())
		}
	}
}

// sessionForPath finds the owning session by longest matching watched-dir prefix.
func (w *Watcher) sessionForPath(path string) (*sessionState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(path)
	best := ""
	for d := range w.dirToSession {
		if (dir == d || strings.HasPrefix(dir, d+string(filepath.Separator))) && len(d) > len(best) {
			best = d
		}
	}
	if best == "" {
		return nil, false
	}
	st, ok := w.sessions[w.dirToSession[best]]
	return st, ok
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if st, ok := w.sessionForPath(event.Name); ok {
				if dirs, err := w.addRecursive(event.Name); err == nil {
					w.mu.Lock()
					st.dirs = append(st.dirs, dirs...)
					for _, d := range dirs {
						w.dirToSession[d] = st.cfg.SessionID
					}
					w.mu.Unlock()
				}
			}
			return
		}
	}

	st, ok := w.sessionForPath(event.Name)
	if !ok {
		return
	}
	w.handleFileEvent(st, event.Name)
}

func (w *Watcher) handleFileEvent(st *sessionState, path string) {
	cfg := st.cfg
	rel := kitpaths.NormalizeRelPath(cfg.RepoPath, path)
	if kitpaths.IsIgnoredPath(rel) {
		return
	}
	if matchesConfiguredIgnore(cfg.RepoPath, rel) {
		return
	}

	lockMgr := w.locks(cfg.RepoPath)
	outcome, _ := lockMgr.AutoLockFile(cfg.RepoPath, path, cfg.SessionID, cfg.AgentType, cfg.BranchName)

	appendActivity(cfg.RepoPath, cfg.SessionID, model.ActivityTypeFile, "observed change: "+rel, nil)
	w.bus.Publish(eventbus.FileChanged, fileChangedEvent{SessionID: cfg.SessionID, FilePath: rel})

	if outcome == lockmgr.Conflict {
		// Lock manager already emitted ConflictDetected; don't schedule a commit.
		return
	}

	w.mu.Lock()
	paused := st.paused
	w.mu.Unlock()
	if paused {
		return
	}

	w.wheel.ScheduleOnce(commitTimerID(cfg.SessionID), cfg.CommitInterval, func() {
		w.fireCommit(st)
	})
}

type fileChangedEvent struct {
	SessionID string
	FilePath  string
}

func commitTimerID(sessionID string) string {
	return "commit:" + sessionID
}

// matchesConfiguredIgnore applies the repo's config.json IgnorePatterns
// (glob, matched against the relative path) on top of the hard-coded set.
func matchesConfiguredIgnore(repoPath, rel string) bool {
	cfg, err := statedir.LoadRepoConfig(repoPath)
	if err != nil {
		return false
	}
	for _, pattern := range cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// fireCommit runs the commit-debounce payload for one session: status
// check, stage, derive message, commit, optional push. Commits for a
// single session are strictly serialized by st.mu.
func (w *Watcher) fireCommit(st *sessionState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cfg := st.cfg
	ctx, cancel := context.WithTimeout(context.Background(), gitexec.DefaultTimeout)
	defer cancel()

	status, err := w.git.Status(ctx, cfg.WorktreePath)
	if err != nil {
		obslog.Warn(ctx, "filewatch status failed", "sessionId", cfg.SessionID, "error", err.Error())
		return
	}
	if status.Clean {
		return
	}

	message := deriveCommitMessage(cfg, len(status.Changes))
	hash, res, err := w.git.Commit(ctx, cfg.WorktreePath, message)
	if err != nil {
		obslog.Warn(ctx, "filewatch commit failed", "sessionId", cfg.SessionID, "error", err.Error())
		return
	}

	switch res.Category {
	case gitexec.CategoryCleanNoOp:
		return

	case gitexec.CategoryAuthRequired, gitexec.CategoryConflict:
		appendActivity(cfg.RepoPath, cfg.SessionID, model.ActivityTypeError, "commit failed: "+string(res.Category), map[string]any{"stderr": res.Stderr})
		w.mu.Lock()
		if live, ok := w.sessions[cfg.SessionID]; ok {
			live.paused = true
		}
		w.mu.Unlock()
		return

	case gitexec.CategoryNetwork:
		appendActivity(cfg.RepoPath, cfg.SessionID, model.ActivityTypeWarning, "commit deferred: network failure, will retry on next burst", nil)
		return
	}

	st.commitCount++
	st.lastCommit = hash
	persistCommitCount(cfg.RepoPath, cfg.SessionID, st.commitCount, hash)
	appendActivity(cfg.RepoPath, cfg.SessionID, model.ActivityTypeCommit, "committed "+hash, map[string]any{"files": len(status.Changes)})
	w.bus.Publish(eventbus.CommitCompleted, commitCompletedEvent{SessionID: cfg.SessionID, Hash: hash, CommitCount: st.commitCount})

	if cfg.AutoPush {
		if _, err := w.git.Run(ctx, cfg.WorktreePath, gitexec.DefaultTimeout, "push"); err != nil {
			appendActivity(cfg.RepoPath, cfg.SessionID, model.ActivityTypeWarning, "push failed: "+err.Error(), nil)
		}
	}
}

type commitCompletedEvent struct {
	SessionID   string
	Hash        string
	CommitCount int
}

// deriveCommitMessage prefers the agent-authored message file, consuming
// it, else falls back to a generated chore(...) message. Either way the
// message carries Kit-Session/Kit-Agent trailers so recovery can later
// join a commit in `git log` back to the session and agent that made it
// without consulting the per-repo state directory.
func deriveCommitMessage(cfg SessionConfig, fileCount int) string {
	msgPath := kitpaths.CommitMessageFilePath(cfg.WorktreePath, cfg.SessionID)
	base := fmt.Sprintf("chore(%s): auto-commit %d file(s) [%s]", cfg.BranchName, fileCount, time.Now().UTC().Format(time.RFC3339))
	if data, err := os.ReadFile(msgPath); err == nil {
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			_ = os.Remove(msgPath)
			base = msg
		}
	}
	return trailers.Format(base, cfg.SessionID, cfg.AgentType)
}

// persistCommitCount writes the just-incremented commitCount/lastCommit
// back to sessions/<id>.json, so the on-disk SessionReport stays in sync
// with the in-watcher sessionState that CommitCompleted is published from.
// Best-effort: a failure here only means the next listener ingest or
// recovery scan sees a stale count, not a watch-loop crash.
func persistCommitCount(repoPath, sessionID string, commitCount int, hash string) {
	path := kitpaths.SessionFilePath(repoPath, sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		obslog.Warn(context.Background(), "failed to read session file for commit count update", "sessionId", sessionID, "error", err.Error())
		return
	}
	var report model.SessionReport
	if err := json.Unmarshal(data, &report); err != nil {
		obslog.Warn(context.Background(), "failed to parse session file for commit count update", "sessionId", sessionID, "error", err.Error())
		return
	}
	report.CommitCount = commitCount
	report.LastCommit = hash
	report.Updated = time.Now()
	if err := statedir.AtomicWriteFile(path, report); err != nil {
		obslog.Warn(context.Background(), "failed to persist commit count", "sessionId", sessionID, "error", err.Error())
	}
}

// appendActivity appends an ActivityEntry to the session's NDJSON activity
// log. Best-effort: logging failures never block the watch loop.
func appendActivity(repoPath, sessionID string, typ model.ActivityType, message string, details map[string]any) {
	entry := model.ActivityEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Type:      typ,
		Message:   message,
		Details:   details,
	}
	if err := appendNDJSON(kitpaths.ActivityLogPath(repoPath, sessionID), entry); err != nil {
		obslog.Warn(context.Background(), "failed to append activity entry", "sessionId", sessionID, "error", err.Error())
	}
}
