// Package rebase is the Rebase Watcher (spec.md §4.7): one poller per
// session whose AgentInstanceConfig.RebaseFrequency is on-demand, driving
// fetch/checkRemoteChanges/rebase through internal/gitexec on a shared
// internal/clockwheel tick. Grounded on the teacher's ticker-driven poll
// loops and its context-cancellable subprocess pattern, generalized here
// onto one shared wheel instead of one time.Ticker per watcher.
package rebase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/gitexec"
	"github.com/s9nkit/devops-agent-core/internal/model"
	"github.com/s9nkit/devops-agent-core/internal/obslog"
)

// State is the watcher's lifecycle state, mirroring spec.md §4.7's diagram.
type State string

const (
	StateIdle       State = "idle"
	StateWatching   State = "watching"
	StatePaused     State = "paused"
	StateRebasing   State = "rebasing"
	StateTerminated State = "terminated"
)

// DefaultPollInterval matches spec.md §4.7's default pollIntervalMs = 60000.
const DefaultPollInterval = 60 * time.Second

// commitPending reports whether a session's commit debounce timer is
// currently armed — used to defer a rebase tick per spec.md §5's
// shared-working-tree policy.
type commitPending func(sessionID string) bool

// watcher is one session's rebase poller.
type watcher struct {
	sessionID    string
	repoPath     string
	worktreePath string
	baseBranch   string

	mu    sync.Mutex
	state State

	rebasing    atomic.Bool // single "rebase in progress" flag, per §4.7
	firstTick   bool
	behindCount int
	aheadCount  int
	lastChecked time.Time
	lastResult  model.RebaseResult
}

// Watcher manages every session's rebase poller.
type Watcher struct {
	git     *gitexec.Executor
	bus     *eventbus.Bus
	wheel   *clockwheel.Wheel
	pending commitPending

	mu       sync.Mutex
	watchers map[string]*watcher
}

// New constructs a Watcher. pending reports whether a session's commit
// debounce timer is armed, so a tick can defer to avoid racing the
// working tree with an in-flight commit.
func New(git *gitexec.Executor, bus *eventbus.Bus, wheel *clockwheel.Wheel, pending commitPending) *Watcher {
	return &Watcher{
		git:      git,
		bus:      bus,
		wheel:    wheel,
		pending:  pending,
		watchers: make(map[string]*watcher),
	}
}

// StartWatching begins polling sessionID at pollInterval (0 uses the
// default). No-op if already watching.
func (w *Watcher) StartWatching(sessionID, repoPath, worktreePath, baseBranch string, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	w.mu.Lock()
	if _, exists := w.watchers[sessionID]; exists {
		w.mu.Unlock()
		return
	}
	wt := &watcher{
		sessionID:    sessionID,
		repoPath:     repoPath,
		worktreePath: worktreePath,
		baseBranch:   baseBranch,
		state:        StateWatching,
		firstTick:    true,
	}
	w.watchers[sessionID] = wt
	w.mu.Unlock()

	w.wheel.ScheduleRepeating(tickerID(sessionID), pollInterval, func() {
		w.tick(wt)
	})
	w.publishStatus(wt)
}

// StopWatching cancels sessionID's poll tick and marks it terminated.
func (w *Watcher) StopWatching(sessionID string) {
	w.mu.Lock()
	wt, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	w.wheel.Cancel(tickerID(sessionID))

	wt.mu.Lock()
	wt.state = StateTerminated
	wt.mu.Unlock()

	if wt.rebasing.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), gitexec.DefaultTimeout)
		_, _ = w.git.AbortRebase(ctx, wt.worktreePath)
		cancel()
		wt.rebasing.Store(false)
	}
}

// Dispose stops every active watcher.
func (w *Watcher) Dispose() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	for _, id := range ids {
		w.StopWatching(id)
	}
}

// Pause sets isPaused for a session; a paused watcher's ticks are no-ops
// until Resume is called.
func (w *Watcher) Pause(sessionID string) {
	w.withWatcher(sessionID, func(wt *watcher) {
		wt.mu.Lock()
		wt.state = StatePaused
		wt.mu.Unlock()
		w.publishStatus(wt)
	})
}

// Resume un-pauses a session's watcher.
func (w *Watcher) Resume(sessionID string) {
	w.withWatcher(sessionID, func(wt *watcher) {
		wt.mu.Lock()
		wt.state = StateWatching
		wt.mu.Unlock()
		w.publishStatus(wt)
	})
}

func (w *Watcher) withWatcher(sessionID string, fn func(*watcher)) {
	w.mu.Lock()
	wt, ok := w.watchers[sessionID]
	w.mu.Unlock()
	if ok {
		fn(wt)
	}
}

// ForceCheck performs steps 1-2 of the tick immediately (fetch + ahead/behind),
// and steps 3-4 (rebase) if behind > 0. Returns model.RebaseResult.
func (w *Watcher) ForceCheck(sessionID string) model.RebaseResult {
	w.mu.Lock()
	wt, ok := w.watchers[sessionID]
	w.mu.Unlock()
	if !ok {
		return model.RebaseResult{Success: false, Message: "no watcher for session"}
	}

	wt.mu.Lock()
	state := wt.state
	wt.mu.Unlock()
	if state == StatePaused {
		return model.RebaseResult{Success: false, Message: "watcher paused"}
	}

	if !wt.rebasing.CompareAndSwap(false, true) {
		return model.RebaseResult{Success: false, Message: "already in progress"}
	}
	defer wt.rebasing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), gitexec.DefaultTimeout)
	defer cancel()

	ab, err := w.git.CheckRemoteChanges(ctx, wt.repoPath, wt.baseBranch)
	if err != nil {
		return model.RebaseResult{Success: false, Message: err.Error()}
	}

	wt.mu.Lock()
	wt.behindCount, wt.aheadCount, wt.lastChecked = ab.Behind, ab.Ahead, time.Now()
	wt.mu.Unlock()

	if ab.Behind == 0 {
		return model.RebaseResult{Success: true, Message: "up to date", HadChanges: false}
	}
	return w.performRebase(wt)
}

// tick runs one poll cycle. Deferred (rescheduled 5s later) if the
// session's commit debounce timer is currently armed, per spec.md §5.
func (w *Watcher) tick(wt *watcher) {
	wt.mu.Lock()
	state := wt.state
	isFirst := wt.firstTick
	wt.firstTick = false
	wt.mu.Unlock()

	if state != StateWatching {
		return
	}
	if wt.rebasing.Load() {
		return
	}

	if w.pending != nil && w.pending(wt.sessionID) {
		// Working tree busy with a commit; defer and retry in 5s rather
		// than racing the commit debouncer, per §5's shared-resource policy.
		w.wheel.ScheduleOnce(deferID(wt.sessionID), 5*time.Second, func() {
			w.tick(wt)
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitexec.DefaultTimeout)
	defer cancel()

	if _, err := w.git.Fetch(ctx, wt.repoPath, "origin"); err != nil {
		obslog.Warn(ctx, "rebase watcher fetch failed", "sessionId", wt.sessionID, "error", err.Error())
		return
	}

	ab, err := w.git.CheckRemoteChanges(ctx, wt.repoPath, wt.baseBranch)
	if err != nil {
		obslog.Warn(ctx, "rebase watcher ahead/behind failed", "sessionId", wt.sessionID, "error", err.Error())
		return
	}

	wt.mu.Lock()
	wt.behindCount, wt.aheadCount, wt.lastChecked = ab.Behind, ab.Ahead, time.Now()
	wt.mu.Unlock()

	// Startup skips auto-rebase on the very first tick, to avoid
	// surprising the operator with an immediate rebase.
	if ab.Behind > 0 && !isFirst {
		if !wt.rebasing.CompareAndSwap(false, true) {
			return
		}
		w.performRebase(wt)
		wt.rebasing.Store(false)
	}

	w.publishStatus(wt)
}

// performRebase runs the rebase and applies its outcome to watcher state.
// Caller must hold the rebasing flag.
func (w *Watcher) performRebase(wt *watcher) model.RebaseResult {
	wt.mu.Lock()
	wt.state = StateRebasing
	wt.mu.Unlock()
	w.publishStatus(wt)

	ctx, cancel := context.WithTimeout(context.Background(), gitexec.DefaultTimeout)
	defer cancel()

	res, err := w.git.Rebase(ctx, wt.worktreePath, wt.baseBranch)
	if err != nil {
		return w.finishRebase(wt, model.RebaseResult{Success: false, Message: err.Error()})
	}

	switch res.Category {
	case gitexec.CategoryOK, gitexec.CategoryCleanNoOp:
		wt.mu.Lock()
		wt.behindCount = 0
		wt.state = StateWatching
		wt.mu.Unlock()
		result := model.RebaseResult{Success: true, Message: "rebase completed", HadChanges: res.Category == gitexec.CategoryOK}
		wt.mu.Lock()
		wt.lastResult = result
		wt.mu.Unlock()
		w.bus.Publish(eventbus.RebaseAutoCompleted, rebaseEvent{SessionID: wt.sessionID, Result: result})
		w.publishStatus(wt)
		return result

	case gitexec.CategoryConflict:
		ctx2, cancel2 := context.WithTimeout(context.Background(), gitexec.DefaultTimeout)
		_, _ = w.git.AbortRebase(ctx2, wt.worktreePath)
		cancel2()
		return w.finishRebase(wt, model.RebaseResult{
			Success: false,
			Message: fmt.Sprintf("rebase conflict: %s", res.Stderr),
		})

	default:
		return w.finishRebase(wt, model.RebaseResult{
			Success: false,
			Message: fmt.Sprintf("rebase failed: category=%s", res.Category),
		})
	}
}

// finishRebase marks the watcher paused after a failed rebase attempt —
// recovery requires a manual Resume after the operator reconciles.
func (w *Watcher) finishRebase(wt *watcher, result model.RebaseResult) model.RebaseResult {
	wt.mu.Lock()
	wt.state = StatePaused
	wt.lastResult = result
	wt.mu.Unlock()
	w.publishStatus(wt)
	return result
}

type rebaseEvent struct {
	SessionID string
	Result    model.RebaseResult
}

func (w *Watcher) publishStatus(wt *watcher) {
	wt.mu.Lock()
	snapshot := model.RebaseWatchState{
		SessionID:        wt.sessionID,
		RepoPath:         wt.repoPath,
		BaseBranch:       wt.baseBranch,
		IsWatching:       wt.state == StateWatching,
		IsPaused:         wt.state == StatePaused,
		IsRebasing:       wt.state == StateRebasing,
		BehindCount:      wt.behindCount,
		AheadCount:       wt.aheadCount,
		LastChecked:      wt.lastChecked,
		LastRebaseResult: wt.lastResult,
	}
	wt.mu.Unlock()
	w.bus.Publish(eventbus.RebaseWatcherStatus, snapshot)
}

func tickerID(sessionID string) string { return "rebase-tick:" + sessionID }
func deferID(sessionID string) string  { return "rebase-defer:" + sessionID }
