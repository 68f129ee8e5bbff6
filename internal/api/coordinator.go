package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/config"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/filewatch"
	"github.com/s9nkit/devops-agent-core/internal/gitexec"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/listener"
	"github.com/s9nkit/devops-agent-core/internal/lockmgr"
	"github.com/s9nkit/devops-agent-core/internal/model"
	"github.com/s9nkit/devops-agent-core/internal/obslog"
	"github.com/s9nkit/devops-agent-core/internal/rebase"
	"github.com/s9nkit/devops-agent-core/internal/recovery"
	"github.com/s9nkit/devops-agent-core/internal/registry"
	"github.com/s9nkit/devops-agent-core/internal/statedir"
	"github.com/s9nkit/devops-agent-core/internal/validation"
)

// sessionMeta is the Service's own bookkeeping of which repo/agent a live
// session belongs to, so sessionID-only methods (CloseSession,
// StopWatcher, ForceCheck, ...) can find their way back to a repo's
// registry, lock manager, and listener without the caller repeating
// RepoPath on every call.
type sessionMeta struct {
	repoPath     string
	worktreePath string
	agentType    model.AgentType
	branchName   string
	instanceID   string
}

type repoHandle struct {
	reg *registry.Registry
	lst *listener.Listener
}

// Service is the one Coordinator implementation, wiring together every
// domain package behind the verb-named methods spec.md §6 lists. One
// Service serves every repo the orchestrator knows about; per-repo state
// (registry, lock manager, listener) is created lazily on first use and
// cached, mirroring the teacher's lazily-populated settings cache in
// config.go.
type Service struct {
	bus   *eventbus.Bus
	wheel *clockwheel.Wheel
	git   *gitexec.Executor
	store *config.Store
	fw    *filewatch.Watcher
	rb    *rebase.Watcher
	scan  *recovery.Scanner

	mu    sync.Mutex
	repos map[string]*repoHandle
	locks map[string]*lockmgr.Manager

	sessMu   sync.Mutex
	sessions map[string]sessionMeta
}

// New constructs a Service. bus and wheel are shared process-wide
// singletons; git, store are likewise shared across every repo the
// Service manages.
func New(bus *eventbus.Bus, wheel *clockwheel.Wheel, git *gitexec.Executor, store *config.Store) (*Service, error) {
	s := &Service{
		bus:      bus,
		wheel:    wheel,
		git:      git,
		store:    store,
		repos:    make(map[string]*repoHandle),
		locks:    make(map[string]*lockmgr.Manager),
		sessions: make(map[string]sessionMeta),
	}

	fw, err := filewatch.New(bus, wheel, git, s.lockManagerFor)
	if err != nil {
		return nil, fmt.Errorf("constructing file watcher: %w", err)
	}
	s.fw = fw
	fw.Start()

	s.rb = rebase.New(git, bus, wheel, s.commitPending)
	s.scan = recovery.New(store, bus)
	return s, nil
}

// lockManagerFor satisfies filewatch.LockResolver: it must never return
// nil, since internal/filewatch calls it unconditionally on every
// observed file event. A corrupt locks.json is self-healed by discarding
// it rather than ever returning nil or panicking.
func (s *Service) lockManagerFor(repoPath string) *lockmgr.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.locks[repoPath]; ok {
		return m
	}

	m, err := lockmgr.New(repoPath, s.bus, s.wheel)
	if err != nil {
		obslog.Warn(context.Background(), "api: locks.json unreadable, resetting", "repo", repoPath, "error", err.Error())
		_ = os.Remove(kitpaths.LocksFilePath(repoPath))
		m, err = lockmgr.New(repoPath, s.bus, s.wheel)
		if err != nil {
			// Only reachable if the file reappears corrupt between the
			// Remove above and this retry; log and keep retrying lazily
			// on the next call rather than fabricate an unusable Manager.
			obslog.Error(context.Background(), "api: lock manager still unusable after reset", "repo", repoPath, "error", err.Error())
			return &lockmgr.Manager{}
		}
	}
	s.locks[repoPath] = m
	return m
}

// commitPending satisfies rebase's commitPending callback: true while a
// session's commit debounce timer is still armed, per spec.md §5's
// shared-resource deferral rule.
func (s *Service) commitPending(sessionID string) bool {
	return s.wheel.Pending("commit:" + sessionID)
}

func (s *Service) repoFor(repoPath string) *repoHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.repos[repoPath]; ok {
		return h
	}

	reg := registry.New(repoPath, s.bus)
	lst, err := listener.New(repoPath, reg, s.wheel)
	if err != nil {
		obslog.Warn(context.Background(), "api: constructing listener failed", "repo", repoPath, "error", err.Error())
	} else if err := lst.Start(); err != nil {
		obslog.Warn(context.Background(), "api: listener.Start failed", "repo", repoPath, "error", err.Error())
	}
	h := &repoHandle{reg: reg, lst: lst}
	s.repos[repoPath] = h
	return h
}

func (s *Service) sessionMeta(sessionID string) (sessionMeta, bool) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	m, ok := s.sessions[sessionID]
	return m, ok
}

func (s *Service) rememberSession(sessionID string, m sessionMeta) {
	s.sessMu.Lock()
	s.sessions[sessionID] = m
	s.sessMu.Unlock()
}

func (s *Service) forgetSession(sessionID string) {
	s.sessMu.Lock()
	delete(s.sessions, sessionID)
	s.sessMu.Unlock()
}

// CreateSession writes sessions/<id>.json, registers an AgentInstance,
// and — if requested — starts the commit debouncer and rebase watcher
// for it. Grounded on spec.md §4.1/§4.6/§4.7 and the teacher's
// config.go/session.go session-creation sequencing.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) Result[model.AgentInstance] {
	if req.RepoPath == "" {
		return fail[model.AgentInstance](CodeInvalidRequest, false, "repoPath is required")
	}
	if err := statedir.Ensure(req.RepoPath); err != nil {
		return fail[model.AgentInstance](CodeCreateSessionFailed, false, "preparing state dir: %v", err)
	}

	sessionID := kitpaths.GenerateSessionID()
	worktreePath := req.RepoPath
	if req.UseWorktree {
		path := filepath.Join(kitpaths.StateDir(req.RepoPath), "worktrees", kitpaths.ShortID(sessionID))
		if _, err := s.git.CreateWorktree(ctx, req.RepoPath, path, req.BranchName, req.BaseBranch, true); err != nil {
			return fail[model.AgentInstance](CodeCreateSessionFailed, false, "creating worktree: %v", err)
		}
		worktreePath = path
	}

	now := time.Now()
	report := model.SessionReport{
		SessionID:    sessionID,
		AgentType:    req.AgentType,
		Task:         req.TaskDescription,
		BranchName:   req.BranchName,
		BaseBranch:   req.BaseBranch,
		WorktreePath: worktreePath,
		RepoPath:     req.RepoPath,
		Status:       model.SessionStatusActive,
		Created:      now,
		Updated:      now,
	}
	sessionPath := kitpaths.SessionFilePath(req.RepoPath, sessionID)
	if err := statedir.AtomicWriteFile(sessionPath, report); err != nil {
		return fail[model.AgentInstance](CodeCreateSessionFailed, false, "writing session file: %v", err)
	}

	handle := s.repoFor(req.RepoPath)
	if data, err := json.Marshal(report); err == nil {
		handle.reg.IngestSessionFile(sessionPath, data)
	}

	inst := model.AgentInstance{
		InstanceID:    kitpaths.GenerateID(),
		Status:        model.AgentInstanceStatusRunning,
		LastSessionID: sessionID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Config: model.AgentInstanceConfig{
			RepoPath:            req.RepoPath,
			AgentType:           req.AgentType,
			TaskDescription:     req.TaskDescription,
			BranchName:          req.BranchName,
			BaseBranch:          req.BaseBranch,
			UseWorktree:         req.UseWorktree,
			AutoCommit:          req.AutoCommit,
			CommitInterval:      req.CommitIntervalSecs,
			RebaseFrequency:     req.RebaseFrequency,
			SystemPrompt:        req.SystemPrompt,
			ContextPreservation: req.ContextPreservation,
		},
	}
	if err := s.store.Upsert(inst); err != nil {
		return fail[model.AgentInstance](CodeCreateSessionFailed, false, "persisting instance: %v", err)
	}

	s.rememberSession(sessionID, sessionMeta{
		repoPath:     req.RepoPath,
		worktreePath: worktreePath,
		agentType:    req.AgentType,
		branchName:   req.BranchName,
		instanceID:   inst.InstanceID,
	})

	if req.AutoCommit {
		interval := time.Duration(req.CommitIntervalSecs) * time.Second
		_ = s.fw.WatchSession(filewatch.SessionConfig{
			SessionID:      sessionID,
			RepoPath:       req.RepoPath,
			WorktreePath:   worktreePath,
			AgentType:      req.AgentType,
			BranchName:     req.BranchName,
			CommitInterval: interval,
		})
	}
	if req.RebaseFrequency == model.RebaseFrequencyOnDemand {
		s.rb.StartWatching(sessionID, req.RepoPath, worktreePath, req.BaseBranch, rebase.DefaultPollInterval)
	}

	s.bus.Publish(eventbus.SessionReported, report)
	return ok(inst)
}

// CloseSession stops the commit debouncer and rebase watcher, releases
// the session's locks, marks the session closed on disk, and marks the
// AgentInstance stopped.
func (s *Service) CloseSession(ctx context.Context, sessionID string) Result[struct{}] {
	meta, known := s.sessionMeta(sessionID)
	if !known {
		return fail[struct{}](CodeSessionNotFound, false, "no known session %s", sessionID)
	}

	s.fw.UnwatchSession(sessionID)
	s.rb.StopWatching(sessionID)
	s.lockManagerFor(meta.repoPath).ReleaseSessionLocks(sessionID)

	sessionPath := kitpaths.SessionFilePath(meta.repoPath, sessionID)
	if data, err := os.ReadFile(sessionPath); err == nil {
		var existing model.SessionReport
		if json.Unmarshal(data, &existing) == nil {
			existing.Status = model.SessionStatusClosed
			existing.Updated = time.Now()
			_ = statedir.AtomicWriteFile(sessionPath, existing)
		}
	}

	if inst, found := s.store.Get(meta.instanceID); found {
		inst.Status = model.AgentInstanceStatusStopped
		inst.UpdatedAt = time.Now()
		_ = s.store.Upsert(inst)
	}

	s.forgetSession(sessionID)
	s.bus.Publish(eventbus.SessionClosed, sessionID)
	return ok(struct{}{})
}

// ListSessions returns the live session reports the repo's registry has
// ingested (not a fresh disk read — the registry is kept current by
// internal/listener).
func (s *Service) ListSessions(ctx context.Context, repoPath string) Result[[]model.SessionReport] {
	if repoPath == "" {
		return fail[[]model.SessionReport](CodeInvalidRequest, false, "repoPath is required")
	}
	handle := s.repoFor(repoPath)
	return ok(handle.reg.ListSessions())
}

// RestartSession recreates a session from a previously stored
// AgentInstance's Config, identical in effect to CreateSession, per
// spec.md's restartSession contract.
func (s *Service) RestartSession(ctx context.Context, instanceID string) Result[model.AgentInstance] {
	inst, found := s.store.Get(instanceID)
	if !found {
		return fail[model.AgentInstance](CodeInstanceNotFound, false, "no instance %s", instanceID)
	}
	res := s.CreateSession(ctx, CreateSessionRequest{
		RepoPath:            inst.Config.RepoPath,
		AgentType:           inst.Config.AgentType,
		TaskDescription:     inst.Config.TaskDescription,
		BranchName:          inst.Config.BranchName,
		BaseBranch:          inst.Config.BaseBranch,
		UseWorktree:         inst.Config.UseWorktree,
		AutoCommit:          inst.Config.AutoCommit,
		CommitIntervalSecs:  inst.Config.CommitInterval,
		RebaseFrequency:     inst.Config.RebaseFrequency,
		SystemPrompt:        inst.Config.SystemPrompt,
		ContextPreservation: inst.Config.ContextPreservation,
	})
	if !res.Success {
		return fail[model.AgentInstance](CodeRestartSessionFailed, res.Err.Reported, "restarting from instance %s: %s", instanceID, res.Err.Message)
	}
	return res
}

// StartWatcher/StopWatcher expose internal/filewatch directly for
// sessions created out-of-band (e.g. recovered ones) that need their
// commit debouncer (re)armed without going through CreateSession again.
func (s *Service) StartWatcher(ctx context.Context, cfg filewatch.SessionConfig) Result[struct{}] {
	if err := s.fw.WatchSession(cfg); err != nil {
		return fail[struct{}](CodeStartWatcherFailed, false, "starting watcher for %s: %v", cfg.SessionID, err)
	}
	return ok(struct{}{})
}

func (s *Service) StopWatcher(ctx context.Context, sessionID string) Result[struct{}] {
	s.fw.UnwatchSession(sessionID)
	return ok(struct{}{})
}

// DeclareFiles is the legacy, session-granular manual lock facade —
// never consulted by conflict detection, per SPEC_FULL.md §9.
func (s *Service) DeclareFiles(ctx context.Context, repoPath string, req DeclareFilesRequest) Result[struct{}] {
	if err := validation.SessionID(req.SessionID); err != nil {
		return fail[struct{}](CodeInvalidRequest, false, "%v", err)
	}
	if err := validation.AgentType(string(req.AgentType)); err != nil {
		return fail[struct{}](CodeInvalidRequest, false, "%v", err)
	}
	m := s.lockManagerFor(repoPath)
	if err := m.DeclareFiles(req.AgentType, req.SessionID, req.Files, req.Operation, req.Reason, req.EstimatedDuration); err != nil {
		return fail[struct{}](CodeLockDeclareFailed, false, "declaring files: %v", err)
	}
	return ok(struct{}{})
}

func (s *Service) ReleaseFiles(ctx context.Context, agentType model.AgentType, sessionID string) Result[struct{}] {
	meta, known := s.sessionMeta(sessionID)
	if !known {
		return fail[struct{}](CodeReleaseFilesFailed, false, "no known session %s", sessionID)
	}
	s.lockManagerFor(meta.repoPath).ReleaseFiles(agentType, sessionID)
	return ok(struct{}{})
}

func (s *Service) CheckConflicts(ctx context.Context, repoPath string, files []string, excludeSessionID string) Result[[]model.FileConflict] {
	return ok(s.lockManagerFor(repoPath).CheckConflicts(repoPath, files, excludeSessionID))
}

func (s *Service) ForceReleaseLock(ctx context.Context, repoPath, filePath string) Result[struct{}] {
	if !s.lockManagerFor(repoPath).ForceReleaseLock(filePath) {
		return fail[struct{}](CodeForceReleaseLockFailed, false, "no lock held on %s", filePath)
	}
	return ok(struct{}{})
}

func (s *Service) ListLocks(ctx context.Context, repoPath string) Result[lockmgr.RepoLocksSummary] {
	return ok(s.lockManagerFor(repoPath).GetRepoLocks())
}

func (s *Service) StartRebaseWatcher(ctx context.Context, req RebaseWatchRequest) Result[struct{}] {
	interval := req.PollInterval
	if interval <= 0 {
		interval = rebase.DefaultPollInterval
	}
	s.rb.StartWatching(req.SessionID, req.RepoPath, req.WorktreePath, req.BaseBranch, interval)
	return ok(struct{}{})
}

func (s *Service) StopRebaseWatcher(ctx context.Context, sessionID string) Result[struct{}] {
	s.rb.StopWatching(sessionID)
	return ok(struct{}{})
}

func (s *Service) PauseRebaseWatcher(ctx context.Context, sessionID string) Result[struct{}] {
	s.rb.Pause(sessionID)
	return ok(struct{}{})
}

func (s *Service) ResumeRebaseWatcher(ctx context.Context, sessionID string) Result[struct{}] {
	s.rb.Resume(sessionID)
	return ok(struct{}{})
}

func (s *Service) ForceCheck(ctx context.Context, sessionID string) Result[model.RebaseResult] {
	res := s.rb.ForceCheck(sessionID)
	if !res.Success {
		return fail[model.RebaseResult](CodeRebaseForceCheckFailed, true, "%s", res.Message)
	}
	return ok(res)
}

// TriggerRebase is ForceCheck under a different verb name for spec.md
// §6's manual-trigger request surface; both route through the same
// fetch-check-rebase sequence since an on-demand trigger has no
// additional semantics beyond "check now, rebase if behind".
func (s *Service) TriggerRebase(ctx context.Context, sessionID string) Result[model.RebaseResult] {
	res := s.rb.ForceCheck(sessionID)
	if !res.Success {
		return fail[model.RebaseResult](CodeTriggerRebaseFailed, true, "%s", res.Message)
	}
	return ok(res)
}

func (s *Service) ScanAllReposForSessions(ctx context.Context, repoPaths []string) Result[[]model.OrphanedSession] {
	found, err := s.scan.ScanAllReposForSessions(repoPaths)
	if err != nil {
		return fail[[]model.OrphanedSession](CodeScanSessionsFailed, false, "scanning for orphaned sessions: %v", err)
	}
	return ok(found)
}

func (s *Service) RecoverSession(ctx context.Context, sessionID, repoPath string) Result[model.AgentInstance] {
	inst, err := s.scan.RecoverSession(sessionID, repoPath)
	if err != nil {
		return fail[model.AgentInstance](CodeRecoverSessionFailed, false, "recovering session %s: %v", sessionID, err)
	}
	s.rememberSession(sessionID, sessionMeta{
		repoPath:   repoPath,
		agentType:  inst.Config.AgentType,
		branchName: inst.Config.BranchName,
		instanceID: inst.InstanceID,
	})
	return ok(inst)
}

func (s *Service) DeleteOrphanedSession(ctx context.Context, sessionID, repoPath string) Result[struct{}] {
	if err := s.scan.DeleteOrphanedSession(sessionID, repoPath); err != nil {
		return fail[struct{}](CodeDeleteOrphanFailed, false, "deleting orphaned session %s: %v", sessionID, err)
	}
	s.forgetSession(sessionID)
	return ok(struct{}{})
}

var _ Coordinator = (*Service)(nil)
