// Package api is the Coordinator boundary (spec.md §6/§7): the inbound
// request surface realized as a plain Go interface returning typed
// Result[T] values instead of a network RPC layer, per the Non-goals.
// cmd/kitagentd is the one concrete caller, wiring a cobra subcommand per
// method for operational and manual-testing use.
package api

import (
	"context"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/filewatch"
	"github.com/s9nkit/devops-agent-core/internal/lockmgr"
	"github.com/s9nkit/devops-agent-core/internal/model"
)

// Result is the {success, data?, error?} response shape from spec.md §6,
// generic over the payload so every Coordinator method can declare its
// own Data type instead of passing around interface{}.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Err     *Error `json:"error,omitempty"`
}

func ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func fail[T any](code Code, reported bool, format string, args ...any) Result[T] {
	return Result[T]{Err: newError(code, reported, format, args...)}
}

// CreateSessionRequest is the createSession contract's input.
// CommitIntervalSecs is enforced in seconds at this boundary, per
// SPEC_FULL.md §9's commitInterval-units decision; internal/filewatch
// converts to time.Duration on WatchSession.
type CreateSessionRequest struct {
	RepoPath            string
	AgentType           model.AgentType
	TaskDescription     string
	BranchName          string
	BaseBranch          string
	UseWorktree         bool
	AutoCommit          bool
	CommitIntervalSecs  int
	RebaseFrequency     model.RebaseFrequency
	SystemPrompt        string
	ContextPreservation bool
}

// DeclareFilesRequest is the legacy, session-granular declareFiles
// contract's input — distinct from the conflict-detecting AutoLockFile
// path that internal/filewatch drives automatically off file-system
// events. locks.json is still authoritative; this facade never overrides
// it, per SPEC_FULL.md §9.
type DeclareFilesRequest struct {
	AgentType         model.AgentType
	SessionID         string
	Files             []string
	Operation         string
	Reason            string
	EstimatedDuration int
}

// RebaseWatchRequest is the startRebaseWatcher contract's input.
type RebaseWatchRequest struct {
	SessionID    string
	RepoPath     string
	WorktreePath string
	BaseBranch   string
	PollInterval time.Duration
}

// Coordinator is the whole inbound request surface from spec.md §6,
// implemented by *Service.
type Coordinator interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) Result[model.AgentInstance]
	CloseSession(ctx context.Context, sessionID string) Result[struct{}]
	ListSessions(ctx context.Context, repoPath string) Result[[]model.SessionReport]
	RestartSession(ctx context.Context, instanceID string) Result[model.AgentInstance]

	StartWatcher(ctx context.Context, cfg filewatch.SessionConfig) Result[struct{}]
	StopWatcher(ctx context.Context, sessionID string) Result[struct{}]

	DeclareFiles(ctx context.Context, repoPath string, req DeclareFilesRequest) Result[struct{}]
	ReleaseFiles(ctx context.Context, agentType model.AgentType, sessionID string) Result[struct{}]
	CheckConflicts(ctx context.Context, repoPath string, files []string, excludeSessionID string) Result[[]model.FileConflict]
	ForceReleaseLock(ctx context.Context, repoPath, filePath string) Result[struct{}]
	ListLocks(ctx context.Context, repoPath string) Result[lockmgr.RepoLocksSummary]

	StartRebaseWatcher(ctx context.Context, req RebaseWatchRequest) Result[struct{}]
	StopRebaseWatcher(ctx context.Context, sessionID string) Result[struct{}]
	PauseRebaseWatcher(ctx context.Context, sessionID string) Result[struct{}]
	ResumeRebaseWatcher(ctx context.Context, sessionID string) Result[struct{}]
	ForceCheck(ctx context.Context, sessionID string) Result[model.RebaseResult]
	TriggerRebase(ctx context.Context, sessionID string) Result[model.RebaseResult]

	ScanAllReposForSessions(ctx context.Context, repoPaths []string) Result[[]model.OrphanedSession]
	RecoverSession(ctx context.Context, sessionID, repoPath string) Result[model.AgentInstance]
	DeleteOrphanedSession(ctx context.Context, sessionID, repoPath string) Result[struct{}]
}
