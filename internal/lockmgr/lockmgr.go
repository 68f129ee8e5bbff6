// Package lockmgr is the per-repo cross-agent file lock table (spec.md
// §4.5). Grounded on the teacher's settings-file mutex-guarded-map style
// (config.go's in-memory settings cache) and persisted through
// internal/statedir's atomic-write helper. The legacy session-granular
// declareFiles/releaseFiles facade is kept as a separate, smaller map
// that never participates in conflict detection, per REDESIGN FLAGS /
// SPEC_FULL.md §9's locks.json-wins precedence decision.
package lockmgr

import (
	"sync"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/model"
	"github.com/s9nkit/devops-agent-core/internal/statedir"
)

// DefaultExpiryTimeout is the lock-expiry sweep's TTL: an auto-lock with no
// activity for this long is treated as abandoned, per spec.md §5's
// lock-expiry sweep scheduler.
const DefaultExpiryTimeout = 24 * time.Hour

// expirySweepInterval is how often the sweep runs; the TTL is checked
// against each lock's LastModified on every tick.
const expirySweepInterval = 1 * time.Hour

// Outcome is the result of an autoLockFile attempt.
type Outcome int

const (
	Held Outcome = iota
	Conflict
	Skipped
)

// Manager owns one repo's authoritative lock table plus its legacy
// active-edits facade. One Manager per repository.
type Manager struct {
	repoPath string
	bus      *eventbus.Bus
	wheel    *clockwheel.Wheel

	mu    sync.Mutex
	locks map[string]model.FileLock // keyed by normalized relative path

	legacyMu sync.Mutex
	legacy   map[string]model.ActiveEditDeclaration // keyed by "<agentType>-<shortSessionId>"
}

// New constructs a Manager for repoPath, lazily loading locks.json if
// present, and schedules the lock-expiry sweep on wheel — the same shared
// clockwheel.Wheel the listener schedules its liveness sweep on.
func New(repoPath string, bus *eventbus.Bus, wheel *clockwheel.Wheel) (*Manager, error) {
	m := &Manager{
		repoPath: repoPath,
		bus:      bus,
		wheel:    wheel,
		locks:    make(map[string]model.FileLock),
		legacy:   make(map[string]model.ActiveEditDeclaration),
	}

	var loaded map[string]model.FileLock
	path := kitpaths.LocksFilePath(repoPath)
	if err := jsonReadOrEmpty(path, &loaded); err != nil {
		return nil, err
	}
	if loaded != nil {
		m.locks = loaded
	}

	wheel.ScheduleRepeating(expirySweepID(repoPath), expirySweepInterval, func() {
		m.CleanupExpired(DefaultExpiryTimeout)
	})

	return m, nil
}

// Close cancels the lock-expiry sweep tick. Callers that tear down a
// Manager (e.g. when its repo is no longer watched) should call this to
// stop the sweep from firing against a discarded Manager.
func (m *Manager) Close() {
	m.wheel.Cancel(expirySweepID(m.repoPath))
}

func expirySweepID(repoPath string) string { return "lock-expiry-sweep:" + repoPath }

// AutoLockFile is the conflict-detecting auto-lock contract. filePath may
// be absolute or already repo-relative.
func (m *Manager) AutoLockFile(repoPath, filePath, sessionID string, agentType model.AgentType, branchName string) (Outcome, model.FileLock) {
	rel := kitpaths.NormalizeRelPath(repoPath, filePath)
	if kitpaths.IsIgnoredPath(rel) {
		return Skipped, model.FileLock{}
	}

	now := time.Now()

	m.mu.Lock()
	existing, ok := m.locks[rel]
	switch {
	case !ok:
		lock := model.FileLock{
			RepoPath:     repoPath,
			FilePath:     rel,
			SessionID:    sessionID,
			AgentType:    agentType,
			LockedAt:     now,
			LastModified: now,
			AutoLocked:   true,
			BranchName:   branchName,
		}
		m.locks[rel] = lock
		err := m.persistLocked()
		m.mu.Unlock()
		if err == nil {
			m.bus.Publish(eventbus.LockChanged, lockChangeEvent{Type: "acquired", Lock: lock})
		}
		return Held, lock

	case existing.SessionID == sessionID:
		existing.LastModified = now
		m.locks[rel] = existing
		err := m.persistLocked()
		m.mu.Unlock()
		if err == nil {
			m.bus.Publish(eventbus.LockChanged, lockChangeEvent{Type: "refreshed", Lock: existing})
		}
		return Held, existing

	default:
		m.mu.Unlock()
		conflict := model.FileConflict{
			File:          rel,
			ConflictsWith: existing.AgentType,
			Session:       existing.SessionID,
			Reason:        "file already locked by another session",
			DeclaredAt:    now,
		}
		m.bus.Publish(eventbus.ConflictDetected, conflict)
		m.bus.Publish(eventbus.LockChanged, lockChangeEvent{Type: "conflict", Lock: existing})
		return Conflict, existing
	}
}

// lockChangeEvent is the payload shape published on eventbus.LockChanged.
type lockChangeEvent struct {
	Type string
	Lock model.FileLock
}

// ReleaseSessionLocks removes every lock owned by sessionID, persists, and
// emits one "released" event per removed entry.
func (m *Manager) ReleaseSessionLocks(sessionID string) int {
	m.mu.Lock()
	var released []model.FileLock
	for path, lock := range m.locks {
		if lock.SessionID == sessionID {
			released = append(released, lock)
			delete(m.locks, path)
		}
	}
	_ = m.persistLocked()
	m.mu.Unlock()

	for _, lock := range released {
		m.bus.Publish(eventbus.LockChanged, lockChangeEvent{Type: "released", Lock: lock})
	}
	return len(released)
}

// ForceReleaseLock is an admin override for a single path. filePath may be
// absolute or already repo-relative, matching AutoLockFile/CheckConflicts.
func (m *Manager) ForceReleaseLock(filePath string) bool {
	rel := kitpaths.NormalizeRelPath(m.repoPath, filePath)

	m.mu.Lock()
	lock, ok := m.locks[rel]
	if ok {
		delete(m.locks, rel)
		_ = m.persistLocked()
	}
	m.mu.Unlock()

	if ok {
		m.bus.Publish(eventbus.LockChanged, lockChangeEvent{Type: "force-released", Lock: lock})
	}
	return ok
}

// CheckConflicts is a read-only pre-flight over a candidate set of paths.
func (m *Manager) CheckConflicts(repoPath string, files []string, excludeSessionID string) []model.FileConflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.FileConflict
	for _, f := range files {
		rel := kitpaths.NormalizeRelPath(repoPath, f)
		lock, ok := m.locks[rel]
		if !ok || lock.SessionID == excludeSessionID {
			continue
		}
		out = append(out, model.FileConflict{
			File:          rel,
			ConflictsWith: lock.AgentType,
			Session:       lock.SessionID,
			Reason:        "file already locked by another session",
			DeclaredAt:    time.Now(),
		})
	}
	return out
}

// RepoLocksSummary is the getRepoLocks() contract's return shape.
type RepoLocksSummary struct {
	TotalLocks     int
	LocksBySession map[string][]string
}

// GetRepoLocks returns a summary of the current lock table.
func (m *Manager) GetRepoLocks() RepoLocksSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := RepoLocksSummary{LocksBySession: make(map[string][]string)}
	for path, lock := range m.locks {
		summary.TotalLocks++
		summary.LocksBySession[lock.SessionID] = append(summary.LocksBySession[lock.SessionID], path)
	}
	return summary
}

// CleanupExpired removes every lock whose LastModified predates timeout,
// persists, and emits one "released" event per removed entry.
func (m *Manager) CleanupExpired(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	m.mu.Lock()
	var expired []model.FileLock
	for path, lock := range m.locks {
		if lock.LastModified.Before(cutoff) {
			expired = append(expired, lock)
			delete(m.locks, path)
		}
	}
	_ = m.persistLocked()
	m.mu.Unlock()

	for _, lock := range expired {
		m.bus.Publish(eventbus.LockChanged, lockChangeEvent{Type: "released", Lock: lock})
	}
	return len(expired)
}

// persistLocked rewrites locks.json atomically. Must be called with m.mu held.
// When the table is empty the file is truncated rather than deleted, per
// spec.md §4.5's persistence contract.
func (m *Manager) persistLocked() error {
	path := kitpaths.LocksFilePath(m.repoPath)
	if len(m.locks) == 0 {
		return truncateFile(path)
	}
	if err := statedir.Ensure(m.repoPath); err != nil {
		return err
	}
	return statedir.AtomicWriteFile(path, m.locks)
}
