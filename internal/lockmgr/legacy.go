package lockmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/model"
	"github.com/s9nkit/devops-agent-core/internal/statedir"
)

// DeclareFiles is the legacy session-granular lock declaration, backed by
// coordination/active-edits/<agentType>-<shortSessionId>.json. New callers
// MUST use AutoLockFile instead — this facade never participates in
// conflict detection (SPEC_FULL.md §9: locks.json is authoritative).
func (m *Manager) DeclareFiles(agentType model.AgentType, sessionID string, files []string, operation, reason string, estimatedDuration int) error {
	decl := model.ActiveEditDeclaration{
		Agent:             agentType,
		Session:           sessionID,
		Files:             files,
		Operation:         operation,
		Reason:            reason,
		DeclaredAt:        time.Now(),
		EstimatedDuration: estimatedDuration,
	}
	key := fmt.Sprintf("%s-%s", agentType, kitpaths.ShortID(sessionID))

	m.legacyMu.Lock()
	m.legacy[key] = decl
	m.legacyMu.Unlock()

	if err := statedir.Ensure(m.repoPath); err != nil {
		return err
	}
	return statedir.AtomicWriteFile(kitpaths.ActiveEditPath(m.repoPath, string(agentType), sessionID), decl)
}

// ReleaseFiles removes a legacy declaration, moving its on-disk record from
// active-edits/ to completed-edits/ (best-effort; failures are non-fatal,
// this path is compat-only).
func (m *Manager) ReleaseFiles(agentType model.AgentType, sessionID string) {
	key := fmt.Sprintf("%s-%s", agentType, kitpaths.ShortID(sessionID))

	m.legacyMu.Lock()
	delete(m.legacy, key)
	m.legacyMu.Unlock()

	src := kitpaths.ActiveEditPath(m.repoPath, string(agentType), sessionID)
	dstDir := filepath.Join(kitpaths.StateDir(m.repoPath), kitpaths.CompletedEditsDir)
	_ = os.MkdirAll(dstDir, 0o750)
	_ = os.Rename(src, filepath.Join(dstDir, filepath.Base(src)))
}

// ListDeclarations returns every current legacy declaration.
func (m *Manager) ListDeclarations() []model.ActiveEditDeclaration {
	m.legacyMu.Lock()
	defer m.legacyMu.Unlock()

	out := make([]model.ActiveEditDeclaration, 0, len(m.legacy))
	for _, d := range m.legacy {
		out = append(out, d)
	}
	return out
}
