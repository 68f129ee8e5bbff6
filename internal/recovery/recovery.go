// Package recovery is the Session Recovery Scanner (spec.md §4.8): walks
// every known repo's sessions/*.json, joins against the orchestrator's
// AgentInstance table, and surfaces true orphans. Grounded on the
// teacher's directory-enumeration-and-sort-by-recency style in its
// strategy session listing, adapted here to join against
// internal/config.Store instead of git branches.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/s9nkit/devops-agent-core/internal/config"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/model"
	"github.com/s9nkit/devops-agent-core/internal/obslog"
)

// Scanner joins on-disk session files against the orchestrator's
// AgentInstance table to find and recover orphaned sessions.
type Scanner struct {
	store *config.Store
	bus   *eventbus.Bus
}

// New constructs a Scanner backed by store and publishing to bus.
func New(store *config.Store, bus *eventbus.Bus) *Scanner {
	return &Scanner{store: store, bus: bus}
}

// RecoverResult is the fold-over-recoverSession contract's return shape.
// Errors accumulates every per-ref failure via go-multierror so a caller
// can inspect individual causes instead of just the Failed tally.
type RecoverResult struct {
	Recovered int
	Failed    int
	Sessions  []model.AgentInstance
	Errors    error
}

// ScanRepoForSessions enumerates sessions/*.json under repoPath, joining
// each against the instance table by sessionId.
func (s *Scanner) ScanRepoForSessions(repoPath string) ([]model.OrphanedSession, error) {
	dir := filepath.Join(kitpaths.StateDir(repoPath), kitpaths.SessionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sessions dir %s: %w", dir, err)
	}

	var out []model.OrphanedSession
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			obslog.Warn(context.Background(), "recovery: failed to read session file", "path", path, "error", err.Error())
			continue
		}
		var report model.SessionReport
		if err := json.Unmarshal(data, &report); err != nil {
			obslog.Warn(context.Background(), "recovery: dropping invalid session file", "path", path, "error", err.Error())
			continue
		}

		info, err := entry.Info()
		lastModified := time.Now()
		if err == nil {
			lastModified = info.ModTime()
		}

		_, hasInstance := s.store.FindBySessionID(report.SessionID)
		out = append(out, model.OrphanedSession{
			SessionID:           report.SessionID,
			RepoPath:            repoPath,
			SessionFile:         path,
			Session:             report,
			HasMatchingInstance: hasInstance,
			LastModified:        lastModified,
		})
	}
	return out, nil
}

// ScanAllReposForSessions unions ScanRepoForSessions over every repo,
// sorts the result by LastModified descending, and filters to true
// orphans (HasMatchingInstance == false). Emits OrphanedSessionsFound
// once if any true orphans are found.
func (s *Scanner) ScanAllReposForSessions(repoPaths []string) ([]model.OrphanedSession, error) {
	var all []model.OrphanedSession
	for _, repo := range repoPaths {
		found, err := s.ScanRepoForSessions(repo)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastModified.After(all[j].LastModified)
	})

	var orphans []model.OrphanedSession
	for _, o := range all {
		if !o.HasMatchingInstance {
			orphans = append(orphans, o)
		}
	}

	if len(orphans) > 0 {
		s.bus.Publish(eventbus.OrphanedSessionsFound, orphans)
	}
	return orphans, nil
}

// RecoverSession reads sessionId's session file under repoPath, synthesizes
// an AgentInstance in the waiting state, persists it, and emits
// SessionReported and InstanceRecovered so the registry and UI reattach.
func (s *Scanner) RecoverSession(sessionID, repoPath string) (model.AgentInstance, error) {
	path := kitpaths.SessionFilePath(repoPath, sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return model.AgentInstance{}, fmt.Errorf("reading session file %s: %w", path, err)
	}
	var report model.SessionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.AgentInstance{}, fmt.Errorf("parsing session file %s: %w", path, err)
	}

	task := report.Task
	if task == "" {
		task = "Recovered session"
	}

	inst := model.AgentInstance{
		InstanceID:    kitpaths.GenerateID(),
		LastSessionID: sessionID,
		Status:        model.AgentInstanceStatusWaiting,
		Config: model.AgentInstanceConfig{
			RepoPath:        repoPath,
			AgentType:       report.AgentType,
			TaskDescription: task,
			BranchName:      report.BranchName,
			BaseBranch:      report.BaseBranch,
		},
	}
	if err := s.store.Upsert(inst); err != nil {
		return model.AgentInstance{}, fmt.Errorf("persisting recovered instance: %w", err)
	}

	s.bus.Publish(eventbus.SessionReported, report)
	s.bus.Publish(eventbus.InstanceRecovered, inst)
	return inst, nil
}

// RecoverMultipleSessions folds RecoverSession over a list of
// (sessionId, repoPath) pairs.
type SessionRef struct {
	SessionID string
	RepoPath  string
}

// RecoverMultipleSessions recovers every ref in list, tolerating individual
// failures and folding them into result.Errors rather than aborting the
// whole batch on the first one.
func (s *Scanner) RecoverMultipleSessions(list []SessionRef) RecoverResult {
	var result RecoverResult
	var errs *multierror.Error
	for _, ref := range list {
		inst, err := s.RecoverSession(ref.SessionID, ref.RepoPath)
		if err != nil {
			result.Failed++
			errs = multierror.Append(errs, fmt.Errorf("recovering session %s: %w", ref.SessionID, err))
			continue
		}
		result.Recovered++
		result.Sessions = append(result.Sessions, inst)
	}
	result.Errors = errs.ErrorOrNil()
	return result
}

// DeleteOrphanedSession removes sessions/<id>.json and any agents/* file
// whose name matches the last 8 characters of sessionId (the legacy
// compat heuristic from §4.8). Idempotent.
func (s *Scanner) DeleteOrphanedSession(sessionID, repoPath string) error {
	sessionPath := kitpaths.SessionFilePath(repoPath, sessionID)
	if err := os.Remove(sessionPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session file %s: %w", sessionPath, err)
	}

	agentsDir := filepath.Join(kitpaths.StateDir(repoPath), kitpaths.AgentsDir)
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading agents dir %s: %w", agentsDir, err)
	}

	short := kitpaths.ShortID(sessionID)
	for _, entry := range entries {
		if strings.Contains(entry.Name(), short) {
			p := filepath.Join(agentsDir, entry.Name())
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing agent file %s: %w", p, err)
			}
		}
	}
	return nil
}
