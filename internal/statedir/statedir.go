// Package statedir manages the on-disk layout of a repository's
// .S9N_KIT_DevOpsAgent/ coordination directory: lazy subdirectory
// creation, the atomic-write primitive every other component persists
// through, and load/save of the per-repo config.json. Grounded on the
// teacher's jsonutil.MarshalIndentWithNewline + os.WriteFile pattern,
// generalized here into a single reusable AtomicWriteFile helper.
package statedir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/s9nkit/devops-agent-core/internal/jsonutil"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
)

// RepoConfig is the per-repo config.json contract (spec.md §3/§4.1):
// watch patterns, ignore patterns, and the default commit interval.
type RepoConfig struct {
	WatchPatterns  []string `json:"watchPatterns,omitempty"`
	IgnorePatterns []string `json:"ignorePatterns,omitempty"`
	CommitInterval int      `json:"commitInterval,omitempty"` // seconds
}

// DefaultRepoConfig is returned by LoadRepoConfig when config.json doesn't exist yet.
func DefaultRepoConfig() RepoConfig {
	return RepoConfig{
		CommitInterval: kitpaths.DefaultCommitInterval,
	}
}

// subdirs are the directories that must exist under StateDir before any
// component writes to the repo's state directory.
var subdirs = []string{
	kitpaths.AgentsDir,
	kitpaths.SessionsDir,
	kitpaths.ActivityDir,
	kitpaths.HeartbeatsDir,
	kitpaths.CommandsDir,
	kitpaths.ActiveEditsDir,
	kitpaths.CompletedEditsDir,
}

// Ensure creates .S9N_KIT_DevOpsAgent/ and every well-known subdirectory
// under repoPath if they don't already exist. Idempotent and safe to call
// from multiple components on startup.
func Ensure(repoPath string) error {
	base := kitpaths.StateDir(repoPath)
	if err := os.MkdirAll(base, 0o750); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o750); err != nil {
			return fmt.Errorf("creating state subdir %s: %w", sub, err)
		}
	}
	return nil
}

// AtomicWriteFile marshals v with a trailing newline and writes it to path
// via write-to-.tmp-then-rename, the pattern every JSON artifact under
// .S9N_KIT_DevOpsAgent/ is persisted with.
func AtomicWriteFile(path string, v any) error {
	return jsonutil.WriteJSONAtomic(path, v, 0o644)
}

// LoadRepoConfig reads config.json for repoPath, returning DefaultRepoConfig
// if the file doesn't exist yet.
func LoadRepoConfig(repoPath string) (RepoConfig, error) {
	var cfg RepoConfig
	err := jsonutil.ReadJSON(kitpaths.RepoConfigFilePath(repoPath), &cfg)
	if err == nil {
		if cfg.CommitInterval == 0 {
			cfg.CommitInterval = kitpaths.DefaultCommitInterval
		}
		return cfg, nil
	}
	if os.IsNotExist(err) {
		return DefaultRepoConfig(), nil
	}
	return RepoConfig{}, fmt.Errorf("reading repo config: %w", err)
}

// SaveRepoConfig persists cfg to config.json atomically, creating the state
// directory first if needed.
func SaveRepoConfig(repoPath string, cfg RepoConfig) error {
	if err := Ensure(repoPath); err != nil {
		return err
	}
	if err := AtomicWriteFile(kitpaths.RepoConfigFilePath(repoPath), cfg); err != nil {
		return fmt.Errorf("writing repo config: %w", err)
	}
	return nil
}

// Houserules reads the free-form houserules.md for repoPath. Returns an
// empty string (not an error) if the file doesn't exist — it's optional
// and never parsed, only surfaced.
func Houserules(repoPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(kitpaths.StateDir(repoPath), kitpaths.HouserulesFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading houserules: %w", err)
	}
	return string(data), nil
}
