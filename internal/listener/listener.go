// Package listener is the Agent Listener (spec.md §4.4): an fsnotify-based
// recursive watcher over each repo's .S9N_KIT_DevOpsAgent/ subdirectories
// that feeds mutation events into an internal/registry.Registry. Grounded
// on the other_examples session-watcher's fsWatcher.Add + Events/Errors
// channel pump (watch directories, re-Add newly created subdirectories,
// always re-read the changed file from disk rather than trust the event
// payload) and the per-path debounce idiom generalized here onto
// internal/clockwheel instead of one timer per path.
package listener

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/obslog"
	"github.com/s9nkit/devops-agent-core/internal/registry"
)

// debounceWindow is how long multiple events for the same path are
// coalesced into a single ingest, per spec.md §4.4.
const debounceWindow = 100 * time.Millisecond

// livenessSweepInterval drives the registry's sweepLiveness independently
// of file events, per spec.md §4.4.
const livenessSweepInterval = 30 * time.Second

// category classifies a changed path under .S9N_KIT_DevOpsAgent/.
type category int

const (
	categoryUnknown category = iota
	categoryAgent
	categorySession
	categoryHeartbeat
	categoryCommand
)

// Listener watches one repository's state directory and ingests every
// change into its Registry.
type Listener struct {
	repoPath string
	reg      *registry.Registry
	wheel    *clockwheel.Wheel

	fsWatcher *fsnotify.Watcher
	done      chan struct{}

	heartbeatTTL time.Duration
}

// New creates a Listener for repoPath, feeding reg. wheel is a shared
// clockwheel used for per-path debounce and the liveness sweep tick.
func New(repoPath string, reg *registry.Registry, wheel *clockwheel.Wheel) (*Listener, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Listener{
		repoPath:     repoPath,
		reg:          reg,
		wheel:        wheel,
		fsWatcher:    fsw,
		done:         make(chan struct{}),
		heartbeatTTL: kitpaths.HeartbeatTTLSeconds * time.Second,
	}, nil
}

// watchedSubdirs are the state-directory subdirectories the listener adds
// fsnotify watches on.
var watchedSubdirs = []string{
	kitpaths.AgentsDir,
	kitpaths.SessionsDir,
	kitpaths.HeartbeatsDir,
	kitpaths.CommandsDir,
}

// Start performs startup reconciliation (treating every existing file as a
// create event), subscribes to the state directory's subdirectories, and
// launches the event pump plus the liveness sweep tick.
func (l *Listener) Start() error {
	base := kitpaths.StateDir(l.repoPath)
	for _, sub := range watchedSubdirs {
		dir := filepath.Join(base, sub)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
		if err := l.fsWatcher.Add(dir); err != nil {
			return err
		}
		l.reconcileDir(dir)
	}

	go l.watchLoop()

	sweepID := "liveness-sweep:" + l.repoPath
	l.wheel.ScheduleRepeating(sweepID, livenessSweepInterval, func() {
		l.reg.SweepLiveness(time.Now(), l.heartbeatTTL)
	})

	return nil
}

// Stop closes the fsnotify watcher and cancels the liveness sweep tick.
func (l *Listener) Stop() error {
	close(l.done)
	l.wheel.Cancel("liveness-sweep:" + l.repoPath)
	return l.fsWatcher.Close()
}

// reconcileDir enumerates every file in dir as if it had just fired a
// create event — startup reconciliation per spec.md §4.4.
func (l *Listener) reconcileDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		l.ingest(filepath.Join(dir, entry.Name()))
	}
}

func (l *Listener) watchLoop() {
	for {
		select {
		case <-l.done:
			return

		case event, ok := <-l.fsWatcher.Events:
			if !ok {
				return
			}
			l.handleFSEvent(event)

		case err, ok := <-l.fsWatcher.Errors:
			if !ok {
				return
			}
			obslog.Warn(context.Background(), "listener fsnotify error", "repoPath", l.repoPath, "error", err.Error())
		}
	}
}

func (l *Listener) handleFSEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = l.fsWatcher.Add(event.Name)
			return
		}
	}

	if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
		l.remove(event.Name)
		return
	}

	// Debounce create/write events for the same path onto the shared wheel;
	// always re-read from disk at fire time, never trust the event payload.
	path := event.Name
	l.wheel.ScheduleOnce("listener-debounce:"+path, debounceWindow, func() {
		l.ingest(path)
	})
}

func categorize(repoPath, path string) category {
	rel, err := filepath.Rel(kitpaths.StateDir(repoPath), path)
	if err != nil {
		return categoryUnknown
	}
	rel = filepath.ToSlash(rel)

	switch {
	case strings.HasPrefix(rel, kitpaths.AgentsDir+"/"):
		return categoryAgent
	case strings.HasPrefix(rel, kitpaths.SessionsDir+"/"):
		return categorySession
	case strings.HasPrefix(rel, kitpaths.HeartbeatsDir+"/"):
		return categoryHeartbeat
	case strings.HasPrefix(rel, kitpaths.CommandsDir+"/"):
		return categoryCommand
	default:
		return categoryUnknown
	}
}

func idFromPath(path, suffix string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, suffix)
}

func (l *Listener) ingest(path string) {
	switch categorize(l.repoPath, path) {
	case categoryAgent:
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		l.reg.IngestAgentFile(path, data)

	case categorySession:
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		l.reg.IngestSessionFile(path, data)

	case categoryHeartbeat:
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		agentID := idFromPath(path, ".beat")
		l.reg.IngestHeartbeat(agentID, info.ModTime())

	case categoryCommand:
		// Commands are consumed by the agent process, not the registry; the
		// listener only needs to keep the fsnotify watch alive on this dir.
	}
}

func (l *Listener) remove(path string) {
	switch categorize(l.repoPath, path) {
	case categoryAgent:
		l.reg.RemoveAgent(idFromPath(path, ".json"))
	case categorySession:
		l.reg.RemoveSession(idFromPath(path, ".json"))
	}
}
