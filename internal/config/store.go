// Package config is the process-wide, install-keyed durable store for
// AgentInstances (spec.md §3: "stored in a process-wide settings store
// keyed by the install, not the repo"). Grounded on the teacher's
// cmd/entire/cli/config.go load/merge/save pattern, generalized from a
// single settings struct to a table of instances and constructor-injected
// per REDESIGN FLAGS ("hidden coupling via a global settings store").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/s9nkit/devops-agent-core/internal/jsonutil"
	"github.com/s9nkit/devops-agent-core/internal/model"
)

// DefaultCacheSize bounds the in-memory LRU cache fronting the instance
// table, so a burst of lock/rebase activity doesn't repeatedly pay for
// map-lookup contention under the table's write lock.
const DefaultCacheSize = 256

// fileName is the on-disk name of the instance table within the store's base dir.
const fileName = "instances.json"

// onDiskFormat is the persisted shape of the instance table.
type onDiskFormat struct {
	Instances map[string]model.AgentInstance `json:"instances"`
}

// Store is the durable, process-wide AgentInstance repository. It is safe
// for concurrent use; callers obtain one via New and inject it into every
// component that needs to look up or recover instances (the rebase
// watcher, the recovery scanner, the CLI).
type Store struct {
	path string

	mu        sync.RWMutex
	instances map[string]model.AgentInstance

	cache *lru.Cache[string, model.AgentInstance]
}

// New opens (or creates) the instance table at <baseDir>/instances.json.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config base dir: %w", err)
	}

	cache, err := lru.New[string, model.AgentInstance](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating instance cache: %w", err)
	}

	s := &Store{
		path:      filepath.Join(baseDir, fileName),
		instances: make(map[string]model.AgentInstance),
		cache:     cache,
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var onDisk onDiskFormat
	if err := jsonutil.ReadJSON(s.path, &onDisk); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading instance table: %w", err)
	}
	if onDisk.Instances != nil {
		s.instances = onDisk.Instances
	}
	return nil
}

// save must be called with s.mu held (read or write; it only reads the map).
func (s *Store) save() error {
	return jsonutil.WriteJSONAtomic(s.path, onDiskFormat{Instances: s.instances}, 0o644)
}

// Get returns the instance with the given ID, checking the LRU cache
// before falling back to the authoritative table under a read lock.
func (s *Store) Get(instanceID string) (model.AgentInstance, bool) {
	if inst, ok := s.cache.Get(instanceID); ok {
		return inst, true
	}

	s.mu.RLock()
	inst, ok := s.instances[instanceID]
	s.mu.RUnlock()

	if ok {
		s.cache.Add(instanceID, inst)
	}
	return inst, ok
}

// Upsert creates or updates an instance and persists the table atomically.
func (s *Store) Upsert(inst model.AgentInstance) error {
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	s.mu.Lock()
	s.instances[inst.InstanceID] = inst
	err := s.save()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persisting instance %s: %w", inst.InstanceID, err)
	}
	s.cache.Add(inst.InstanceID, inst)
	return nil
}

// Delete removes an instance from the table and persists the change.
func (s *Store) Delete(instanceID string) error {
	s.mu.Lock()
	delete(s.instances, instanceID)
	err := s.save()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("deleting instance %s: %w", instanceID, err)
	}
	s.cache.Remove(instanceID)
	return nil
}

// List returns a snapshot of every instance in the table.
func (s *Store) List() []model.AgentInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AgentInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

// FindBySessionID returns the instance whose LastSessionID matches
// sessionID, used by the recovery scanner to test hasMatchingInstance.
func (s *Store) FindBySessionID(sessionID string) (model.AgentInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.LastSessionID == sessionID {
			return inst, true
		}
	}
	return model.AgentInstance{}, false
}
