// Package registry is the in-memory Agent/Session index for one
// repository (spec.md §4.3). Grounded on the teacher's
// agent.Register/Get/List sync.RWMutex pattern in
// cmd/entire/cli/agent/registry.go, generalized from a static factory
// table to a live, mutable record registry that publishes every mutation
// onto internal/eventbus.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/kitpaths"
	"github.com/s9nkit/devops-agent-core/internal/model"
	"github.com/s9nkit/devops-agent-core/internal/obslog"
)

// Registry holds every Agent and Session record observed for one
// repository. All mutation methods are safe for concurrent use; they are
// serialized internally by a single sync.RWMutex (per spec.md §5's
// "single logical worker per aggregate").
type Registry struct {
	repoPath string
	bus      *eventbus.Bus

	mu        sync.RWMutex
	agents    map[string]model.Agent
	sessions  map[string]model.SessionReport
	aliveLast map[string]bool // last-observed IsAlive per agent, for sweep transition detection
}

// New returns an empty Registry for repoPath, publishing mutation events
// onto bus.
func New(repoPath string, bus *eventbus.Bus) *Registry {
	return &Registry{
		repoPath:  repoPath,
		bus:       bus,
		agents:    make(map[string]model.Agent),
		sessions:  make(map[string]model.SessionReport),
		aliveLast: make(map[string]bool),
	}
}

// ListAgents returns every known agent, sorted by agentId.
func (r *Registry) ListAgents() []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// GetAgent returns the agent record for id, if known.
func (r *Registry) GetAgent(id string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// ListSessions returns every known session, sorted by sessionId.
func (r *Registry) ListSessions() []model.SessionReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.SessionReport, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetSession returns the session record for id, if known.
func (r *Registry) GetSession(id string) (model.SessionReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionsByAgent returns every session owned by agentID.
func (r *Registry) SessionsByAgent(agentID string) []model.SessionReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.SessionReport
	for _, s := range r.sessions {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SessionsByAgentType returns every session whose AgentType matches t.
func (r *Registry) SessionsByAgentType(t model.AgentType) []model.SessionReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.SessionReport
	for _, s := range r.sessions {
		if s.AgentType == t {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// IngestAgentFile parses contents as an Agent and upserts it. Invalid JSON
// is logged and dropped — it never poisons the map.
func (r *Registry) IngestAgentFile(path string, contents []byte) {
	var a model.Agent
	if err := json.Unmarshal(contents, &a); err != nil {
		obslog.Warn(context.Background(), "dropping unparseable agent file", "path", path, "error", err.Error())
		return
	}
	if err := kitpaths.ValidateAgentID(a.AgentID); err != nil {
		obslog.Warn(context.Background(), "dropping agent file with invalid id", "path", path, "error", err.Error())
		return
	}

	r.mu.Lock()
	_, existed := r.agents[a.AgentID]
	r.agents[a.AgentID] = a
	r.mu.Unlock()

	if existed {
		r.bus.Publish(eventbus.AgentStatusChanged, a)
	} else {
		r.bus.Publish(eventbus.AgentRegistered, a)
	}
}

// IngestSessionFile parses contents as a SessionReport and upserts it. If
// the session's agentId is unknown, a provisional, unregistered agent is
// synthesised from its agentType so the UI stays coherent until §4.4
// reconciles it against a real agents/<agentId>.json.
func (r *Registry) IngestSessionFile(path string, contents []byte) {
	var s model.SessionReport
	if err := json.Unmarshal(contents, &s); err != nil {
		obslog.Warn(context.Background(), "dropping unparseable session file", "path", path, "error", err.Error())
		return
	}
	if err := kitpaths.ValidateSessionID(s.SessionID); err != nil {
		obslog.Warn(context.Background(), "dropping session file with invalid id", "path", path, "error", err.Error())
		return
	}

	r.mu.Lock()
	_, existed := r.sessions[s.SessionID]
	r.sessions[s.SessionID] = s

	if _, ok := r.agents[s.AgentID]; !ok && s.AgentID != "" {
		r.agents[s.AgentID] = model.Agent{
			AgentID:      s.AgentID,
			AgentType:    s.AgentType,
			AgentName:    fmt.Sprintf("%s (unregistered)", s.AgentType),
			Unregistered: true,
		}
	}
	r.mu.Unlock()

	if existed {
		r.bus.Publish(eventbus.SessionUpdated, s)
	} else {
		r.bus.Publish(eventbus.SessionReported, s)
	}
}

// IngestHeartbeat sets an agent's lastHeartbeat and recomputes liveness.
func (r *Registry) IngestHeartbeat(agentID string, ts time.Time) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if ok {
		a.LastHeartbeat = ts
		r.agents[agentID] = a
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish(eventbus.AgentHeartbeat, a)
	}
}

// RemoveAgent deletes an agent record, driven by agents/<id>.json deletion.
func (r *Registry) RemoveAgent(agentID string) {
	r.mu.Lock()
	_, existed := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if existed {
		r.bus.Publish(eventbus.AgentUnregistered, agentID)
	}
}

// RemoveSession deletes a session record, driven by sessions/<id>.json deletion.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	_, existed := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if existed {
		r.bus.Publish(eventbus.SessionClosed, sessionID)
	}
}

// SweepLiveness recomputes IsAlive for every agent and emits
// agent-status-changed only for agents whose liveness flipped since the
// last sweep. HEARTBEAT_TTL defaults to kitpaths.HeartbeatTTLSeconds.
func (r *Registry) SweepLiveness(now time.Time, ttl time.Duration) {
	r.mu.Lock()
	var changed []model.Agent
	for id, a := range r.agents {
		alive := a.IsAlive(now, ttl)
		if last, ok := r.aliveLast[id]; !ok || last != alive {
			changed = append(changed, a)
		}
		r.aliveLast[id] = alive
	}
	r.mu.Unlock()

	for _, a := range changed {
		r.bus.Publish(eventbus.AgentStatusChanged, a)
	}
}
