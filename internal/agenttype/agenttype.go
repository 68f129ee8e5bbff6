// Package agenttype is the self-registering descriptor registry for coding
// agent types (claude, cursor, copilot, cline, aider, warp, custom).
// Grounded on the teacher's cmd/entire/cli/agent.Register/Get/List/Detect
// pattern, generalized from "which coding CLI authored this commit" to
// "which agent type is this process" by swapping DetectPresence's trailer
// lookup for an environment-variable / PATH-binary probe.
package agenttype

import (
	"errors"
	"os"
	"os/exec"
	"slices"
	"sync"

	"github.com/s9nkit/devops-agent-core/internal/model"
)

// Descriptor is the static metadata and detection logic for one agent type.
type Descriptor struct {
	Type                model.AgentType
	DisplayName         string
	DefaultCapabilities []model.Capability

	// DetectPresence reports whether this agent type appears to be the one
	// driving the current process (checked via env var or PATH binary).
	DetectPresence func() bool
}

var (
	mu       sync.RWMutex
	registry = make(map[model.AgentType]Descriptor)
)

// ErrUnknownAgentType is returned by Get for an unregistered type.
var ErrUnknownAgentType = errors.New("agenttype: unknown agent type")

// ErrNoAgentDetected is returned by Detect when no descriptor's
// DetectPresence reports true.
var ErrNoAgentDetected = errors.New("agenttype: no agent detected")

// Register adds a descriptor to the registry. Called from each built-in
// agent type's init().
func Register(d Descriptor) {
	mu.Lock()
	defer mu.Unlock()
	registry[d.Type] = d
}

// Get retrieves a descriptor by type.
func Get(t model.AgentType) (Descriptor, error) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := registry[t]
	if !ok {
		return Descriptor{}, ErrUnknownAgentType
	}
	return d, nil
}

// List returns every registered type, sorted.
func List() []model.AgentType {
	mu.RLock()
	defer mu.RUnlock()
	types := make([]model.AgentType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Detect returns the first descriptor whose DetectPresence reports true.
// Falls back to model.AgentTypeCustom, which is always registered.
func Detect() (Descriptor, error) {
	mu.RLock()
	defer mu.RUnlock()
	for _, d := range registry {
		if d.Type == model.AgentTypeCustom {
			continue
		}
		if d.DetectPresence != nil && d.DetectPresence() {
			return d, nil
		}
	}
	if d, ok := registry[model.AgentTypeCustom]; ok {
		return d, nil
	}
	return Descriptor{}, ErrNoAgentDetected
}

func envPresent(name string) func() bool {
	return func() bool {
		return os.Getenv(name) != ""
	}
}

func binaryOnPath(name string) func() bool {
	return func() bool {
		_, err := exec.LookPath(name)
		return err == nil
	}
}

func anyOf(checks ...func() bool) func() bool {
	return func() bool {
		for _, c := range checks {
			if c() {
				return true
			}
		}
		return false
	}
}

func init() {
	Register(Descriptor{
		Type:        model.AgentTypeClaude,
		DisplayName: "Claude Code",
		DefaultCapabilities: []model.Capability{
			model.CapabilityCodeGen, model.CapabilityCodeReview, model.CapabilityChat, model.CapabilityFileWatching,
		},
		DetectPresence: anyOf(envPresent("CLAUDECODE"), binaryOnPath("claude")),
	})
	Register(Descriptor{
		Type:        model.AgentTypeCursor,
		DisplayName: "Cursor",
		DefaultCapabilities: []model.Capability{
			model.CapabilityCodeGen, model.CapabilityChat, model.CapabilityFileWatching,
		},
		DetectPresence: anyOf(envPresent("CURSOR_TRACE_ID"), binaryOnPath("cursor-agent")),
	})
	Register(Descriptor{
		Type:        model.AgentTypeCopilot,
		DisplayName: "GitHub Copilot",
		DefaultCapabilities: []model.Capability{
			model.CapabilityCodeGen, model.CapabilityCodeReview,
		},
		DetectPresence: anyOf(envPresent("GITHUB_COPILOT_TOKEN"), binaryOnPath("copilot")),
	})
	Register(Descriptor{
		Type:        model.AgentTypeCline,
		DisplayName: "Cline",
		DefaultCapabilities: []model.Capability{
			model.CapabilityCodeGen, model.CapabilityFileWatching,
		},
		DetectPresence: envPresent("CLINE_ACTIVE"),
	})
	Register(Descriptor{
		Type:        model.AgentTypeAider,
		DisplayName: "Aider",
		DefaultCapabilities: []model.Capability{
			model.CapabilityCodeGen, model.CapabilityAutoCommit,
		},
		DetectPresence: binaryOnPath("aider"),
	})
	Register(Descriptor{
		Type:        model.AgentTypeWarp,
		DisplayName: "Warp",
		DefaultCapabilities: []model.Capability{
			model.CapabilityChat, model.CapabilityTestExecution,
		},
		DetectPresence: envPresent("WARP_IS_LOCAL_SHELL_SESSION"),
	})
	Register(Descriptor{
		Type:                model.AgentTypeCustom,
		DisplayName:         "Custom Agent",
		DefaultCapabilities: nil,
		DetectPresence:      func() bool { return false },
	})
}
