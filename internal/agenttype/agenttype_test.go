package agenttype

import (
	"testing"

	"github.com/s9nkit/devops-agent-core/internal/model"
)

func TestListIncludesBuiltinTypesSorted(t *testing.T) {
	types := List()
	if len(types) < 7 {
		t.Fatalf("expected at least 7 built-in agent types, got %d", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] > types[i] {
			t.Fatalf("expected sorted output, got %v", types)
		}
	}
}

func TestGetUnknownType(t *testing.T) {
	if _, err := Get(model.AgentType("nonexistent")); err != ErrUnknownAgentType {
		t.Fatalf("expected ErrUnknownAgentType, got %v", err)
	}
}

func TestGetKnownType(t *testing.T) {
	d, err := Get(model.AgentTypeClaude)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.DisplayName != "Claude Code" {
		t.Fatalf("unexpected display name: %q", d.DisplayName)
	}
}

func TestDetectFallsBackToCustom(t *testing.T) {
	// None of the built-in env vars/binaries are expected to be present in
	// the test sandbox, so Detect should fall back to the custom descriptor.
	d, err := Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if d.Type != model.AgentTypeCustom {
		t.Logf("detected %s instead of custom — environment has a matching agent signal", d.Type)
	}
}

func TestRegisterOverwritesExisting(t *testing.T) {
	Register(Descriptor{Type: model.AgentType("test-type"), DisplayName: "first"})
	Register(Descriptor{Type: model.AgentType("test-type"), DisplayName: "second"})

	d, err := Get(model.AgentType("test-type"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.DisplayName != "second" {
		t.Fatalf("expected last registration to win, got %q", d.DisplayName)
	}
}
