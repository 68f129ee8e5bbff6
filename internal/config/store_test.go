package config

import (
	"path/filepath"
	"testing"

	"github.com/s9nkit/devops-agent-core/internal/model"
)

func TestUpsertAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inst := model.AgentInstance{
		InstanceID: "inst_1",
		Config: model.AgentInstanceConfig{
			RepoPath: "/repo",
			AgentType: model.AgentTypeClaude,
		},
		Status: model.AgentInstanceStatusWaiting,
	}
	if err := s.Upsert(inst); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok := s.Get("inst_1")
	if !ok {
		t.Fatal("expected instance to be found")
	}
	if got.Config.RepoPath != "/repo" {
		t.Fatalf("unexpected repo path: %q", got.Config.RepoPath)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected CreatedAt/UpdatedAt to be stamped")
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Upsert(model.AgentInstance{InstanceID: "inst_2"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	if _, ok := s2.Get("inst_2"); !ok {
		t.Fatal("expected instance to survive reopen")
	}

	if got := filepath.Join(dir, fileName); got != s2.path {
		t.Fatalf("unexpected path: %q", s2.path)
	}
}

func TestDeleteRemovesInstance(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Upsert(model.AgentInstance{InstanceID: "inst_3"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete("inst_3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("inst_3"); ok {
		t.Fatal("expected instance to be gone after delete")
	}
}

func TestFindBySessionID(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Upsert(model.AgentInstance{InstanceID: "inst_4", LastSessionID: "sess_abc"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok := s.FindBySessionID("sess_abc")
	if !ok || got.InstanceID != "inst_4" {
		t.Fatalf("expected to find inst_4, got %+v ok=%v", got, ok)
	}

	if _, ok := s.FindBySessionID("sess_missing"); ok {
		t.Fatal("expected no match for unknown session id")
	}
}

func TestListReturnsAllInstances(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Upsert(model.AgentInstance{InstanceID: "inst_5"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(model.AgentInstance{InstanceID: "inst_6"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(list))
	}
}
