package jsonutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarshalIndentWithNewlineAddsTrailingNewline(t *testing.T) {
	data, err := MarshalIndentWithNewline(map[string]int{"a": 1}, "", "  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Fatalf("expected trailing newline, got %q", data)
	}
}

func TestWriteFileAtomicLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locks.json")

	if err := WriteFileAtomic(path, []byte(`{}`+"\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be gone, stat err = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error reading back: %v", err)
	}
	if string(got) != "{}\n" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	type cfg struct {
		CommitInterval int `json:"commitInterval"`
	}

	if err := WriteJSONAtomic(path, cfg{CommitInterval: 30}, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got cfg
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CommitInterval != 30 {
		t.Fatalf("expected 30, got %d", got.CommitInterval)
	}
}

func TestReadJSONNotExist(t *testing.T) {
	dir := t.TempDir()
	err := ReadJSON(filepath.Join(dir, "missing.json"), &struct{}{})
	if !os.IsNotExist(err) {
		t.Fatalf("expected IsNotExist, got %v", err)
	}
}
