package obslog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONLogFile(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(Close)

	if err := Init(dir, "lockmgr"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := WithComponent(context.Background(), "lockmgr")
	ctx = WithSession(ctx, "sess_abc")
	Info(ctx, "lock acquired", "file", "src/a.ts")
	Close()

	data, err := os.ReadFile(filepath.Join(dir, LogsDirName, "lockmgr.log"))
	if err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
	if !strings.Contains(string(data), "lock acquired") {
		t.Fatalf("expected log line to contain message, got %q", data)
	}
	if !strings.Contains(string(data), "sess_abc") {
		t.Fatalf("expected log line to contain session id, got %q", data)
	}
}

func TestParseLogLevel(t *testing.T) {
	if parseLogLevel("debug") != -4 {
		t.Errorf("expected debug level -4")
	}
	if parseLogLevel("bogus") != 0 {
		t.Errorf("expected default info level 0 for invalid input")
	}
}
