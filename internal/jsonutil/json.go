// Package jsonutil provides JSON utilities with consistent formatting and
// atomic on-disk writes, the baseline every state-directory file in this
// repository is persisted through.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MarshalIndentWithNewline is like json.MarshalIndent but adds a trailing newline.
// This ensures JSON files have proper POSIX line endings.
func MarshalIndentWithNewline(v any, prefix, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent(prefix, indent)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to path by first writing to a sibling "<path>.tmp"
// file and renaming it into place, so readers never observe a half-written
// file. The directory containing path must already exist.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp file into place at %s: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v with MarshalIndentWithNewline and persists it
// atomically at path, creating the parent directory if needed.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	data, err := MarshalIndentWithNewline(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, perm)
}

// ReadJSON reads and unmarshals the JSON file at path into v. Returns
// os.ErrNotExist (wrapped) unchanged so callers can use os.IsNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path constructed from validated state-dir components
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
