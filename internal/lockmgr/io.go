package lockmgr

import (
	"os"

	"github.com/s9nkit/devops-agent-core/internal/jsonutil"
)

// jsonReadOrEmpty reads path into v, leaving *v untouched (nil map) if the
// file doesn't exist yet.
func jsonReadOrEmpty[T any](path string, v *T) error {
	err := jsonutil.ReadJSON(path, v)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

// truncateFile empties path (or does nothing if it doesn't exist), matching
// the "truncate, don't delete" contract for an empty locks.json.
func truncateFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
