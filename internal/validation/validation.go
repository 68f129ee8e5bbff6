// Package validation guards the identifiers the coordinator embeds into
// file paths (session IDs, agent types) against path traversal, trimmed
// from the teacher's validators.go down to the two ID shapes this
// domain actually constructs paths from.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var pathSafeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SessionID rejects a session ID containing a path separator, since
// session IDs are interpolated directly into state-directory paths.
func SessionID(id string) error {
	if id == "" {
		return errors.New("session ID cannot be empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid session ID %q: contains path separators", id)
	}
	return nil
}

// AgentType rejects an agent type containing anything but alphanumerics,
// underscores, and hyphens, since agent types are interpolated into
// lock-table keys and commit trailers.
func AgentType(agentType string) error {
	if agentType == "" {
		return errors.New("agent type cannot be empty")
	}
	if !pathSafeRegex.MatchString(agentType) {
		return fmt.Errorf("invalid agent type %q: must be alphanumeric with underscores/hyphens only", agentType)
	}
	return nil
}
