// Package trailers formats and parses the git trailer metadata kitagentd
// stamps on every auto-commit, trimmed from the teacher's much larger
// checkpoint/condensation/shadow-branch trailer vocabulary down to the
// two facts this domain actually needs to recover after a crash: which
// session made a commit, and which agent type was driving it.
package trailers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/s9nkit/devops-agent-core/internal/model"
)

const (
	// SessionTrailerKey identifies which session authored a commit.
	SessionTrailerKey = "Kit-Session"
	// AgentTrailerKey identifies which agent type authored a commit.
	AgentTrailerKey = "Kit-Agent"
)

var (
	sessionTrailerRegex = regexp.MustCompile(SessionTrailerKey + `:\s*(.+)`)
	agentTrailerRegex   = regexp.MustCompile(AgentTrailerKey + `:\s*(.+)`)
)

// Format appends Kit-Session and Kit-Agent trailers to message, following
// the git trailer convention of a blank line before key: value pairs.
func Format(message, sessionID string, agentType model.AgentType) string {
	return fmt.Sprintf("%s\n\n%s: %s\n%s: %s\n", message, SessionTrailerKey, sessionID, AgentTrailerKey, agentType)
}

// ParseSession extracts the session ID from a commit message, if present.
func ParseSession(commitMessage string) (string, bool) {
	matches := sessionTrailerRegex.FindStringSubmatch(commitMessage)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1]), true
	}
	return "", false
}

// ParseAgentType extracts the agent type from a commit message, if present.
func ParseAgentType(commitMessage string) (model.AgentType, bool) {
	matches := agentTrailerRegex.FindStringSubmatch(commitMessage)
	if len(matches) > 1 {
		return model.AgentType(strings.TrimSpace(matches[1])), true
	}
	return "", false
}
