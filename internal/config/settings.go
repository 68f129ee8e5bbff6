package config

import (
	"os"
	"path/filepath"

	"github.com/s9nkit/devops-agent-core/internal/jsonutil"
)

const settingsFileName = "settings.json"

// Settings is kitagentd's daemon-wide preference file, living alongside
// instances.json in the same state directory. It is separate from the
// per-repo AgentInstance table because these preferences apply to the
// daemon process itself, not to any one repo or session.
type Settings struct {
	// TelemetryEnabled is nil until the operator has been asked; see
	// internal/telemetry.NewClient for how nil is treated as disabled.
	TelemetryEnabled *bool `json:"telemetryEnabled,omitempty"`
}

// LoadSettings reads settings.json from stateDir, returning a zero-value
// Settings (TelemetryEnabled == nil) if the file doesn't exist yet.
func LoadSettings(stateDir string) (Settings, error) {
	var s Settings
	err := jsonutil.ReadJSON(filepath.Join(stateDir, settingsFileName), &s)
	if err != nil && os.IsNotExist(err) {
		return Settings{}, nil
	}
	return s, err
}

// SaveSettings persists s to stateDir/settings.json.
func SaveSettings(stateDir string, s Settings) error {
	return jsonutil.WriteJSONAtomic(filepath.Join(stateDir, settingsFileName), s, 0o640)
}
