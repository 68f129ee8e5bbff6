package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/s9nkit/devops-agent-core/internal/api"
	"github.com/s9nkit/devops-agent-core/internal/clockwheel"
	"github.com/s9nkit/devops-agent-core/internal/config"
	"github.com/s9nkit/devops-agent-core/internal/eventbus"
	"github.com/s9nkit/devops-agent-core/internal/gitexec"
	"github.com/s9nkit/devops-agent-core/internal/obslog"
	"github.com/s9nkit/devops-agent-core/internal/telemetry"
)

// version is the daemon's build version, reported alongside telemetry
// events. Overridden at build time via -ldflags.
var version = "dev"

// app holds the process-wide singletons every subcommand shares: one
// event bus, one timing wheel, one Git executor, one instance table, and
// the Coordinator built on top of them. Exactly one app is constructed
// per process, in PersistentPreRunE, the way the teacher's root.go wires
// its telemetry client once in PersistentPostRun.
type app struct {
	svc              *api.Service
	telemetry        telemetry.Client
	untrackTelemetry func()
}

// newApp constructs the process-wide singletons. telemetryFlagSet/
// telemetryFlagValue carry the --telemetry flag's state; when the flag
// wasn't explicitly passed, the persisted answer from `kitagentd setup`
// (settings.json) governs instead, the same precedence the teacher's
// settings.Telemetry/--telemetry flag pair follows.
func newApp(stateDir string, telemetryFlagSet, telemetryFlagValue bool) (*app, error) {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", stateDir, err)
	}
	if err := obslog.Init(stateDir, "kitagentd"); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	store, err := config.New(stateDir)
	if err != nil {
		return nil, fmt.Errorf("opening instance table: %w", err)
	}

	bus := eventbus.New(eventbus.DefaultCapacity)
	wheel := clockwheel.New()
	git := gitexec.New()

	svc, err := api.New(bus, wheel, git, store)
	if err != nil {
		return nil, fmt.Errorf("constructing coordinator: %w", err)
	}

	enabled := &telemetryFlagValue
	if !telemetryFlagSet {
		settings, err := config.LoadSettings(stateDir)
		if err != nil {
			return nil, fmt.Errorf("loading settings: %w", err)
		}
		enabled = settings.TelemetryEnabled
	}

	client := telemetry.NewClient(version, enabled)
	untrack := telemetry.Subscribe(bus, client)

	return &app{svc: svc, telemetry: client, untrackTelemetry: untrack}, nil
}

// Close releases the app's background resources: the telemetry
// subscription and a final flush of its client.
func (a *app) Close() {
	if a.untrackTelemetry != nil {
		a.untrackTelemetry()
	}
	if a.telemetry != nil {
		a.telemetry.Close()
	}
}

// defaultStateDir is $HOME/.kitagentd: the AgentInstance table is
// orchestrator-wide, spanning every repo the daemon watches, unlike the
// per-repo .S9N_KIT_DevOpsAgent/ directory each repo carries for its own
// sessions/locks/activity log.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kitagentd"
	}
	return filepath.Join(home, ".kitagentd")
}
