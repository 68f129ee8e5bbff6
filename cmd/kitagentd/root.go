package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	stateDir         string
	telemetryEnabled bool
	theApp           *app
)

// newRootCmd mirrors the teacher's cmd/entire/cli/root.go: SilenceErrors
// so main.go owns error printing, one persistent flag resolving the
// shared state directory, and one subcommand per Coordinator verb.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kitagentd",
		Short:         "Multi-agent Git coordination daemon",
		Long:          "kitagentd coordinates multiple coding-agent sessions working in the same repositories: auto-commit, file locking, rebase watching, and orphaned-session recovery.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			a, err := newApp(stateDir, cmd.Flags().Changed("telemetry"), telemetryEnabled)
			if err != nil {
				return fmt.Errorf("starting kitagentd: %w", err)
			}
			theApp = a
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir(), "directory holding the orchestrator's cross-repo instance table")
	cmd.PersistentFlags().BoolVar(&telemetryEnabled, "telemetry", false, "report anonymous coordinator lifecycle counters (never file contents or task text)")

	cmd.AddCommand(newCreateSessionCmd())
	cmd.AddCommand(newCloseSessionCmd())
	cmd.AddCommand(newListSessionsCmd())
	cmd.AddCommand(newRestartSessionCmd())

	cmd.AddCommand(newListLocksCmd())
	cmd.AddCommand(newForceReleaseLockCmd())
	cmd.AddCommand(newCheckConflictsCmd())
	cmd.AddCommand(newDeclareFilesCmd())
	cmd.AddCommand(newReleaseFilesCmd())

	cmd.AddCommand(newStartRebaseWatcherCmd())
	cmd.AddCommand(newStopRebaseWatcherCmd())
	cmd.AddCommand(newPauseRebaseWatcherCmd())
	cmd.AddCommand(newResumeRebaseWatcherCmd())
	cmd.AddCommand(newForceCheckCmd())
	cmd.AddCommand(newTriggerRebaseCmd())

	cmd.AddCommand(newScanAllReposForSessionsCmd())
	cmd.AddCommand(newRecoverSessionCmd())
	cmd.AddCommand(newDeleteOrphanedSessionCmd())

	cmd.AddCommand(newSetupCmd())

	return cmd
}
