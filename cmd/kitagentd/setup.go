package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/s9nkit/devops-agent-core/internal/config"
)

// newAccessibleForm mirrors the teacher's NewAccessibleForm helper: huh's
// interactive renderer assumes a real TTY, so CI runners and piped
// invocations fall back to its plain accessible mode instead of hanging
// on a render loop that never gets input.
func newAccessibleForm(groups ...*huh.Group) *huh.Form {
	form := huh.NewForm(groups...)
	if os.Getenv("CI") != "" || os.Getenv("KITAGENTD_ACCESSIBLE") != "" {
		form = form.WithAccessible(true)
	}
	return form
}

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively configure daemon-wide preferences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSetup(cmd)
		},
	}
	return cmd
}

func runSetup(cmd *cobra.Command) error {
	settings, err := config.LoadSettings(stateDir)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	if err := promptTelemetryConsent(&settings); err != nil {
		return err
	}

	if err := config.SaveSettings(stateDir, settings); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Settings saved.")
	return nil
}

// promptTelemetryConsent asks whether to share anonymous coordinator
// lifecycle counters, skipping the prompt if already answered or opted
// out via the environment.
func promptTelemetryConsent(settings *config.Settings) error {
	if os.Getenv("KITAGENTD_TELEMETRY_OPTOUT") != "" {
		f := false
		settings.TelemetryEnabled = &f
		return nil
	}
	if settings.TelemetryEnabled != nil {
		return nil
	}

	consent := true
	form := newAccessibleForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Help improve kitagentd?").
				Description("Share anonymous session/commit/rebase counters. No file contents or task text is ever collected.").
				Affirmative("Yes").
				Negative("No").
				Value(&consent),
		),
	)

	if err := form.Run(); err != nil {
		//nolint:nilerr // user cancelled - not fatal, just skip
		return nil
	}

	settings.TelemetryEnabled = &consent
	return nil
}
