package main

import (
	"github.com/spf13/cobra"
)

func newScanAllReposForSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan-sessions <repo...>",
		Short: "Scan one or more repos for sessions with no matching AgentInstance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.ScanAllReposForSessions(cmd.Context(), args))
		},
	}
	return cmd
}

func newRecoverSessionCmd() *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "recover-session <sessionId>",
		Short: "Synthesize a waiting AgentInstance for an orphaned session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.RecoverSession(cmd.Context(), args[0], repoPath))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newDeleteOrphanedSessionCmd() *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "delete-orphaned-session <sessionId>",
		Short: "Delete an orphaned session's files instead of recovering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.DeleteOrphanedSession(cmd.Context(), args[0], repoPath))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}
