package main

import (
	"github.com/spf13/cobra"

	"github.com/s9nkit/devops-agent-core/internal/api"
	"github.com/s9nkit/devops-agent-core/internal/model"
)

func newListLocksCmd() *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "list-locks",
		Short: "Show the current file lock table for a repo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, theApp.svc.ListLocks(cmd.Context(), repoPath))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newForceReleaseLockCmd() *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "force-release-lock <filePath>",
		Short: "Forcibly release a lock regardless of its owning session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.ForceReleaseLock(cmd.Context(), repoPath, args[0]))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newCheckConflictsCmd() *cobra.Command {
	var repoPath, excludeSessionID string
	cmd := &cobra.Command{
		Use:   "check-conflicts <file...>",
		Short: "Pre-flight check a candidate set of paths against the lock table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.CheckConflicts(cmd.Context(), repoPath, args, excludeSessionID))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	cmd.Flags().StringVar(&excludeSessionID, "exclude-session", "", "don't report a conflict against this session's own locks")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newDeclareFilesCmd() *cobra.Command {
	var (
		repoPath          string
		agentType         string
		sessionID         string
		operation         string
		reason            string
		estimatedDuration int
	)
	cmd := &cobra.Command{
		Use:   "declare-files <file...>",
		Short: "Manually declare files under edit (legacy facade; locks.json remains authoritative)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.DeclareFiles(cmd.Context(), repoPath, api.DeclareFilesRequest{
				AgentType:         model.AgentType(agentType),
				SessionID:         sessionID,
				Files:             args,
				Operation:         operation,
				Reason:            reason,
				EstimatedDuration: estimatedDuration,
			}))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	cmd.Flags().StringVar(&agentType, "agent-type", string(model.AgentTypeCustom), "agent type")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (required)")
	cmd.Flags().StringVar(&operation, "operation", "edit", "declared operation")
	cmd.Flags().StringVar(&reason, "reason", "", "human-readable reason")
	cmd.Flags().IntVar(&estimatedDuration, "estimated-duration", 0, "estimated duration in seconds")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newReleaseFilesCmd() *cobra.Command {
	var agentType string
	cmd := &cobra.Command{
		Use:   "release-files <sessionId>",
		Short: "Release every legacy declaration owned by a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.ReleaseFiles(cmd.Context(), model.AgentType(agentType), args[0]))
		},
	}
	cmd.Flags().StringVar(&agentType, "agent-type", string(model.AgentTypeCustom), "agent type")
	return cmd
}
