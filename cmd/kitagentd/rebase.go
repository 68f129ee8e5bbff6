package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/s9nkit/devops-agent-core/internal/api"
)

func newStartRebaseWatcherCmd() *cobra.Command {
	var repoPath, worktreePath, baseBranch string
	var pollIntervalSecs int
	cmd := &cobra.Command{
		Use:   "start-rebase-watcher <sessionId>",
		Short: "Start polling upstream for changes to rebase onto",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wt := worktreePath
			if wt == "" {
				wt = repoPath
			}
			return emit(cmd, theApp.svc.StartRebaseWatcher(cmd.Context(), api.RebaseWatchRequest{
				SessionID:    args[0],
				RepoPath:     repoPath,
				WorktreePath: wt,
				BaseBranch:   baseBranch,
				PollInterval: time.Duration(pollIntervalSecs) * time.Second,
			}))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	cmd.Flags().StringVar(&worktreePath, "worktree", "", "worktree path, defaults to --repo")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "branch to rebase onto")
	cmd.Flags().IntVar(&pollIntervalSecs, "poll-interval", 60, "poll interval in seconds")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newStopRebaseWatcherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-rebase-watcher <sessionId>",
		Short: "Stop and terminate a session's rebase watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.StopRebaseWatcher(cmd.Context(), args[0]))
		},
	}
	return cmd
}

func newPauseRebaseWatcherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause-rebase-watcher <sessionId>",
		Short: "Pause a session's rebase watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.PauseRebaseWatcher(cmd.Context(), args[0]))
		},
	}
	return cmd
}

func newResumeRebaseWatcherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume-rebase-watcher <sessionId>",
		Short: "Resume a paused rebase watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.ResumeRebaseWatcher(cmd.Context(), args[0]))
		},
	}
	return cmd
}

func newForceCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-check <sessionId>",
		Short: "Fetch and check upstream now, rebasing immediately if behind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.ForceCheck(cmd.Context(), args[0]))
		},
	}
	return cmd
}

func newTriggerRebaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger-rebase <sessionId>",
		Short: "Manually trigger a rebase check (alias of force-check)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.TriggerRebase(cmd.Context(), args[0]))
		},
	}
	return cmd
}
