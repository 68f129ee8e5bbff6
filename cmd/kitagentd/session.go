package main

import (
	"github.com/spf13/cobra"

	"github.com/s9nkit/devops-agent-core/internal/api"
	"github.com/s9nkit/devops-agent-core/internal/model"
)

func newCreateSessionCmd() *cobra.Command {
	var (
		repoPath        string
		agentType       string
		task            string
		branchName      string
		baseBranch      string
		useWorktree     bool
		autoCommit      bool
		commitInterval  int
		rebaseFrequency string
	)

	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Create a new agent session in a repo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := theApp.svc.CreateSession(cmd.Context(), api.CreateSessionRequest{
				RepoPath:           repoPath,
				AgentType:          model.AgentType(agentType),
				TaskDescription:    task,
				BranchName:         branchName,
				BaseBranch:         baseBranch,
				UseWorktree:        useWorktree,
				AutoCommit:         autoCommit,
				CommitIntervalSecs: commitInterval,
				RebaseFrequency:    model.RebaseFrequency(rebaseFrequency),
			})
			return emit(cmd, res)
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	cmd.Flags().StringVar(&agentType, "agent-type", string(model.AgentTypeCustom), "agent type (claude, cursor, copilot, cline, aider, warp, custom)")
	cmd.Flags().StringVar(&task, "task", "", "human-readable task description")
	cmd.Flags().StringVar(&branchName, "branch", "", "branch the session works on")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "branch to rebase onto / create the worktree from")
	cmd.Flags().BoolVar(&useWorktree, "worktree", false, "create a dedicated git worktree for this session")
	cmd.Flags().BoolVar(&autoCommit, "auto-commit", true, "auto-commit file changes on a debounce timer")
	cmd.Flags().IntVar(&commitInterval, "commit-interval", 30, "auto-commit debounce interval in seconds")
	cmd.Flags().StringVar(&rebaseFrequency, "rebase-frequency", string(model.RebaseFrequencyManual), "rebase watcher mode (on-demand, manual)")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func newCloseSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close-session <sessionId>",
		Short: "Stop watching a session and release its locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.CloseSession(cmd.Context(), args[0]))
		},
	}
	return cmd
}

func newListSessionsCmd() *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "list-sessions",
		Short: "List the live sessions a repo's registry has ingested",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, theApp.svc.ListSessions(cmd.Context(), repoPath))
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "path to the repository (required)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newRestartSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart-session <instanceId>",
		Short: "Recreate a session from a previously stored AgentInstance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(cmd, theApp.svc.RestartSession(cmd.Context(), args[0]))
		},
	}
	return cmd
}
