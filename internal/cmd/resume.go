package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/errors"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Restore a session from a checkpoint",
	Long: `Resume rewinds a session and all its tasks to a checkpoint snapshot,
typically one taken when a run halted on a critical error. With --session it
lists the checkpoints available for that session instead.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().String("checkpoint", "", "checkpoint id to restore")
	resumeCmd.Flags().String("session", "", "list checkpoints recorded for this session")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	checkpointID, _ := cmd.Flags().GetString("checkpoint")
	sessionID, _ := cmd.Flags().GetString("session")
	if checkpointID == "" && sessionID == "" {
		return errors.NewValidationError("either --checkpoint or --session is required")
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	ctx := context.Background()

	if sessionID != "" {
		checkpoints, err := rt.store.ListCheckpoints(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(checkpoints) == 0 {
			fmt.Printf("No checkpoints for session %s\n", sessionID)
			return nil
		}
		fmt.Println(headerStyle.Render("Checkpoints for " + sessionID))
		for _, cp := range checkpoints {
			fmt.Printf("  %s  %d tasks  %s  %s\n",
				cp.ID, len(cp.Tasks), dimStyle.Render(ago(cp.CreatedAt)), cp.Reason)
		}
		return nil
	}

	cp, err := rt.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	tasks, err := rt.store.RestoreCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	fmt.Printf("Restored session %s from checkpoint %s\n", cp.SessionID, checkpointID)
	for _, task := range tasks {
		fmt.Printf("  %s %s (v%d)\n",
			task.TaskID, styleForTask(task.Status).Render(string(task.Status)), task.Version)
	}
	return nil
}
