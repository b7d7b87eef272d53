package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/cleanup"
	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/git"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [task-id...]",
	Short: "Reclaim branches and worktrees for finalized tasks",
	Long: `Cleanup evaluates each named task: branches whose merge is verified
(listed as merged and an empty diff against main) have their worktree,
branches, and scratch files removed; anything else is preserved and
logged. With --dry-run it prints each decision without acting on it.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().Bool("dry-run", false, "print decisions without removing anything")
	cleanupCmd.Flags().Bool("list-preserved", false, "list the preservation log and exit")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	vcs := git.NewClient(cwd)
	protocol := cleanup.NewProtocol(rt.store, vcs, rt.bus, rt.stateDir,
		rt.cfg.Cleanup.KeepRemoteBranches, rt.logger)

	if listPreserved, _ := cmd.Flags().GetBool("list-preserved"); listPreserved {
		records, err := protocol.ListPreserved()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No preserved tasks")
			return nil
		}
		fmt.Println(headerStyle.Render("Preserved tasks"))
		for _, rec := range records {
			fmt.Printf("  %s %s  %s\n", preservedStyle.Render("●"), rec.TaskID,
				dimStyle.Render(ago(rec.PreservedAt)))
			fmt.Printf("    %s\n", rec.Reason)
			for _, warning := range rec.Warnings {
				fmt.Printf("    %s\n", dimStyle.Render(warning))
			}
		}
		return nil
	}

	if len(args) == 0 {
		return errors.NewValidationError("no tasks given: pass one or more task ids")
	}
	if !vcs.IsRepository(cwd) {
		return errors.NewValidationError("not inside a git repository")
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	ctx := context.Background()
	var failed int
	for _, taskID := range args {
		var decision cleanup.Decision
		var err error
		if dryRun {
			decision, err = protocol.Evaluate(ctx, taskID)
		} else {
			decision, err = protocol.Execute(ctx, taskID)
		}
		if err != nil {
			failed++
			fmt.Printf("%s %s: %v\n", failedStyle.Render("●"), taskID, err)
			continue
		}
		printDecision(decision, dryRun)
	}
	if failed > 0 {
		return fmt.Errorf("cleanup failed for %d task(s)", failed)
	}
	return nil
}

func printDecision(decision cleanup.Decision, dryRun bool) {
	verb := map[cleanup.Action]string{
		cleanup.ActionFullCleanup: "cleaned up",
		cleanup.ActionPreserve:    "preserved",
	}[decision.Action]
	if dryRun {
		verb = "would be " + verb
	}
	dot := completedStyle.Render("●")
	if decision.Action == cleanup.ActionPreserve {
		dot = preservedStyle.Render("●")
	}
	fmt.Printf("%s %s %s: %s\n", dot, decision.TaskID, verb, decision.Reason)
	for _, warning := range decision.Warnings {
		fmt.Printf("  %s\n", dimStyle.Render("warning: "+warning))
	}
}
