package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stagehand-dev/stagehand/internal/coordinator"
	"github.com/stagehand-dev/stagehand/internal/statestore"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle       = lipgloss.NewStyle().Faint(true)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	preservedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	activeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions and task states",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("session", "", "limit output to one session id")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	ctx := context.Background()

	sessions, err := rt.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	if only, _ := cmd.Flags().GetString("session"); only != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.ID == only {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	tasks, err := rt.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	bySession := make(map[string][]*statestore.TaskState)
	for _, task := range tasks {
		bySession[task.SessionID] = append(bySession[task.SessionID], task)
	}

	rule := strings.Repeat("─", terminalWidth())
	for _, session := range sessions {
		name := session.Name
		if name == "" {
			name = session.ID
		}
		fmt.Println(headerStyle.Render(name) + "  " + styleForSession(session.Status).Render(string(session.Status)))
		fmt.Println(dimStyle.Render(fmt.Sprintf("id %s · created %s · %d/%d done, %d failed, %d preserved",
			session.ID, ago(session.CreatedAt),
			session.CompletedTasks, session.TotalTasks,
			session.FailedTasks, session.PreservedTasks)))

		members := bySession[session.ID]
		sort.Slice(members, func(i, j int) bool { return members[i].TaskID < members[j].TaskID })
		for _, task := range members {
			line := fmt.Sprintf("  %s %-12s %3d%%  v%-3d %s",
				styleForTask(task.Status).Render("●"),
				task.Status, task.Progress, task.Version, task.TaskID)
			if task.Branch != "" {
				line += dimStyle.Render("  " + task.Branch)
			}
			if task.FailureReason != "" {
				reason := strings.SplitN(task.FailureReason, "\n", 2)[0]
				line += "  " + failedStyle.Render(reason)
			}
			fmt.Println(line)
		}
		fmt.Println(dimStyle.Render(rule))
	}
	return nil
}

// printReport renders a run's final report.
func printReport(report *coordinator.Report) {
	fmt.Println()
	fmt.Println(headerStyle.Render("Session " + report.SessionID))

	ids := make([]string, 0, len(report.Tasks))
	for id := range report.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		status := report.Tasks[id]
		fmt.Printf("  %s %-12s %s\n", styleForTask(status).Render("●"), status, id)
	}

	summary := fmt.Sprintf("%d completed, %d failed, %d preserved",
		report.Completed, report.Failed, report.Preserved)
	if report.Success() {
		fmt.Println(completedStyle.Render(summary))
	} else {
		fmt.Println(failedStyle.Render(summary))
	}
	if report.CheckpointID != "" {
		fmt.Println(failedStyle.Render("halted; resume with --checkpoint " + report.CheckpointID))
	}
}

func styleForTask(status statestore.TaskStatus) lipgloss.Style {
	switch status {
	case statestore.StatusCompleted:
		return completedStyle
	case statestore.StatusFailed:
		return failedStyle
	case statestore.StatusPreserved:
		return preservedStyle
	default:
		return activeStyle
	}
}

func styleForSession(status statestore.SessionStatus) lipgloss.Style {
	switch status {
	case statestore.SessionCompleted:
		return completedStyle
	case statestore.SessionFailed:
		return failedStyle
	default:
		return activeStyle
	}
}

// terminalWidth returns the stdout width, with a sane fallback for pipes.
func terminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	return 80
}
