package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nodeimage/internal/models"
	"nodeimage/internal/repository"
)

func init() {
	tasksCmd.Flags().String("status", "", "only list tasks in this status")
	tasksCmd.Flags().Int("limit", 20, "maximum number of tasks")

	rootCmd.AddCommand(statusCmd, retryFailedCmd, tasksCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), true, false)
		if err != nil {
			return err
		}
		defer e.Close()

		counts, err := repository.NewTaskRepository(e.db).CountByStatus(cmd.Context())
		if err != nil {
			return err
		}
		return writeCounts(cmd.OutOrStdout(), counts)
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Return failed and errored tasks to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), true, false)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := repository.NewTaskRepository(e.db).ResetFailed(cmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d task(s) reset to pending\n", n)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List moderation tasks, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := repository.TaskFilter{Status: models.TaskStatus(status), Limit: limit}
		if status != "" && !filter.Status.Valid() {
			return fmt.Errorf("unknown status %q", status)
		}

		e, err := openEnv(cmd.Context(), true, false)
		if err != nil {
			return err
		}
		defer e.Close()

		tasks, err := repository.NewTaskRepository(e.db).List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return writeTasks(cmd.OutOrStdout(), tasks)
	},
}

func writeCounts(out io.Writer, counts map[models.TaskStatus]int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tTASKS")
	total := 0
	for _, status := range models.AllTaskStatuses {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}

func writeTasks(out io.Writer, tasks []models.ModerationTask) error {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBJECT\tSTATUS\tRETRIES\tUPDATED\tLAST ERROR")
	for _, t := range tasks {
		lastErr := "-"
		if t.LastError != nil {
			lastErr = *t.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID,
			t.SubjectID,
			t.Status,
			t.RetryCount,
			t.UpdatedAt.UTC().Format(time.RFC3339),
			lastErr,
		)
	}
	return w.Flush()
}
