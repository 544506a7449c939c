package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and track navigation tasks",
	}
	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskStatusCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskRetryCmd())
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "submit <destination>",
		Short: "Send the best available agent (or --agent) to a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			t, err := c.SubmitTask(cmd.Context(), args[0], agent)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), *t)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Preferred agent")
	return cmd
}

// taskAction builds the status/cancel/retry commands, which differ only in the call.
func taskAction(use, short string, call func(cmd *cobra.Command, id string) (*models.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := call(cmd, args[0])
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), *t)
			return nil
		},
	}
}

func newTaskStatusCmd() *cobra.Command {
	return taskAction("status", "Show a task", func(cmd *cobra.Command, id string) (*models.Task, error) {
		c, err := apiClient(cmd)
		if err != nil {
			return nil, err
		}
		return c.GetTask(cmd.Context(), id)
	})
}

func newTaskCancelCmd() *cobra.Command {
	return taskAction("cancel", "Cancel a task; a moving agent stops at the next vertex", func(cmd *cobra.Command, id string) (*models.Task, error) {
		c, err := apiClient(cmd)
		if err != nil {
			return nil, err
		}
		return c.CancelTask(cmd.Context(), id)
	})
}

func newTaskRetryCmd() *cobra.Command {
	return taskAction("retry", "Reassign a blocked task", func(cmd *cobra.Command, id string) (*models.Task, error) {
		c, err := apiClient(cmd)
		if err != nil {
			return nil, err
		}
		return c.RetryTask(cmd.Context(), id)
	})
}

func newTaskListCmd() *cobra.Command {
	var (
		status   string
		archived bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live tasks (or --archived finished ones)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			tasks, err := c.ListTasks(cmd.Context(), archived, status)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				printTask(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, active, blocked, completed, cancelled)")
	cmd.Flags().BoolVar(&archived, "archived", false, "List from the task archive")
	return cmd
}

func printTask(w io.Writer, t models.Task) {
	line := fmt.Sprintf("%s %s -> %s", t.ID, t.Status, t.Destination)
	if t.Agent != "" {
		line += " agent=" + t.Agent
	}
	if len(t.Path) > 0 {
		line += " path=" + strings.Join(t.Path, ",")
	}
	if t.Replans > 0 {
		line += fmt.Sprintf(" replans=%d", t.Replans)
	}
	if t.Reason != "" {
		line += " (" + t.Reason + ")"
	}
	_, _ = fmt.Fprintln(w, line)
}
