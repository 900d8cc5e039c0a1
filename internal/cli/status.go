package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show a task with its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/tasks/"+args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}

			var task model.Task
			if err := json.Unmarshal(resp.Data, &task); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			printTask(cmd.OutOrStdout(), &task)
			return nil
		},
	}
}

func printTask(w io.Writer, task *model.Task) {
	fmt.Fprintf(w, "Task: %s\n", task.ID)
	fmt.Fprintf(w, "  Exercise: %s\n", task.ExerciseID)
	fmt.Fprintf(w, "  Status:   %s\n", task.State)
	if task.Message != "" {
		fmt.Fprintf(w, "  Message:  %s\n", task.Message)
	}
	fmt.Fprintf(w, "  Credits:  %d\n", task.CreditsCost)
	fmt.Fprintf(w, "  Created:  %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.StartedAt != nil {
		fmt.Fprintf(w, "  Started:  %s\n", task.StartedAt.Format(time.RFC3339))
	}
	if task.FinishedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", task.FinishedAt.Format(time.RFC3339))
	}
	if task.TotalExecutionTime != nil {
		fmt.Fprintf(w, "  Duration: %s\n", task.TotalExecutionTime.Round(time.Millisecond))
	}
	if task.Stdout != "" {
		fmt.Fprintf(w, "--- stdout ---\n%s\n", task.Stdout)
	}
	if task.Stderr != "" {
		fmt.Fprintf(w, "--- stderr ---\n%s\n", task.Stderr)
	}
}
