package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

func newListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your most recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), fmt.Sprintf("/api/v1/tasks?limit=%d", limit))
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			var tasks []model.Task
			if err := json.Unmarshal(resp.Data, &tasks); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}

			fmt.Fprintf(out, "%-42s  %-12s  %-12s  %-8s  %s\n", "ID", "STATUS", "EXERCISE", "CREDITS", "CREATED")
			fmt.Fprintf(out, "%-42s  %-12s  %-12s  %-8s  %s\n", "--", "------", "--------", "-------", "-------")
			for _, t := range tasks {
				fmt.Fprintf(out, "%-42s  %-12s  %-12s  %-8d  %s\n",
					t.ID, t.State, t.ExerciseID, t.CreditsCost, t.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", model.DefaultRecentLimit, "Number of tasks to show (max 100)")
	return cmd
}
