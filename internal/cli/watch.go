package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task_id>",
		Short: "Follow a task's progress until it finishes",
		Long:  "Follow a task over Server-Sent Events. Leaving the stream early may interrupt the task, depending on server settings.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchTask(cmd, args[0])
		},
	}
}

// watchTask prints each state change and new output chunk, then the final
// task. It returns an error if the task did not complete successfully.
func watchTask(cmd *cobra.Command, id string) error {
	out := cmd.OutOrStdout()
	var last model.Task
	var printedOut, printedErr int

	err := client.Stream(cmd.Context(), "/api/v1/sse/tasks/"+id, func(event string, data []byte) bool {
		var snap model.Task
		if err := json.Unmarshal(data, &snap); err != nil {
			logger.Warn("decode task snapshot", "error", err)
			return true
		}
		if snap.State != last.State {
			fmt.Fprintf(out, "[%s] %s\n", snap.State, snap.Message)
		}
		if len(snap.Stdout) > printedOut {
			fmt.Fprint(out, snap.Stdout[printedOut:])
			printedOut = len(snap.Stdout)
		}
		if len(snap.Stderr) > printedErr {
			fmt.Fprint(cmd.ErrOrStderr(), snap.Stderr[printedErr:])
			printedErr = len(snap.Stderr)
		}
		last = snap
		return event != "complete"
	})
	if err != nil {
		return fmt.Errorf("watch task: %w", err)
	}

	if !last.State.IsTerminal() {
		return fmt.Errorf("stream ended before task %s finished", id)
	}
	fmt.Fprintf(out, "Task %s %s (%d credits)\n", id, last.State, last.CreditsCost)
	if last.State != model.TaskStateCompleted {
		return fmt.Errorf("task %s: %s", last.State, last.Message)
	}
	return nil
}
