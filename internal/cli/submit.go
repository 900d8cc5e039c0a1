package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "submit <exercise_id> <source_file|->",
		Short: "Submit code for an exercise",
		Long:  "Submit a source file (or stdin with -) for an exercise. The exercise's includes are prepended by the server.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(cmd, args[1])
			if err != nil {
				return err
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/run", model.SubmitRequest{
				ExerciseID: args[0],
				Code:       code,
			})
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			var res model.SubmitResult
			if err := json.Unmarshal(resp.Data, &res); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task submitted: %s\n", res.TaskID)
			fmt.Fprintf(cmd.OutOrStdout(), "  Status:  %s\n", res.State)
			fmt.Fprintf(cmd.OutOrStdout(), "  Message: %s\n", res.Message)

			if watch {
				return watchTask(cmd, res.TaskID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the task until it finishes")
	return cmd
}

func readSource(cmd *cobra.Command, path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}
