package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulce2011/GPU-Code-Runner/internal/config"
	"github.com/pulce2011/GPU-Code-Runner/internal/ledger"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

// DefaultDailyCredits is the balance restored by reset-credits.
const DefaultDailyCredits = 10

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer the task database directly",
		Long:  "Admin commands open the SQLite database named by --db (or the config file) and do not go through the server.",
	}
	cmd.AddCommand(
		newResetCreditsCmd(),
		newClearTasksCmd(),
		newStatsCmd(),
		newSeedCmd(),
		newClearExercisesCmd(),
	)
	return cmd
}

// openStore opens and migrates the admin database.
func openStore(ctx context.Context) (*store.SQLiteStore, config.ServerConfig, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, cfg, fmt.Errorf("load config: %w", err)
	}
	path := flagDB
	if path == "" {
		path = cfg.DBPath
	}
	if path == "" {
		path = "runner.db"
	}

	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, cfg, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, cfg, fmt.Errorf("migrate database: %w", err)
	}
	return st, cfg, nil
}

func newResetCreditsCmd() *cobra.Command {
	var credits int64

	cmd := &cobra.Command{
		Use:   "reset-credits",
		Short: "Raise every balance below --credits to --credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Resetting credits to %d (%s)\n", credits, time.Now().Format(time.DateTime))
			n, err := ledger.New(st, cfg.Runtime, logger).Reset(cmd.Context(), credits)
			if err != nil {
				return fmt.Errorf("reset credits: %w", err)
			}
			fmt.Fprintf(out, "Updated %d users\n", n)
			return nil
		},
	}

	cmd.Flags().Int64Var(&credits, "credits", DefaultDailyCredits, "Balance to restore")
	return cmd
}

func newClearTasksCmd() *cobra.Command {
	var (
		all       bool
		confirm   bool
		states    []string
		olderThan int
		matr      string
	)

	cmd := &cobra.Command{
		Use:   "clear-tasks",
		Short: "Delete tasks by state, age or user",
		Long: `Delete tasks matching every given filter. Deleting all tasks requires
--all --confirm. Running tasks are never deleted by a state-less filter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := model.TaskFilter{}

			if all {
				if !confirm {
					return fmt.Errorf("refusing to delete all tasks without --confirm")
				}
				filter.All = true
			}
			for _, s := range states {
				st := model.TaskState(strings.ToLower(strings.TrimSpace(s)))
				if !st.IsValid() {
					return fmt.Errorf("unknown state %q", s)
				}
				filter.States = append(filter.States, st)
			}
			if olderThan > 0 {
				filter.CreatedBefore = time.Now().UTC().AddDate(0, 0, -olderThan)
			}

			st, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if matr != "" {
				u, err := st.GetUserByMatr(ctx, matr)
				if err != nil {
					return fmt.Errorf("look up user: %w", err)
				}
				if u == nil {
					return fmt.Errorf("no user with matr %s", matr)
				}
				filter.UserID = u.ID
			}
			if !filter.All && len(filter.States) == 0 && filter.CreatedBefore.IsZero() && filter.UserID == "" {
				return fmt.Errorf("specify --all --confirm, --state, --older-than or --user")
			}
			if len(filter.States) == 0 && !filter.All {
				filter.States = []model.TaskState{
					model.TaskStatePending, model.TaskStateCompleted,
					model.TaskStateFailed, model.TaskStateInterrupted,
				}
			}

			if err := printStats(cmd, st); err != nil {
				return err
			}
			n, err := st.DeleteTasks(ctx, filter)
			if err != nil {
				return fmt.Errorf("delete tasks: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d tasks\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Delete every task (requires --confirm)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm deleting all tasks")
	cmd.Flags().StringSliceVar(&states, "state", nil, "Delete tasks in these states (repeatable)")
	cmd.Flags().IntVar(&olderThan, "older-than", 0, "Delete tasks created more than DAYS days ago")
	cmd.Flags().StringVar(&matr, "user", "", "Delete tasks of the user with this matr")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return printStats(cmd, st)
		},
	}
}

func printStats(cmd *cobra.Command, st store.Store) error {
	stats, err := st.TaskStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("task stats: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tasks: %d\n", stats.Total)
	for _, s := range model.AllTaskStates {
		fmt.Fprintf(out, "  %-12s %d\n", s, stats.States[s])
	}
	return nil
}

func newClearExercisesCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "clear-exercises",
		Short: "Delete the exercise catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to delete exercises without --confirm")
			}
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.DeleteExercises(cmd.Context())
			if err != nil {
				return fmt.Errorf("delete exercises: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d exercises\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the deletion")
	return cmd
}
