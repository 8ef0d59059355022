package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

var (
	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Scheduled task utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE:  runTaskList,
	}

	taskCancelCmd = &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskCancel,
	}
)

func init() {
	taskListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Data.DBPath())
}

func runTaskList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"tasks": tasks})
	}

	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled tasks.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tGROUP\tSCHEDULE\tSTATUS\tNEXT RUN")
	fmt.Fprintln(w, "-------\t-----\t--------\t------\t--------")
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n",
			t.TaskID, t.GroupFolder, t.ScheduleType, t.ScheduleValue, t.Status, next)
	}
	return w.Flush()
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	task, err := st.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("no such task: %s", id)
	}
	if err := st.DeleteTask(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", id)
	return nil
}
