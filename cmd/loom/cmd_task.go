package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loom/internal/store"
	"loom/internal/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create one task",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		title, _ := cmd.Flags().GetString("title")
		intent, _ := cmd.Flags().GetString("intent")
		approach, _ := cmd.Flags().GetString("approach")
		priority, _ := cmd.Flags().GetInt("priority")
		phase, _ := cmd.Flags().GetString("phase")
		capType, _ := cmd.Flags().GetString("capability-type")
		deps, _ := cmd.Flags().GetStringArray("depends-on")
		caps, _ := cmd.Flags().GetStringArray("requires")

		t := &types.Task{
			OutcomeID:            outcome,
			Title:                title,
			Intent:               intent,
			Approach:             approach,
			Priority:             priority,
			Phase:                types.TaskPhase(phase),
			CapabilityType:       types.CapabilityType(capType),
			DependsOn:            deps,
			RequiredCapabilities: caps,
		}
		if err := theApp.eng.Create(t); err != nil {
			return err
		}
		return printJSON(t)
	},
}

var taskBatchCreateCmd = &cobra.Command{
	Use:   "batch-create <tasks.json>",
	Short: "Create a set of tasks atomically from a JSON file",
	Long: `The file holds a JSON array of tasks. Dependencies may reference other
tasks in the batch by id; an invalid or cyclic batch persists nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var tasks []*types.Task
		if err := json.Unmarshal(data, &tasks); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}
		if err := theApp.eng.BatchCreate(tasks); err != nil {
			return err
		}
		return printJSON(tasks)
	},
}

var taskPatchCmd = &cobra.Command{
	Use:   "patch <task-id>",
	Short: "Patch a task (depends_on changes re-run cycle validation)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := theApp.st.GetTask(args[0])
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("title"); v != "" {
			t.Title = v
		}
		if v, _ := cmd.Flags().GetString("approach"); v != "" {
			t.Approach = v
		}
		if cmd.Flags().Changed("priority") {
			t.Priority, _ = cmd.Flags().GetInt("priority")
		}
		if cmd.Flags().Changed("depends-on") {
			t.DependsOn, _ = cmd.Flags().GetStringArray("depends-on")
		}
		if err := theApp.eng.Update(t); err != nil {
			return err
		}
		return printJSON(t)
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task (claimed and running tasks are protected)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := theApp.eng.Delete(args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an outcome's tasks in claim order",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		status, _ := cmd.Flags().GetString("status")
		tasks, err := theApp.eng.Enumerate(outcome, store.TaskFilter{
			Status: types.TaskStatus(status),
		})
		if err != nil {
			return err
		}
		return printJSON(tasks)
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize an outcome's tasks by status and phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		stats, err := theApp.eng.Stats(outcome)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	taskCreateCmd.Flags().String("outcome", "", "owning outcome id (required)")
	taskCreateCmd.Flags().String("title", "", "task title (required)")
	taskCreateCmd.Flags().String("intent", "", "what the task delivers")
	taskCreateCmd.Flags().String("approach", "", "how to approach it")
	taskCreateCmd.Flags().Int("priority", 10, "lower is more urgent")
	taskCreateCmd.Flags().String("phase", "execution", "capability | execution")
	taskCreateCmd.Flags().String("capability-type", "", "skill | tool (capability phase)")
	taskCreateCmd.Flags().StringArray("depends-on", nil, "prerequisite task id (repeatable)")
	taskCreateCmd.Flags().StringArray("requires", nil, "capability ref like skill:name (repeatable)")
	_ = taskCreateCmd.MarkFlagRequired("outcome")
	_ = taskCreateCmd.MarkFlagRequired("title")

	taskPatchCmd.Flags().String("title", "", "new title")
	taskPatchCmd.Flags().String("approach", "", "new approach")
	taskPatchCmd.Flags().Int("priority", 0, "new priority")
	taskPatchCmd.Flags().StringArray("depends-on", nil, "replacement dependency set")

	taskListCmd.Flags().String("outcome", "", "outcome id (required)")
	taskListCmd.Flags().String("status", "", "filter by status")
	_ = taskListCmd.MarkFlagRequired("outcome")

	taskStatsCmd.Flags().String("outcome", "", "outcome id (required)")
	_ = taskStatsCmd.MarkFlagRequired("outcome")

	taskCmd.AddCommand(taskCreateCmd, taskBatchCreateCmd, taskPatchCmd,
		taskDeleteCmd, taskListCmd, taskStatsCmd)
}
