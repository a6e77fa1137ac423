package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Queue and process worker branch merges",
}

var mergeQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Enqueue a worker branch for merging",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		worker, _ := cmd.Flags().GetString("worker")
		branch, _ := cmd.Flags().GetString("branch")
		m, err := theApp.wt.Enqueue(outcome, worker, branch)
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var mergeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show an outcome's merge queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		merges, err := theApp.wt.Status(outcome)
		if err != nil {
			return err
		}
		return printJSON(merges)
	},
}

var mergeDryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Check whether a branch would merge cleanly",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		branch, _ := cmd.Flags().GetString("branch")
		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		clean, conflicts, err := theApp.wt.CanMergeCleanly(cmd.Context(), theApp.ws.Dir(outcome), branch)
		if err != nil {
			return err
		}
		if clean {
			fmt.Println("clean")
			return nil
		}
		fmt.Println("conflicts:")
		for _, f := range conflicts {
			fmt.Println(" ", f)
		}
		return nil
	},
}

var mergeProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Merge the outcome's queued branches in order",
	Long: `Merges run one at a time in queue order. A conflicted merge leaves the
base branch untouched and keeps the worker branch for manual resolution.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		n, err := theApp.wt.ProcessQueue(cmd.Context(), theApp.ws.Dir(outcome), outcomeID)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d merge(s)\n", n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{mergeQueueCmd, mergeStatusCmd, mergeDryRunCmd, mergeProcessCmd} {
		c.Flags().String("outcome", "", "outcome id (required)")
		_ = c.MarkFlagRequired("outcome")
	}
	mergeQueueCmd.Flags().String("worker", "", "worker id (required)")
	mergeQueueCmd.Flags().String("branch", "", "branch name (required)")
	_ = mergeQueueCmd.MarkFlagRequired("worker")
	_ = mergeQueueCmd.MarkFlagRequired("branch")

	mergeDryRunCmd.Flags().String("branch", "", "branch name (required)")
	_ = mergeDryRunCmd.MarkFlagRequired("branch")

	mergeCmd.AddCommand(mergeQueueCmd, mergeStatusCmd, mergeDryRunCmd, mergeProcessCmd)
}
