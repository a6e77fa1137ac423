package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/types"
)

var retroCmd = &cobra.Command{
	Use:   "retro",
	Short: "Retrospective analysis of escalation history",
}

var retroTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a retrospective over recent escalations",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		job, err := theApp.retro.Trigger(outcome)
		if err != nil {
			return err
		}
		fmt.Println("queued", job.ID)
		if err := theApp.retro.Drain(cmd.Context()); err != nil {
			return err
		}
		done, err := theApp.retro.Status(outcome)
		if err != nil {
			return err
		}
		return printJSON(done)
	},
}

var retroStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest retrospective job",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		job, err := theApp.retro.Status(outcome)
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var retroResultCmd = &cobra.Command{
	Use:   "result",
	Short: "Show the clusters and proposals of the last completed run",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		job, err := theApp.retro.Status(outcome)
		if err != nil {
			return err
		}
		if job.Status != types.JobCompleted || job.Result == nil {
			return types.E(types.KindConflict, "latest retrospective job is %s", job.Status)
		}
		return printJSON(job.Result)
	},
}

var retroCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Materialize improvement proposals as a child outcome",
	Long: `Creates the outcome under the Self-Improvement root and marks the
source escalations incorporated. Without --proposal every proposal of
the last completed run is consolidated into one outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		proposalID, _ := cmd.Flags().GetString("proposal")

		var created *types.Outcome
		var err error
		if proposalID != "" {
			created, err = theApp.retro.CreateFromProposal(outcome, proposalID)
		} else {
			created, err = theApp.retro.CreateConsolidated(outcome)
		}
		if err != nil {
			return err
		}
		return printJSON(created)
	},
}

func init() {
	for _, c := range []*cobra.Command{retroTriggerCmd, retroStatusCmd, retroResultCmd, retroCreateCmd} {
		c.Flags().String("outcome", "", "outcome id (required)")
		_ = c.MarkFlagRequired("outcome")
	}
	retroCreateCmd.Flags().String("proposal", "", "materialize a single proposal by id")

	retroCmd.AddCommand(retroTriggerCmd, retroStatusCmd, retroResultCmd, retroCreateCmd)
}
