package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Run review cycles and track convergence",
}

var reviewRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate acceptance and success criteria for an outcome",
	Long: `Each run records a review cycle. Failing criteria and dead-lettered
tasks become remediation tasks; two consecutive clean cycles with all
criteria passing mark the outcome achieved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		criteriaOnly, _ := cmd.Flags().GetBool("criteria-only")
		cycle, err := theApp.reviewer.Review(cmd.Context(), outcome, criteriaOnly)
		if err != nil {
			return err
		}
		return printJSON(cycle)
	},
}

var reviewLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent review cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		cycle, err := theApp.reviewer.Latest(outcome)
		if err != nil {
			return err
		}
		o, err := theApp.st.GetOutcome(outcome)
		if err != nil {
			return err
		}
		fmt.Printf("zero-issue streak: %d\n", o.Convergence.ConsecutiveZeroIssues)
		return printJSON(cycle)
	},
}

func init() {
	reviewRunCmd.Flags().String("outcome", "", "outcome id (required)")
	reviewRunCmd.Flags().Bool("criteria-only", false, "skip issue detection and remediation")
	_ = reviewRunCmd.MarkFlagRequired("outcome")

	reviewLatestCmd.Flags().String("outcome", "", "outcome id (required)")
	_ = reviewLatestCmd.MarkFlagRequired("outcome")

	reviewCmd.AddCommand(reviewRunCmd, reviewLatestCmd)
}
