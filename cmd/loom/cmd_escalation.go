package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var escalationCmd = &cobra.Command{
	Use:   "escalation",
	Short: "Answer and manage escalated decisions",
}

var escalationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an outcome's escalations",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		pendingOnly, _ := cmd.Flags().GetBool("pending")
		escs, err := theApp.st.ListEscalations(outcome, pendingOnly)
		if err != nil {
			return err
		}
		return printJSON(escs)
	},
}

var escalationAnswerCmd = &cobra.Command{
	Use:   "answer <escalation-id> <option>",
	Short: "Answer a pending escalation by option id or label",
	Long: `Answering unblocks the affected tasks and wakes waiting workers. The
break-into-subtasks option marks the affected tasks for decomposition
instead of resuming them directly.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		extra, _ := cmd.Flags().GetString("context")
		esc, err := theApp.resolver.Answer(args[0], args[1], extra)
		if err != nil {
			return err
		}
		return printJSON(esc)
	},
}

var escalationDismissCmd = &cobra.Command{
	Use:   "dismiss <escalation-id>",
	Short: "Dismiss a pending escalation without choosing an option",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		esc, err := theApp.resolver.Dismiss(args[0], reason)
		if err != nil {
			return err
		}
		return printJSON(esc)
	},
}

var escalationAutoCmd = &cobra.Command{
	Use:   "auto-resolve",
	Short: "Resolve pending escalations from prior answers and skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		skills, err := theApp.ws.Scan(outcome)
		if err != nil {
			return err
		}
		res, err := theApp.resolver.AutoResolve(outcomeID, skills)
		if err != nil {
			return err
		}
		fmt.Printf("resolved %d, deferred %d\n", res.Resolved, res.Deferred)
		return printJSON(res)
	},
}

func init() {
	escalationListCmd.Flags().String("outcome", "", "outcome id (required)")
	escalationListCmd.Flags().Bool("pending", false, "only pending escalations")
	_ = escalationListCmd.MarkFlagRequired("outcome")

	escalationAnswerCmd.Flags().String("context", "", "extra guidance appended to the task approach")

	escalationDismissCmd.Flags().String("reason", "", "why the question needs no answer")

	escalationAutoCmd.Flags().String("outcome", "", "outcome id (required)")
	_ = escalationAutoCmd.MarkFlagRequired("outcome")

	escalationCmd.AddCommand(escalationListCmd, escalationAnswerCmd,
		escalationDismissCmd, escalationAutoCmd)
}
