package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/types"
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Create and manage outcomes",
}

var outcomeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Declare a new outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		brief, _ := cmd.Flags().GetString("brief")
		parent, _ := cmd.Flags().GetString("parent")
		gitMode, _ := cmd.Flags().GetString("git-mode")
		parallel, _ := cmd.Flags().GetBool("parallel")

		o := &types.Outcome{
			Name:     name,
			Brief:    brief,
			ParentID: parent,
			GitMode:  types.GitMode(gitMode),
			Parallel: parallel,
		}
		if err := theApp.st.CreateOutcome(o); err != nil {
			return err
		}
		return printJSON(o)
	},
}

var outcomeGetCmd = &cobra.Command{
	Use:   "get <outcome-id>",
	Short: "Show one outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := theApp.st.GetOutcome(args[0])
		if err != nil {
			return err
		}
		return printJSON(o)
	},
}

var outcomeUpdateCmd = &cobra.Command{
	Use:   "update <outcome-id>",
	Short: "Update an outcome's intent or metadata",
	Long: `Changing the intent summary or success criteria resets the capability
gate; the next worker start re-runs capability detection.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := theApp.st.GetOutcome(args[0])
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("name"); v != "" {
			o.Name = v
		}
		if v, _ := cmd.Flags().GetString("brief"); v != "" {
			o.Brief = v
		}
		if v, _ := cmd.Flags().GetString("summary"); v != "" {
			o.Intent.Summary = v
		}
		if v, _ := cmd.Flags().GetStringArray("criterion"); len(v) > 0 {
			o.Intent.SuccessCriteria = v
		}
		if err := theApp.st.UpdateOutcome(o); err != nil {
			return err
		}
		return printJSON(o)
	},
}

var outcomeArchiveCmd = &cobra.Command{
	Use:   "archive <outcome-id>",
	Short: "Archive an outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := theApp.st.ArchiveOutcome(args[0]); err != nil {
			return err
		}
		fmt.Println("archived", args[0])
		return nil
	},
}

var outcomeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		outcomes, err := theApp.st.ListOutcomes(types.OutcomeStatus(status))
		if err != nil {
			return err
		}
		return printJSON(outcomes)
	},
}

var outcomeTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the outcome forest",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomes, err := theApp.st.ListOutcomes("")
		if err != nil {
			return err
		}
		children := make(map[string][]*types.Outcome)
		var roots []*types.Outcome
		for _, o := range outcomes {
			if o.ParentID == "" {
				roots = append(roots, o)
			} else {
				children[o.ParentID] = append(children[o.ParentID], o)
			}
		}
		var walk func(o *types.Outcome, depth int)
		walk = func(o *types.Outcome, depth int) {
			fmt.Printf("%s%s  %s [%s]\n", strings.Repeat("  ", depth), o.ID, o.Name, o.Status)
			for _, c := range children[o.ID] {
				walk(c, depth+1)
			}
		}
		for _, r := range roots {
			walk(r, 0)
		}
		return nil
	},
}

// intent-optimize replaces the structured intent from free text: the first
// line becomes the summary, "- " lines become items, and "* " lines become
// success criteria.
var outcomeIntentCmd = &cobra.Command{
	Use:   "intent-optimize <outcome-id> <free-text>",
	Short: "Replace the structured intent from free text",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := theApp.st.GetOutcome(args[0])
		if err != nil {
			return err
		}
		o.Intent = parseIntent(args[1])
		if err := theApp.st.UpdateOutcome(o); err != nil {
			return err
		}
		return printJSON(o)
	},
}

var outcomeApproachCmd = &cobra.Command{
	Use:   "approach-optimize <outcome-id> <approach-text>",
	Short: "Append a new design-doc version with the given approach",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := theApp.st.SaveDesignDoc(args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

func parseIntent(text string) types.Intent {
	var intent types.Intent
	itemN := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "- "):
			itemN++
			intent.Items = append(intent.Items, types.IntentItem{
				ID:     fmt.Sprintf("item-%d", itemN),
				Title:  strings.TrimPrefix(trimmed, "- "),
				Status: "open",
			})
		case strings.HasPrefix(trimmed, "* "):
			intent.SuccessCriteria = append(intent.SuccessCriteria, strings.TrimPrefix(trimmed, "* "))
		case intent.Summary == "":
			intent.Summary = trimmed
		}
	}
	return intent
}

func init() {
	outcomeCreateCmd.Flags().String("name", "", "outcome name (required)")
	outcomeCreateCmd.Flags().String("brief", "", "free-text brief")
	outcomeCreateCmd.Flags().String("parent", "", "parent outcome id")
	outcomeCreateCmd.Flags().String("git-mode", "none", "none | shared | worktree")
	outcomeCreateCmd.Flags().Bool("parallel", false, "capability tasks run without chaining")
	_ = outcomeCreateCmd.MarkFlagRequired("name")

	outcomeUpdateCmd.Flags().String("name", "", "new name")
	outcomeUpdateCmd.Flags().String("brief", "", "new brief")
	outcomeUpdateCmd.Flags().String("summary", "", "new intent summary")
	outcomeUpdateCmd.Flags().StringArray("criterion", nil, "success criterion (repeatable, replaces all)")

	outcomeListCmd.Flags().String("status", "", "filter by status")

	outcomeCmd.AddCommand(outcomeCreateCmd, outcomeGetCmd, outcomeUpdateCmd,
		outcomeArchiveCmd, outcomeListCmd, outcomeTreeCmd, outcomeIntentCmd,
		outcomeApproachCmd)
}
