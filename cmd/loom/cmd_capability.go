package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"loom/internal/store"
	"loom/internal/types"
	"loom/internal/workspace"
)

var capabilityCmd = &cobra.Command{
	Use:   "capability",
	Short: "Detect, list, and build outcome capabilities",
}

var capabilityDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Extract capability needs from approach text",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		approach, _ := cmd.Flags().GetString("approach")

		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		if approach == "" {
			if doc, err := theApp.st.LatestDesignDoc(outcomeID); err == nil {
				approach = doc.Approach
			}
		}
		existing, err := theApp.ws.Scan(outcome)
		if err != nil {
			return err
		}
		needs, err := theApp.planner.Analyze(cmd.Context(), approach, outcome.Intent.Summary, existing)
		if err != nil {
			return err
		}
		return printJSON(needs)
	},
}

var capabilityListCmd = &cobra.Command{
	Use:   "list",
	Short: "Scan the outcome workspace for skills and tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		caps, err := theApp.ws.Scan(outcome)
		if err != nil {
			return err
		}
		return printJSON(caps)
	},
}

var capabilityCreateTaskCmd = &cobra.Command{
	Use:   "create-task",
	Short: "Create one capability task",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		capType, _ := cmd.Flags().GetString("type")
		name, _ := cmd.Flags().GetString("name")

		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		need := types.CapabilityNeed{Type: types.CapabilityType(capType), Name: name}
		tasks := theApp.planner.CreateTasks(outcome, []types.CapabilityNeed{need}, true)
		if err := theApp.eng.BatchCreate(tasks); err != nil {
			return err
		}
		return printJSON(tasks[0])
	},
}

var capabilityCreateFileCmd = &cobra.Command{
	Use:   "create-file",
	Short: "Write a skeleton skill or tool file into the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		capType, _ := cmd.Flags().GetString("type")
		name, _ := cmd.Flags().GetString("name")

		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		dir, err := theApp.ws.Ensure(outcome)
		if err != nil {
			return err
		}

		var path string
		switch types.CapabilityType(capType) {
		case types.CapabilitySkill:
			path = filepath.Join(dir, workspace.SkillsDir, name+".md")
			content := "---\nname: " + name + "\ntriggers: []\nrequires: []\ndescription: \"\"\n---\n\n# " + name + "\n"
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
		case types.CapabilityTool:
			path = filepath.Join(dir, workspace.ToolsDir, name+".go")
			content := "package main\n\nfunc RunTool(input string) (string, error) {\n\treturn input, nil\n}\n"
			if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
				return err
			}
			if err := workspace.ValidateToolScript(path); err != nil {
				return err
			}
		default:
			return types.E(types.KindValidation, "type must be skill or tool")
		}
		fmt.Println("wrote", path)
		return nil
	},
}

var capabilityReplanCmd = &cobra.Command{
	Use:   "replan",
	Short: "Re-evaluate capability needs after an approach change",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomeID, _ := cmd.Flags().GetString("outcome")
		outcome, err := theApp.st.GetOutcome(outcomeID)
		if err != nil {
			return err
		}

		approach := ""
		if doc, err := theApp.st.LatestDesignDoc(outcomeID); err == nil {
			approach = doc.Approach
		}
		existing, err := theApp.ws.Scan(outcome)
		if err != nil {
			return err
		}
		tasks, err := theApp.eng.Enumerate(outcomeID, store.TaskFilter{})
		if err != nil {
			return err
		}
		needs, err := theApp.planner.DetectNew(cmd.Context(), approach, outcome.Intent.Summary, existing, tasks)
		if err != nil {
			return err
		}
		if len(needs) == 0 {
			flipped, err := theApp.eng.RefreshCapabilityGate(outcomeID)
			if err != nil {
				return err
			}
			fmt.Printf("no new needs; gate ready=%v\n", flipped || outcome.CapabilityReady == types.CapabilityIsReady)
			return nil
		}
		created := theApp.planner.CreateTasks(outcome, needs, outcome.Parallel)
		if err := theApp.eng.BatchCreate(created); err != nil {
			return err
		}
		if err := theApp.st.SetCapabilityReady(outcomeID, types.CapabilityBuilding); err != nil {
			return err
		}
		return printJSON(created)
	},
}

func init() {
	for _, c := range []*cobra.Command{capabilityDetectCmd, capabilityListCmd,
		capabilityCreateTaskCmd, capabilityCreateFileCmd, capabilityReplanCmd} {
		c.Flags().String("outcome", "", "outcome id (required)")
		_ = c.MarkFlagRequired("outcome")
	}
	capabilityDetectCmd.Flags().String("approach", "", "approach text (defaults to the stored design doc)")
	for _, c := range []*cobra.Command{capabilityCreateTaskCmd, capabilityCreateFileCmd} {
		c.Flags().String("type", "skill", "skill | tool")
		c.Flags().String("name", "", "capability name (required)")
		_ = c.MarkFlagRequired("name")
	}

	capabilityCmd.AddCommand(capabilityDetectCmd, capabilityListCmd,
		capabilityCreateTaskCmd, capabilityCreateFileCmd, capabilityReplanCmd)
}
