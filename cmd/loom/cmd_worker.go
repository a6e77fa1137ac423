package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/supervisor"
	"loom/internal/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start, stop, and inspect workers",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start workers for an outcome and run until they finish",
	Long: `Spawns one supervisor loop per worker. The command blocks until every
worker reaches a terminal or parked state; Ctrl-C pauses them all with
progress preserved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		count, _ := cmd.Flags().GetInt("workers")
		useWorktree, _ := cmd.Flags().GetBool("worktree")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		workers, err := theApp.manager.Start(ctx, outcome, supervisor.StartOptions{
			Workers:  count,
			Worktree: useWorktree,
		})
		if err != nil {
			return err
		}
		for _, w := range workers {
			fmt.Println("started", w.ID)
		}

		go func() {
			<-ctx.Done()
			theApp.manager.StopAllForOutcome(outcome)
		}()
		theApp.manager.Wait()

		for _, w := range workers {
			final, err := theApp.st.GetWorker(w.ID)
			if err != nil {
				continue
			}
			fmt.Printf("%s: %s after %d iteration(s), cost $%.4f\n",
				final.ID, final.Status, final.Iteration, final.CostUSD)
		}
		return nil
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop <worker-id>",
	Short: "Stop one worker; its claimed task reverts to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asFailed, _ := cmd.Flags().GetBool("fail")
		return theApp.manager.Stop(args[0], asFailed)
	},
}

var workerStopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Pause every live worker of an outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		n := theApp.manager.StopAllForOutcome(outcome)
		fmt.Printf("signalled %d worker(s)\n", n)
		return nil
	},
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an outcome's workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		status, _ := cmd.Flags().GetString("status")
		workers, err := theApp.st.ListWorkers(outcome, types.WorkerStatus(status))
		if err != nil {
			return err
		}
		return printJSON(workers)
	},
}

var workerStatusCmd = &cobra.Command{
	Use:   "status <worker-id>",
	Short: "Live status: iteration, current task, last observation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ls, err := theApp.manager.Status(args[0])
		if err != nil {
			return err
		}
		return printJSON(ls)
	},
}

func init() {
	workerStartCmd.Flags().String("outcome", "", "outcome id (required)")
	workerStartCmd.Flags().Int("workers", 1, "number of workers to spawn")
	workerStartCmd.Flags().Bool("worktree", false, "isolate each worker on a git worktree")
	_ = workerStartCmd.MarkFlagRequired("outcome")

	workerStopCmd.Flags().Bool("fail", false, "mark the worker failed instead of paused")

	workerStopAllCmd.Flags().String("outcome", "", "outcome id (required)")
	_ = workerStopAllCmd.MarkFlagRequired("outcome")

	workerListCmd.Flags().String("outcome", "", "outcome id (required)")
	workerListCmd.Flags().String("status", "", "filter by status")
	_ = workerListCmd.MarkFlagRequired("outcome")

	workerCmd.AddCommand(workerStartCmd, workerStopCmd, workerStopAllCmd,
		workerListCmd, workerStatusCmd)
}
