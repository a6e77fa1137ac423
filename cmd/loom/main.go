// loom drives autonomous outcome execution: declare a goal, let workers
// iterate an LLM sidecar toward it, observe every step, escalate what only
// a human can decide, and review until the goal converges.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"loom/internal/capability"
	"loom/internal/config"
	"loom/internal/engine"
	"loom/internal/escalation"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/observer"
	"loom/internal/retro"
	"loom/internal/review"
	"loom/internal/store"
	"loom/internal/supervisor"
	"loom/internal/types"
	"loom/internal/workspace"
	"loom/internal/worktree"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
	theApp *app
)

// app is the wired engine: every subcommand reaches components through it.
type app struct {
	cfg      *config.Config
	st       *store.Store
	ws       *workspace.Manager
	eng      *engine.Engine
	planner  *capability.Planner
	resolver *escalation.Resolver
	reviewer *review.Reviewer
	manager  *supervisor.Manager
	retro    *retro.Engine
	wt       *worktree.Coordinator
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.DataDir, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	var eval types.Evaluator
	if cfg.Evaluator.Provider == "gemini" && cfg.Evaluator.APIKey != "" {
		eval, err = llm.NewGeminiEvaluator(cfg.Evaluator.APIKey, cfg.Evaluator.Model)
		if err != nil {
			return nil, err
		}
	}

	ws := workspace.NewManager(cfg.WorkspaceRoot())
	eng := engine.New(st, ws)
	planner := capability.NewPlanner(eval)
	obs := observer.New(eval, observer.Thresholds{
		Good: cfg.Observer.GoodThreshold,
		Poor: cfg.Observer.PoorThreshold,
	})
	wt := worktree.New(st)
	runner := llm.NewPool(
		llm.NewCLIRunner(cfg.Runner.Binary, cfg.Runner.Args, cfg.Runner.Timeout),
		cfg.Runner.Concurrency)

	manager := supervisor.NewManager(st, eng, runner, obs, planner, ws, wt, cfg.Worker, cfg.Runner.Timeout)
	resolver := escalation.New(st, manager, cfg.Escalation.AutoResolveConfidence)
	manager.SetResolver(resolver)

	return &app{
		cfg:      cfg,
		st:       st,
		ws:       ws,
		eng:      eng,
		planner:  planner,
		resolver: resolver,
		reviewer: review.New(st, eng, ws, eval, cfg.Review.ConvergenceWindow),
		manager:  manager,
		retro:    retro.NewEngine(st, cfg.Retro),
		wt:       wt,
	}, nil
}

func (a *app) close() {
	if a.st != nil {
		_ = a.st.Close()
	}
	logging.Close()
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - autonomous outcome orchestration engine",
	Long: `loom turns declared outcomes into executed work: it decomposes goals into
tasks, builds prerequisite capabilities, runs iterative LLM workers under
observation, escalates ambiguities, merges isolated work branches, and
reviews results until they converge.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		theApp, err = buildApp()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if theApp != nil {
			theApp.close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// printJSON renders any command result for both humans and scripts.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to loom.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(outcomeCmd, taskCmd, workerCmd, capabilityCmd,
		escalationCmd, reviewCmd, retroCmd, mergeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
