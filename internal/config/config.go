// Package config loads loom configuration from loom.yaml with environment
// overrides. Defaults are chosen so a bare `loom` invocation works against a
// local data directory with no config file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all loom configuration.
type Config struct {
	// DataDir holds the SQLite database, logs, and default workspaces.
	DataDir string `yaml:"data_dir"`

	Runner     RunnerConfig     `yaml:"runner"`
	Worker     WorkerConfig     `yaml:"worker"`
	Observer   ObserverConfig   `yaml:"observer"`
	Escalation EscalationConfig `yaml:"escalation"`
	Review     ReviewConfig     `yaml:"review"`
	Retro      RetroConfig      `yaml:"retro"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RunnerConfig configures the LLM sidecar process.
type RunnerConfig struct {
	Binary      string        `yaml:"binary"`        // agent CLI binary, e.g. "claude"
	Args        []string      `yaml:"args"`          // fixed arguments before the prompt
	Timeout     time.Duration `yaml:"timeout"`       // per-iteration cap
	Concurrency int           `yaml:"concurrency"`   // process-wide invocation cap
	CostPerCall float64       `yaml:"cost_per_call"` // fallback when the sidecar reports no cost
}

// WorkerConfig configures supervisor loops.
type WorkerConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`  // safety cap per worker, 0 = unlimited
	IterationDelay time.Duration `yaml:"iteration_delay"` // pause between iterations
	MaxAttempts    int           `yaml:"max_attempts"`    // default task retry cap
	ProgressWindow int           `yaml:"progress_window"` // raw entries kept before compaction
	EscalationPoll time.Duration `yaml:"escalation_poll"` // fallback wake interval while waiting
}

// ObserverConfig configures alignment scoring thresholds.
type ObserverConfig struct {
	GoodThreshold int `yaml:"good_threshold"` // score >= good
	PoorThreshold int `yaml:"poor_threshold"` // score < poor
}

// EscalationConfig configures the resolver.
type EscalationConfig struct {
	// AutoResolveConfidence is the minimum match confidence for auto_resolve
	// to answer a pending escalation without the user.
	AutoResolveConfidence float64 `yaml:"auto_resolve_confidence"`
}

// ReviewConfig configures the reviewer and convergence.
type ReviewConfig struct {
	ConvergenceWindow int `yaml:"convergence_window"` // consecutive zero-issue cycles
}

// RetroConfig configures the retrospective engine.
type RetroConfig struct {
	Workers        int           `yaml:"workers"`          // analysis job pool size
	LookbackDays   int           `yaml:"lookback_days"`    // escalation history window
	MinClusterSize int           `yaml:"min_cluster_size"` // escalations per proposal
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

// EvaluatorConfig configures the optional LLM backend for observer, planner,
// and reviewer judgment. Empty provider means deterministic heuristics only.
type EvaluatorConfig struct {
	Provider string `yaml:"provider"` // "", "gemini"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: ".loom",
		Runner: RunnerConfig{
			Binary:      "claude",
			Args:        []string{"-p", "--output-format", "json"},
			Timeout:     10 * time.Minute,
			Concurrency: 4,
		},
		Worker: WorkerConfig{
			MaxIterations:  0,
			IterationDelay: 2 * time.Second,
			MaxAttempts:    3,
			ProgressWindow: 20,
			EscalationPoll: 5 * time.Second,
		},
		Observer: ObserverConfig{
			GoodThreshold: 75,
			PoorThreshold: 40,
		},
		Escalation: EscalationConfig{
			AutoResolveConfidence: 0.8,
		},
		Review: ReviewConfig{
			ConvergenceWindow: 2,
		},
		Retro: RetroConfig{
			Workers:        1,
			LookbackDays:   30,
			MinClusterSize: 3,
			JobTimeout:     5 * time.Minute,
		},
		Evaluator: EvaluatorConfig{
			Model: "gemini-2.0-flash",
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

// Load reads loom.yaml from path (or the defaults when it does not exist)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = "loom.yaml"
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies LOOM_* environment variables on top of the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOOM_RUNNER_BINARY"); v != "" {
		cfg.Runner.Binary = v
	}
	if v := os.Getenv("LOOM_RUNNER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runner.Concurrency = n
		}
	}
	if v := os.Getenv("LOOM_EVALUATOR_API_KEY"); v != "" {
		cfg.Evaluator.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Evaluator.APIKey == "" {
		cfg.Evaluator.APIKey = v
	}
	if v := os.Getenv("LOOM_DEBUG"); v == "1" || v == "true" {
		cfg.Logging.Debug = true
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Runner.Concurrency < 1 {
		return fmt.Errorf("runner.concurrency must be >= 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if c.Escalation.AutoResolveConfidence < 0 || c.Escalation.AutoResolveConfidence > 1 {
		return fmt.Errorf("escalation.auto_resolve_confidence must be in [0,1]")
	}
	if c.Review.ConvergenceWindow < 1 {
		return fmt.Errorf("review.convergence_window must be >= 1")
	}
	if c.Observer.GoodThreshold <= c.Observer.PoorThreshold {
		return fmt.Errorf("observer.good_threshold must exceed poor_threshold")
	}
	return nil
}

// DatabasePath returns the SQLite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "loom.db")
}

// WorkspaceRoot returns the default root for per-outcome workspaces.
func (c *Config) WorkspaceRoot() string {
	return filepath.Join(c.DataDir, "workspaces")
}
