package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Runner.Binary != "claude" || cfg.Runner.Concurrency != 4 {
		t.Errorf("runner defaults = %+v", cfg.Runner)
	}
	if cfg.Worker.MaxAttempts != 3 || cfg.Worker.ProgressWindow != 20 {
		t.Errorf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Review.ConvergenceWindow != 2 {
		t.Errorf("review defaults = %+v", cfg.Review)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != ".loom" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	content := `
data_dir: /srv/loom
runner:
  binary: my-agent
  concurrency: 2
worker:
  max_attempts: 5
retro:
  min_cluster_size: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/loom" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Runner.Binary != "my-agent" || cfg.Runner.Concurrency != 2 {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Retro.MinClusterSize != 4 {
		t.Errorf("min cluster size = %d", cfg.Retro.MinClusterSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Observer.GoodThreshold != 75 {
		t.Errorf("good threshold = %d", cfg.Observer.GoodThreshold)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte("runner: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_DATA_DIR", "/tmp/loom-env")
	t.Setenv("LOOM_RUNNER_BINARY", "env-agent")
	t.Setenv("LOOM_RUNNER_CONCURRENCY", "8")
	t.Setenv("LOOM_DEBUG", "1")
	t.Setenv("GEMINI_API_KEY", "from-gemini-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/loom-env" || cfg.Runner.Binary != "env-agent" {
		t.Errorf("env overrides lost: %+v", cfg)
	}
	if cfg.Runner.Concurrency != 8 {
		t.Errorf("concurrency = %d", cfg.Runner.Concurrency)
	}
	if !cfg.Logging.Debug {
		t.Error("LOOM_DEBUG ignored")
	}
	if cfg.Evaluator.APIKey != "from-gemini-env" {
		t.Errorf("api key = %q", cfg.Evaluator.APIKey)
	}
}

func TestExplicitEvaluatorKeyWinsOverGemini(t *testing.T) {
	t.Setenv("LOOM_EVALUATOR_API_KEY", "explicit")
	t.Setenv("GEMINI_API_KEY", "fallback")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Evaluator.APIKey != "explicit" {
		t.Errorf("api key = %q", cfg.Evaluator.APIKey)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Runner.Concurrency = 0 }},
		{"zero attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }},
		{"confidence above one", func(c *Config) { c.Escalation.AutoResolveConfidence = 1.5 }},
		{"zero window", func(c *Config) { c.Review.ConvergenceWindow = 0 }},
		{"inverted thresholds", func(c *Config) { c.Observer.GoodThreshold = 30; c.Observer.PoorThreshold = 60 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/srv/loom"
	if got := cfg.DatabasePath(); got != filepath.Join("/srv/loom", "loom.db") {
		t.Errorf("DatabasePath = %q", got)
	}
	if got := cfg.WorkspaceRoot(); got != filepath.Join("/srv/loom", "workspaces") {
		t.Errorf("WorkspaceRoot = %q", got)
	}
}
