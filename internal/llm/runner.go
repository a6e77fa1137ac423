// Package llm wraps the external LLM command-line process the supervisors
// drive. The sidecar is opaque: it receives a prompt and a workspace and
// returns text, cost, and an exit code. Everything else (provider, protocol)
// lives behind the binary.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
)

// CLIRunner invokes a configured agent binary per iteration.
type CLIRunner struct {
	Binary  string
	Args    []string
	Timeout time.Duration // default per-call cap when the request carries none
}

// NewCLIRunner builds a runner for the given sidecar binary.
func NewCLIRunner(binary string, args []string, timeout time.Duration) *CLIRunner {
	return &CLIRunner{Binary: binary, Args: args, Timeout: timeout}
}

// Run executes one sidecar invocation. Cancellation of ctx kills the process
// and returns a transient error; a missing binary is fatal.
func (r *CLIRunner) Run(ctx context.Context, req types.RunRequest) (*types.RunResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Args...), req.Prompt)
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := logging.Get(logging.CategoryRunner)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return nil, types.Wrap(types.KindLLMFatal, err, "runner binary %q not found", r.Binary)
		}
		if ctx.Err() != nil {
			log.Warn("invocation cancelled after %v", elapsed)
			return nil, types.Wrap(types.KindLLMTransient, ctx.Err(), "runner cancelled")
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		log.Warn("invocation failed exit=%d after %v: %s", exitCode, elapsed, firstLine(stderr.String()))
		return nil, types.Wrap(types.KindLLMTransient, err, "runner exited %d", exitCode)
	}

	text, cost := parseSidecarOutput(stdout.String())
	log.Debug("invocation ok in %v, cost=$%.4f, %d bytes", elapsed, cost, len(text))
	return &types.RunResult{
		Text:     text,
		CostUSD:  cost,
		ExitCode: 0,
		Duration: elapsed,
	}, nil
}

// sidecarEnvelope is the JSON shape some agent CLIs emit with --output-format
// json. Only the fields we read are declared.
type sidecarEnvelope struct {
	Result       string  `json:"result"`
	CostUSD      float64 `json:"cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// parseSidecarOutput extracts text and cost from sidecar stdout. Plain-text
// output passes through with zero cost; a JSON envelope (whole output or a
// trailing line) yields both.
func parseSidecarOutput(out string) (string, float64) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return "", 0
	}

	var env sidecarEnvelope
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &env) == nil {
		return env.Result, pickCost(env)
	}

	// Some sidecars print text followed by a one-line JSON cost footer.
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		last := strings.TrimSpace(trimmed[i+1:])
		if strings.HasPrefix(last, "{") && json.Unmarshal([]byte(last), &env) == nil {
			text := strings.TrimSpace(trimmed[:i])
			if env.Result != "" {
				text = env.Result
			}
			return text, pickCost(env)
		}
	}
	return trimmed, 0
}

func pickCost(env sidecarEnvelope) float64 {
	if env.TotalCostUSD > 0 {
		return env.TotalCostUSD
	}
	return env.CostUSD
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
