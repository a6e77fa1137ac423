package types

import (
	"context"
	"time"
)

// Runner is the opaque LLM sidecar: given a prompt and a workspace, it
// returns text plus cost. Invocations must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RunRequest describes one runner invocation.
type RunRequest struct {
	Prompt  string        // full prompt text
	WorkDir string        // workspace the sidecar operates in
	Timeout time.Duration // per-iteration cap; 0 means the runner default
	Env     []string      // extra KEY=VALUE pairs, e.g. skill-required keys
}

// RunResult is what the sidecar produced.
type RunResult struct {
	Text     string
	CostUSD  float64
	ExitCode int
	Duration time.Duration
}

// Evaluator is the minimal LLM completion surface used by the observer,
// capability planner, and reviewer when they delegate judgment to a model.
// Implementations may be a real provider client or a deterministic stub;
// every consumer must work with either.
type Evaluator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ObserveInput is everything the observer may look at for one iteration.
// The observer is stateless over its inputs.
type ObserveInput struct {
	Outcome      *Outcome
	Task         *Task
	WorkerID     string
	Iteration    int
	RawOutput    string
	Approach     string // latest design-doc approach text
	Capabilities []Capability
}

// Observer evaluates one iteration's raw output and returns an Observation.
// It never mutates tasks; the supervisor acts on what it reports.
type Observer interface {
	Observe(ctx context.Context, in ObserveInput) (*Observation, error)
}

// WorkerControl is the handle the escalation resolver uses to wake
// supervisors parked on a pending escalation. Registered waiters are woken
// exactly once per resolution.
type WorkerControl interface {
	// WakeWorkers signals every supervisor waiting on any of the given tasks.
	WakeWorkers(taskIDs []string)
}
