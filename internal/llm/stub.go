package llm

import (
	"context"
	"sync"

	"loom/internal/types"
)

// StubRunner is a scripted runner for tests. Responses are returned in
// order; the last one repeats once the script is exhausted. A nil response
// slot blocks until ctx is cancelled, which exercises suspension points.
type StubRunner struct {
	mu        sync.Mutex
	Responses []*types.RunResult
	Errs      []error
	Calls     []types.RunRequest
}

// Run returns the next scripted response.
func (s *StubRunner) Run(ctx context.Context, req types.RunRequest) (*types.RunResult, error) {
	s.mu.Lock()
	i := len(s.Calls)
	s.Calls = append(s.Calls, req)
	var res *types.RunResult
	var err error
	if i < len(s.Errs) && s.Errs[i] != nil {
		err = s.Errs[i]
	}
	if err == nil {
		switch {
		case i < len(s.Responses):
			res = s.Responses[i]
		case len(s.Responses) > 0:
			res = s.Responses[len(s.Responses)-1]
		}
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if res == nil {
		<-ctx.Done()
		return nil, types.Wrap(types.KindLLMTransient, ctx.Err(), "runner cancelled")
	}
	return res, nil
}

// CallCount returns how many invocations the stub has seen.
func (s *StubRunner) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// StubEvaluator is a canned Evaluator for observer/planner/reviewer tests.
type StubEvaluator struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Prompts   []string
}

// Complete returns the next canned completion.
func (s *StubEvaluator) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	i := len(s.Prompts)
	s.Prompts = append(s.Prompts, userPrompt)
	if i < len(s.Responses) {
		return s.Responses[i], nil
	}
	if len(s.Responses) > 0 {
		return s.Responses[len(s.Responses)-1], nil
	}
	return "", nil
}
