package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/types"
)

// =============================================================================
// SIDECAR OUTPUT PARSING
// =============================================================================

func TestParseSidecarOutput(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		wantText string
		wantCost float64
	}{
		{
			name:     "plain text",
			out:      "Implemented the parser.\nAll tests pass.\n",
			wantText: "Implemented the parser.\nAll tests pass.",
			wantCost: 0,
		},
		{
			name:     "empty",
			out:      "   \n",
			wantText: "",
			wantCost: 0,
		},
		{
			name:     "whole json envelope",
			out:      `{"result":"done","cost_usd":0.12}`,
			wantText: "done",
			wantCost: 0.12,
		},
		{
			name:     "total cost wins",
			out:      `{"result":"done","cost_usd":0.12,"total_cost_usd":0.95}`,
			wantText: "done",
			wantCost: 0.95,
		},
		{
			name:     "text with trailing cost footer",
			out:      "wrote the config loader\n{\"cost_usd\":0.03}",
			wantText: "wrote the config loader",
			wantCost: 0.03,
		},
		{
			name:     "footer result overrides text",
			out:      "noise\n{\"result\":\"final answer\",\"cost_usd\":0.01}",
			wantText: "final answer",
			wantCost: 0.01,
		},
		{
			name:     "unparseable trailing brace stays text",
			out:      "step one\n{not json",
			wantText: "step one\n{not json",
			wantCost: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, cost := parseSidecarOutput(tt.out)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if cost != tt.wantCost {
				t.Errorf("cost = %v, want %v", cost, tt.wantCost)
			}
		})
	}
}

// =============================================================================
// CLI RUNNER
// =============================================================================

func TestCLIRunnerMissingBinary(t *testing.T) {
	r := NewCLIRunner("definitely-not-a-real-binary-4c1f", nil, time.Second)
	_, err := r.Run(context.Background(), types.RunRequest{Prompt: "hi"})
	if !types.IsKind(err, types.KindLLMFatal) {
		t.Errorf("kind = %v, want llm_fatal", types.Kind(err))
	}
}

func TestCLIRunnerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewCLIRunner("sleep", []string{"5"}, 0)
	_, err := r.Run(ctx, types.RunRequest{})
	if !types.IsKind(err, types.KindLLMTransient) {
		t.Errorf("kind = %v, want llm_transient", types.Kind(err))
	}
}

// =============================================================================
// STUB RUNNER
// =============================================================================

func TestStubRunnerScript(t *testing.T) {
	s := &StubRunner{Responses: []*types.RunResult{
		{Text: "first"},
		{Text: "second"},
	}}
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		res, err := s.Run(ctx, types.RunRequest{Prompt: "p"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Text != want {
			t.Errorf("text = %q, want %q", res.Text, want)
		}
	}
	if s.CallCount() != 3 {
		t.Errorf("calls = %d", s.CallCount())
	}
}

func TestStubRunnerNilSlotBlocksUntilCancel(t *testing.T) {
	s := &StubRunner{Responses: []*types.RunResult{nil}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, types.RunRequest{})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("returned before cancel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	if err := <-done; !types.IsKind(err, types.KindLLMTransient) {
		t.Errorf("kind = %v, want llm_transient", types.Kind(err))
	}
}

// =============================================================================
// POOL
// =============================================================================

// gateRunner counts concurrent callers and holds them until released.
type gateRunner struct {
	mu      sync.Mutex
	active  int32
	peak    int32
	release chan struct{}
}

func (g *gateRunner) Run(ctx context.Context, req types.RunRequest) (*types.RunResult, error) {
	n := atomic.AddInt32(&g.active, 1)
	g.mu.Lock()
	if n > g.peak {
		g.peak = n
	}
	g.mu.Unlock()
	defer atomic.AddInt32(&g.active, -1)

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &types.RunResult{Text: "ok"}, nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	inner := &gateRunner{release: make(chan struct{})}
	pool := NewPool(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Run(context.Background(), types.RunRequest{}); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	inner.mu.Lock()
	peak := inner.peak
	inner.mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
	if inner.active != 0 {
		t.Errorf("active = %d after drain", inner.active)
	}
}

func TestPoolQueuedCancellation(t *testing.T) {
	inner := &gateRunner{release: make(chan struct{})}
	pool := NewPool(inner, 1)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = pool.Run(context.Background(), types.RunRequest{})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.Run(ctx, types.RunRequest{})
	if err == nil {
		t.Fatal("queued call returned without a slot")
	}
	close(inner.release)
}
