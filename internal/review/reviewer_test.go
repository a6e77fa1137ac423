package review

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/engine"
	"loom/internal/llm"
	"loom/internal/store"
	"loom/internal/types"
	"loom/internal/workspace"
)

func newTestReviewer(t *testing.T, eval types.Evaluator) (*Reviewer, *store.Store, *engine.Engine) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ws := workspace.NewManager(t.TempDir())
	eng := engine.New(st, ws)
	return New(st, eng, ws, eval, 2), st, eng
}

func persistOutcome(t *testing.T, st *store.Store) *types.Outcome {
	t.Helper()
	o := &types.Outcome{
		Name:            "Build a TODO app",
		CapabilityReady: types.CapabilityIsReady,
		Intent: types.Intent{
			Summary:         "a CLI todo list that survives restarts",
			SuccessCriteria: []string{"todo entries persist across runs"},
		},
	}
	if err := st.CreateOutcome(o); err != nil {
		t.Fatalf("CreateOutcome: %v", err)
	}
	return o
}

func completedTask(t *testing.T, st *store.Store, outcomeID, title string) *types.Task {
	t.Helper()
	task := &types.Task{
		OutcomeID: outcomeID,
		Title:     title,
		Phase:     types.PhaseExecution,
		Status:    types.TaskCompleted,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// =============================================================================
// CRITERIA
// =============================================================================

func TestCriteriaFailWithoutCompletedWork(t *testing.T) {
	r, st, _ := newTestReviewer(t, nil)
	o := persistOutcome(t, st)

	cycle, err := r.Review(context.Background(), o.ID, true)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if cycle.AllCriteriaPass {
		t.Error("criteria passed with no completed work")
	}
	if len(cycle.CriteriaResults) != 1 {
		t.Fatalf("results = %v", cycle.CriteriaResults)
	}
	if cycle.CriteriaResults[0].Evidence != "no completed work to evaluate" {
		t.Errorf("evidence = %q", cycle.CriteriaResults[0].Evidence)
	}
}

func TestCriterionPassesWhenWorkCoversIt(t *testing.T) {
	r, st, _ := newTestReviewer(t, nil)
	o := persistOutcome(t, st)
	completedTask(t, st, o.ID, "Persist todo entries across runs in a data file")

	cycle, err := r.Review(context.Background(), o.ID, true)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !cycle.AllCriteriaPass {
		t.Errorf("criteria failed: %+v", cycle.CriteriaResults)
	}
	if !strings.HasPrefix(cycle.CriteriaResults[0].Evidence, "covered by:") {
		t.Errorf("evidence = %q", cycle.CriteriaResults[0].Evidence)
	}
}

func TestEvaluatorVerdictsDriveCriteria(t *testing.T) {
	eval := &llm.StubEvaluator{Responses: []string{"FAIL: nothing persists yet"}}
	r, st, _ := newTestReviewer(t, eval)
	o := persistOutcome(t, st)
	completedTask(t, st, o.ID, "Persist todo entries across runs in a data file")

	cycle, err := r.Review(context.Background(), o.ID, true)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if cycle.AllCriteriaPass {
		t.Error("evaluator FAIL ignored")
	}
	if cycle.CriteriaResults[0].Evidence != "nothing persists yet" {
		t.Errorf("evidence = %q", cycle.CriteriaResults[0].Evidence)
	}
}

// =============================================================================
// ISSUES AND REMEDIATION
// =============================================================================

func TestFailingCriterionFilesRemediation(t *testing.T) {
	r, st, _ := newTestReviewer(t, nil)
	o := persistOutcome(t, st)
	completedTask(t, st, o.ID, "Draw the banner art")

	backlog := &types.Task{OutcomeID: o.ID, Title: "pending work", Priority: 10, Phase: types.PhaseExecution}
	if err := st.CreateTask(backlog); err != nil {
		t.Fatal(err)
	}

	cycle, err := r.Review(context.Background(), o.ID, false)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if cycle.IssuesFound != 1 {
		t.Fatalf("issues = %v", cycle.Issues)
	}
	issue := cycle.Issues[0]
	if issue.Severity != types.SeverityMedium || !strings.HasPrefix(issue.Description, "criterion not met:") {
		t.Errorf("issue = %+v", issue)
	}
	if len(cycle.RemediationTasks) != 1 {
		t.Fatalf("remediation = %v", cycle.RemediationTasks)
	}

	rem, err := st.GetTask(cycle.RemediationTasks[0])
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !strings.HasPrefix(rem.Title, "Remediate:") || !rem.FromReview {
		t.Errorf("remediation task = %+v", rem)
	}
	if rem.Priority != 20 {
		t.Errorf("priority = %d, want above the live backlog", rem.Priority)
	}
	if rem.ReviewCycle != cycle.CycleIndex {
		t.Errorf("ReviewCycle = %d, want %d", rem.ReviewCycle, cycle.CycleIndex)
	}

	latest, err := r.Latest(o.ID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(latest.RemediationTasks) != 1 {
		t.Errorf("persisted cycle lost remediation ids: %+v", latest)
	}
}

func TestDeadLetteredTaskIsHighSeverity(t *testing.T) {
	r, st, _ := newTestReviewer(t, nil)
	o := persistOutcome(t, st)
	completedTask(t, st, o.ID, "Persist todo entries across runs in a data file")

	dead := &types.Task{
		OutcomeID:   o.ID,
		Title:       "flaky import",
		Phase:       types.PhaseExecution,
		Status:      types.TaskFailed,
		MaxAttempts: 3,
	}
	if err := st.CreateTask(dead); err != nil {
		t.Fatal(err)
	}
	dead.Attempts = 3
	if err := st.UpdateTask(dead); err != nil {
		t.Fatal(err)
	}

	cycle, err := r.Review(context.Background(), o.ID, false)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	var high int
	for _, issue := range cycle.Issues {
		if issue.Severity == types.SeverityHigh {
			high++
			if !strings.Contains(issue.Description, "flaky import") {
				t.Errorf("issue = %+v", issue)
			}
		}
	}
	if high != 1 {
		t.Errorf("high-severity issues = %d, want 1", high)
	}
}

// =============================================================================
// CONVERGENCE
// =============================================================================

func TestConvergenceAchievesOutcome(t *testing.T) {
	r, st, _ := newTestReviewer(t, nil)
	o := persistOutcome(t, st)
	completedTask(t, st, o.ID, "Persist todo entries across runs in a data file")

	for i := 1; i <= 2; i++ {
		cycle, err := r.Review(context.Background(), o.ID, false)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if cycle.IssuesFound != 0 || !cycle.AllCriteriaPass {
			t.Fatalf("cycle %d not clean: %+v", i, cycle)
		}
		got, _ := st.GetOutcome(o.ID)
		if got.Convergence.ConsecutiveZeroIssues != i {
			t.Errorf("streak after cycle %d = %d", i, got.Convergence.ConsecutiveZeroIssues)
		}
	}

	got, _ := st.GetOutcome(o.ID)
	if got.Status != types.OutcomeAchieved {
		t.Errorf("status = %s, want achieved", got.Status)
	}
}

func TestIssuesResetTheStreak(t *testing.T) {
	r, st, _ := newTestReviewer(t, nil)
	o := persistOutcome(t, st)
	task := completedTask(t, st, o.ID, "Persist todo entries across runs in a data file")

	if _, err := r.Review(context.Background(), o.ID, false); err != nil {
		t.Fatal(err)
	}

	// A dead-lettered task breaks the streak on the next cycle.
	task.Status = types.TaskFailed
	task.Attempts = task.MaxAttempts
	if err := st.UpdateTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Review(context.Background(), o.ID, false); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetOutcome(o.ID)
	if got.Convergence.ConsecutiveZeroIssues != 0 {
		t.Errorf("streak = %d, want reset", got.Convergence.ConsecutiveZeroIssues)
	}
	if got.Status == types.OutcomeAchieved {
		t.Error("outcome achieved despite issues")
	}
}

func TestCriteriaOnlySkipsConvergence(t *testing.T) {
	r, st, _ := newTestReviewer(t, nil)
	o := persistOutcome(t, st)
	completedTask(t, st, o.ID, "Persist todo entries across runs in a data file")

	for i := 0; i < 3; i++ {
		cycle, err := r.Review(context.Background(), o.ID, true)
		if err != nil {
			t.Fatal(err)
		}
		if cycle.IssuesFound != 0 || len(cycle.RemediationTasks) != 0 {
			t.Errorf("criteria-only cycle touched issues: %+v", cycle)
		}
	}
	got, _ := st.GetOutcome(o.ID)
	if got.Convergence.ConsecutiveZeroIssues != 0 || got.Status == types.OutcomeAchieved {
		t.Errorf("criteria-only runs advanced convergence: %+v", got.Convergence)
	}
}
