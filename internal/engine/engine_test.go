package engine

import (
	"path/filepath"
	"testing"

	"loom/internal/store"
	"loom/internal/types"
)

// staticCaps is a CapabilitySource returning a fixed capability set.
type staticCaps struct {
	caps []types.Capability
}

func (s *staticCaps) Scan(o *types.Outcome) ([]types.Capability, error) {
	return s.caps, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *staticCaps) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	caps := &staticCaps{}
	return New(st, caps), st, caps
}

func readyOutcome(t *testing.T, st *store.Store) *types.Outcome {
	t.Helper()
	o := &types.Outcome{
		Name:            "Build a TODO app",
		CapabilityReady: types.CapabilityIsReady,
	}
	if err := st.CreateOutcome(o); err != nil {
		t.Fatalf("CreateOutcome: %v", err)
	}
	return o
}

func execTask(outcomeID, title string, priority int) *types.Task {
	return &types.Task{
		OutcomeID: outcomeID,
		Title:     title,
		Priority:  priority,
		Phase:     types.PhaseExecution,
	}
}

// =============================================================================
// BATCH CREATE / VALIDATION
// =============================================================================

func TestBatchCreateCycleRejectedAtomically(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)

	t1 := execTask(o.ID, "T1", 10)
	t1.ID = types.NewID(types.PrefixTask)
	t2 := execTask(o.ID, "T2", 10)
	t2.ID = types.NewID(types.PrefixTask)
	t1.DependsOn = []string{t2.ID}
	t2.DependsOn = []string{t1.ID}

	err := eng.BatchCreate([]*types.Task{t1, t2})
	if !types.IsKind(err, types.KindValidation) {
		t.Fatalf("kind = %v, want validation", types.Kind(err))
	}

	tasks, _ := st.ListTasks(o.ID, store.TaskFilter{})
	if len(tasks) != 0 {
		t.Errorf("cyclic batch persisted %d task(s)", len(tasks))
	}
}

func TestBatchCreateValidations(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)
	other := readyOutcome(t, st)

	self := execTask(o.ID, "self", 10)
	self.ID = types.NewID(types.PrefixTask)
	self.DependsOn = []string{self.ID}
	if err := eng.Create(self); !types.IsKind(err, types.KindValidation) {
		t.Errorf("self-dependency: kind = %v", types.Kind(err))
	}

	dangling := execTask(o.ID, "dangling", 10)
	dangling.DependsOn = []string{"task-missing"}
	if err := eng.Create(dangling); !types.IsKind(err, types.KindValidation) {
		t.Errorf("unknown dependency: kind = %v", types.Kind(err))
	}

	mixed := []*types.Task{execTask(o.ID, "a", 10), execTask(other.ID, "b", 10)}
	if err := eng.BatchCreate(mixed); !types.IsKind(err, types.KindValidation) {
		t.Errorf("mixed outcomes: kind = %v", types.Kind(err))
	}
}

func TestBatchCreateIntraBatchDependencies(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)

	design := execTask(o.ID, "design", 10)
	design.ID = types.NewID(types.PrefixTask)
	build := execTask(o.ID, "build", 10)
	build.DependsOn = []string{design.ID}

	if err := eng.BatchCreate([]*types.Task{design, build}); err != nil {
		t.Fatalf("BatchCreate: %v", err)
	}
	tasks, _ := st.ListTasks(o.ID, store.TaskFilter{})
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
}

func TestUpdateRevalidatesDependencies(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)

	a := execTask(o.ID, "a", 10)
	if err := eng.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := execTask(o.ID, "b", 10)
	b.DependsOn = []string{a.ID}
	if err := eng.Create(b); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.DependsOn = []string{b.ID}
	if err := eng.Update(a); !types.IsKind(err, types.KindValidation) {
		t.Errorf("cycle via update: kind = %v", types.Kind(err))
	}
	got, _ := st.GetTask(a.ID)
	if len(got.DependsOn) != 0 {
		t.Errorf("rejected update persisted: %v", got.DependsOn)
	}
}

// =============================================================================
// CLAIM
// =============================================================================

func TestClaimPriorityOrder(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)
	if err := eng.Create(execTask(o.ID, "later", 20)); err != nil {
		t.Fatal(err)
	}
	urgent := execTask(o.ID, "urgent", 1)
	if err := eng.Create(urgent); err != nil {
		t.Fatal(err)
	}

	got, err := eng.Claim(o.ID, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.ID != urgent.ID {
		t.Errorf("claimed %q, want the lowest priority value first", got.Title)
	}
	if got.Status != types.TaskClaimed || got.ClaimedBy != "worker-1" {
		t.Errorf("claimed task = %+v", got)
	}
}

func TestClaimSkipsUnmetDependencies(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)

	first := execTask(o.ID, "first", 1)
	if err := eng.Create(first); err != nil {
		t.Fatal(err)
	}
	second := execTask(o.ID, "second", 1)
	second.DependsOn = []string{first.ID}
	if err := eng.Create(second); err != nil {
		t.Fatal(err)
	}

	got, err := eng.Claim(o.ID, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("claimed %q before its dependency", got.Title)
	}

	// The dependent stays invisible until first completes.
	if _, err := eng.Claim(o.ID, "w2"); err != types.ErrNoEligibleTask {
		t.Errorf("dependent claimable early: %v", err)
	}
	if err := eng.Run(first.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Complete(first.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	got, err = eng.Claim(o.ID, "w2")
	if err != nil {
		t.Fatalf("Claim after completion: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("claimed %q, want the dependent", got.Title)
	}
}

func TestClaimGatedUntilCapabilitiesReady(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := &types.Outcome{Name: "gated"}
	if err := st.CreateOutcome(o); err != nil {
		t.Fatal(err)
	}

	exec := execTask(o.ID, "execution work", 10)
	if err := eng.Create(exec); err != nil {
		t.Fatal(err)
	}
	capTask := &types.Task{
		OutcomeID:      o.ID,
		Title:          "Build skill: tavily-api",
		Priority:       1,
		Phase:          types.PhaseCapability,
		CapabilityType: types.CapabilitySkill,
	}
	if err := eng.Create(capTask); err != nil {
		t.Fatal(err)
	}

	// Gate closed: only the capability task is claimable.
	got, err := eng.Claim(o.ID, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.ID != capTask.ID {
		t.Fatalf("claimed %q through a closed gate", got.Title)
	}
	if _, err := eng.Claim(o.ID, "w2"); err != types.ErrNoEligibleTask {
		t.Errorf("execution task claimable through closed gate: %v", err)
	}

	if err := eng.Complete(capTask.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	flipped, err := eng.RefreshCapabilityGate(o.ID)
	if err != nil {
		t.Fatalf("RefreshCapabilityGate: %v", err)
	}
	if !flipped {
		t.Fatal("gate did not flip with all capability tasks completed")
	}

	got, err = eng.Claim(o.ID, "w2")
	if err != nil {
		t.Fatalf("Claim after gate: %v", err)
	}
	if got.ID != exec.ID {
		t.Errorf("claimed %q, want the execution task", got.Title)
	}
}

func TestClaimSkipsUnsatisfiedCapabilityRefs(t *testing.T) {
	eng, st, caps := newTestEngine(t)
	o := readyOutcome(t, st)

	needy := execTask(o.ID, "needs search", 1)
	needy.RequiredCapabilities = []string{"skill:tavily-api"}
	if err := eng.Create(needy); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Claim(o.ID, "w1"); err != types.ErrNoEligibleTask {
		t.Fatalf("claimed without the capability: %v", err)
	}

	caps.caps = []types.Capability{{Type: types.CapabilitySkill, Name: "tavily-api"}}
	got, err := eng.Claim(o.ID, "w1")
	if err != nil {
		t.Fatalf("Claim with capability present: %v", err)
	}
	if got.ID != needy.ID {
		t.Errorf("claimed %q", got.Title)
	}
}

func TestClaimCountsCompletedCapabilityTasks(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)

	capTask := &types.Task{
		OutcomeID:      o.ID,
		Title:          "Build skill: tavily-api",
		Phase:          types.PhaseCapability,
		CapabilityType: types.CapabilitySkill,
		Status:         types.TaskCompleted,
	}
	if err := st.CreateTask(capTask); err != nil {
		t.Fatal(err)
	}
	needy := execTask(o.ID, "needs search", 1)
	needy.RequiredCapabilities = []string{"skill:tavily-api"}
	if err := eng.Create(needy); err != nil {
		t.Fatal(err)
	}

	got, err := eng.Claim(o.ID, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.ID != needy.ID {
		t.Errorf("claimed %q", got.Title)
	}
}

func TestClaimExcludesEscalationBlockedTasks(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)

	blocked := execTask(o.ID, "blocked", 1)
	if err := eng.Create(blocked); err != nil {
		t.Fatal(err)
	}
	fallback := execTask(o.ID, "fallback", 10)
	if err := eng.Create(fallback); err != nil {
		t.Fatal(err)
	}
	err := st.CreateEscalation(&types.Escalation{
		OutcomeID:     o.ID,
		TriggerType:   "ambiguity",
		Question:      "persist between runs?",
		AffectedTasks: []string{blocked.ID},
		Options: []types.EscalationOption{
			{ID: "yes", Label: "yes, file-backed"},
			{ID: "no", Label: "no, memory only"},
		},
	})
	if err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	got, err := eng.Claim(o.ID, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.ID != fallback.ID {
		t.Errorf("claimed the escalation-blocked task %q", got.Title)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestCompleteRequiresClaimant(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)
	task := execTask(o.ID, "t", 10)
	if err := eng.Create(task); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Claim(o.ID, "w1"); err != nil {
		t.Fatal(err)
	}

	if err := eng.Complete(task.ID, "w2"); !types.IsKind(err, types.KindConflict) {
		t.Errorf("foreign complete: kind = %v, want conflict", types.Kind(err))
	}
	if err := eng.Complete(task.ID, "w1"); err != nil {
		t.Errorf("claimant complete: %v", err)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)
	task := execTask(o.ID, "flaky", 10)
	task.MaxAttempts = 2
	if err := eng.Create(task); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Claim(o.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	retried, err := eng.Fail(task.ID, "w1")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !retried {
		t.Fatal("first failure should retry")
	}
	got, _ := st.GetTask(task.ID)
	if got.Status != types.TaskPending || got.Attempts != 1 || got.ClaimedBy != "" {
		t.Errorf("after first failure: %+v", got)
	}

	if _, err := eng.Claim(o.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	retried, err = eng.Fail(task.ID, "w1")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if retried {
		t.Fatal("exhausted task should dead-letter, not retry")
	}
	got, _ = st.GetTask(task.ID)
	if got.Status != types.TaskFailed || got.Attempts != 2 {
		t.Errorf("after exhaustion: %+v", got)
	}

	stats, _ := eng.Stats(o.ID)
	if stats.DeadLetter != 1 {
		t.Errorf("DeadLetter = %d, want 1", stats.DeadLetter)
	}
}

func TestReleaseKeepsAttempts(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)
	task := execTask(o.ID, "interrupted", 10)
	if err := eng.Create(task); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Claim(o.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Run(task.ID, "w1"); err != nil {
		t.Fatal(err)
	}

	if err := eng.Release(task.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ := st.GetTask(task.ID)
	if got.Status != types.TaskPending || got.Attempts != 0 || got.ClaimedBy != "" {
		t.Errorf("released task = %+v", got)
	}
}

// =============================================================================
// DECOMPOSITION
// =============================================================================

func TestDecomposeRewiresDependents(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)

	original := execTask(o.ID, "big task", 10)
	if err := eng.Create(original); err != nil {
		t.Fatal(err)
	}
	dependent := execTask(o.ID, "downstream", 10)
	dependent.DependsOn = []string{original.ID}
	if err := eng.Create(dependent); err != nil {
		t.Fatal(err)
	}

	original.Status = types.TaskDecompositionPending
	if err := st.UpdateTask(original); err != nil {
		t.Fatal(err)
	}

	subA := &types.Task{Title: "part A"}
	subB := &types.Task{Title: "part B"}
	if err := eng.Decompose(original.ID, []*types.Task{subA, subB}); err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	if _, err := st.GetTask(original.ID); !types.IsKind(err, types.KindNotFound) {
		t.Error("original task survived decomposition")
	}
	got, _ := st.GetTask(dependent.ID)
	deps := map[string]bool{}
	for _, d := range got.DependsOn {
		deps[d] = true
	}
	if !deps[subA.ID] || !deps[subB.ID] {
		t.Errorf("dependent edges = %v, want both subtasks", got.DependsOn)
	}
	for _, sub := range []*types.Task{subA, subB} {
		persisted, err := st.GetTask(sub.ID)
		if err != nil {
			t.Fatalf("subtask %s missing: %v", sub.Title, err)
		}
		if persisted.OutcomeID != o.ID || persisted.Phase != types.PhaseExecution {
			t.Errorf("subtask inherited wrong shape: %+v", persisted)
		}
	}
}

func TestDecomposeRequiresPendingDecomposition(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	o := readyOutcome(t, st)
	task := execTask(o.ID, "normal", 10)
	if err := eng.Create(task); err != nil {
		t.Fatal(err)
	}

	err := eng.Decompose(task.ID, []*types.Task{{Title: "sub"}})
	if !types.IsKind(err, types.KindConflict) {
		t.Errorf("kind = %v, want conflict", types.Kind(err))
	}
	if err := eng.Decompose(task.ID, nil); !types.IsKind(err, types.KindValidation) {
		t.Errorf("empty subtasks: kind = %v, want validation", types.Kind(err))
	}
}
