package escalation

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"loom/internal/store"
	"loom/internal/types"
)

// recordingControl captures wake notifications.
type recordingControl struct {
	mu    sync.Mutex
	woken [][]string
}

func (c *recordingControl) WakeWorkers(taskIDs []string) {
	c.mu.Lock()
	c.woken = append(c.woken, taskIDs)
	c.mu.Unlock()
}

func newTestResolver(t *testing.T) (*Resolver, *store.Store, *recordingControl) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctl := &recordingControl{}
	return New(st, ctl, 0), st, ctl
}

func seedOutcomeAndTask(t *testing.T, st *store.Store) (*types.Outcome, *types.Task) {
	t.Helper()
	o := &types.Outcome{Name: "Build a TODO app", CapabilityReady: types.CapabilityIsReady}
	if err := st.CreateOutcome(o); err != nil {
		t.Fatalf("CreateOutcome: %v", err)
	}
	task := &types.Task{
		OutcomeID: o.ID,
		Title:     "Implement persistence",
		Phase:     types.PhaseExecution,
		Approach:  "start from the in-memory store",
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return o, task
}

func persistOptions() []types.EscalationOption {
	return []types.EscalationOption{
		{ID: "file", Label: "yes, file-backed"},
		{ID: "memory", Label: "no, memory only"},
		{ID: types.OptionBreakIntoSubtasks, Label: "break into subtasks"},
	}
}

// =============================================================================
// ANSWER
// =============================================================================

func TestAnswerAppendsResolutionToApproach(t *testing.T) {
	r, st, ctl := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)

	e, err := r.Open(o.ID, "Should I persist between runs?", persistOptions(), []string{task.ID}, "unclear_requirement")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	answered, err := r.Answer(e.ID, "file", "use a single json file")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answered.Status != types.EscalationAnswered || answered.SelectedOption != "file" {
		t.Errorf("answered = %+v", answered)
	}
	if answered.ResolvedAt == nil {
		t.Error("ResolvedAt not stamped")
	}

	got, _ := st.GetTask(task.ID)
	if !strings.Contains(got.Approach, "Resolution: yes, file-backed") {
		t.Errorf("approach missing resolution: %q", got.Approach)
	}
	if !strings.Contains(got.Approach, "use a single json file") {
		t.Errorf("approach missing extra context: %q", got.Approach)
	}
	if !strings.HasPrefix(got.Approach, "start from the in-memory store") {
		t.Errorf("original approach lost: %q", got.Approach)
	}

	if len(ctl.woken) != 1 || ctl.woken[0][0] != task.ID {
		t.Errorf("wake notifications = %v", ctl.woken)
	}
}

func TestAnswerByLabel(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)
	e, err := r.Open(o.ID, "persist?", persistOptions(), []string{task.ID}, "ambiguity")
	if err != nil {
		t.Fatal(err)
	}

	answered, err := r.Answer(e.ID, "no, memory only", "")
	if err != nil {
		t.Fatalf("Answer by label: %v", err)
	}
	if answered.SelectedOption != "memory" {
		t.Errorf("selected = %q, want the option id", answered.SelectedOption)
	}
}

func TestAnswerUnknownOption(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)
	e, _ := r.Open(o.ID, "persist?", persistOptions(), []string{task.ID}, "ambiguity")

	_, err := r.Answer(e.ID, "sqlite", "")
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("kind = %v, want validation", types.Kind(err))
	}
}

func TestAnswerRejectsResolved(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)
	e, _ := r.Open(o.ID, "persist?", persistOptions(), []string{task.ID}, "ambiguity")

	if _, err := r.Answer(e.ID, "file", ""); err != nil {
		t.Fatal(err)
	}
	_, err := r.Answer(e.ID, "memory", "")
	if !types.IsKind(err, types.KindConflict) {
		t.Errorf("second answer: kind = %v, want conflict", types.Kind(err))
	}
}

func TestAnswerBreakIntoSubtasks(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)
	e, _ := r.Open(o.ID, "persist?", persistOptions(), []string{task.ID}, "ambiguity")

	if _, err := r.Answer(e.ID, types.OptionBreakIntoSubtasks, ""); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	got, _ := st.GetTask(task.ID)
	if got.Status != types.TaskDecompositionPending {
		t.Errorf("status = %s, want decomposition_pending", got.Status)
	}
	if strings.Contains(got.Approach, "Resolution:") {
		t.Errorf("decomposition answer amended the approach: %q", got.Approach)
	}
}

func TestDismissLeavesTasksUntouched(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)
	e, _ := r.Open(o.ID, "persist?", persistOptions(), []string{task.ID}, "ambiguity")

	dismissed, err := r.Dismiss(e.ID, "not relevant anymore")
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if dismissed.Status != types.EscalationDismissed || dismissed.UserContext != "not relevant anymore" {
		t.Errorf("dismissed = %+v", dismissed)
	}
	got, _ := st.GetTask(task.ID)
	if got.Approach != "start from the in-memory store" || got.Status != types.TaskPending {
		t.Errorf("task mutated by dismiss: %+v", got)
	}

	blocked, _ := st.BlockedTaskIDs(o.ID)
	if len(blocked) != 0 {
		t.Errorf("dismissed escalation still blocks: %v", blocked)
	}
}

// =============================================================================
// AUTO-RESOLVE
// =============================================================================

func TestAutoResolveFromSkillSupport(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)

	opts := []types.EscalationOption{
		{ID: "tavily", Label: "use the tavily api skill for search"},
		{ID: "manual", Label: "scrape pages by hand"},
	}
	e, err := r.Open(o.ID, "which search backend?", opts, []string{task.ID}, "design_decision")
	if err != nil {
		t.Fatal(err)
	}

	skills := []types.Capability{{Type: types.CapabilitySkill, Name: "tavily-api"}}
	res, err := r.AutoResolve(o.ID, skills)
	if err != nil {
		t.Fatalf("AutoResolve: %v", err)
	}
	if res.Resolved != 1 || res.Deferred != 0 {
		t.Fatalf("result = %+v", res)
	}

	got, _ := st.GetEscalation(e.ID)
	if got.Status != types.EscalationAnswered || got.SelectedOption != "tavily" {
		t.Errorf("escalation = %+v", got)
	}
	if got.Confidence < 0.9 {
		t.Errorf("confidence = %v", got.Confidence)
	}
}

func TestAutoResolveFromPriorAnswer(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)

	prior, err := r.Open(o.ID, "should i persist the todo list between runs", persistOptions(), []string{task.ID}, "unclear_requirement")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Answer(prior.ID, "file", ""); err != nil {
		t.Fatal(err)
	}

	repeat, err := r.Open(o.ID, "should i persist the todo list between runs again", persistOptions(), []string{task.ID}, "unclear_requirement")
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.AutoResolve(o.ID, nil)
	if err != nil {
		t.Fatalf("AutoResolve: %v", err)
	}
	if res.Resolved != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := st.GetEscalation(repeat.ID)
	if got.SelectedOption != "file" {
		t.Errorf("selected = %q, want the prior answer", got.SelectedOption)
	}
}

func TestAutoResolveDefersWithoutEvidence(t *testing.T) {
	r, st, _ := newTestResolver(t)
	o, task := seedOutcomeAndTask(t, st)
	e, _ := r.Open(o.ID, "completely novel question about widgets", persistOptions(), []string{task.ID}, "ambiguity")

	res, err := r.AutoResolve(o.ID, nil)
	if err != nil {
		t.Fatalf("AutoResolve: %v", err)
	}
	if res.Resolved != 0 || res.Deferred != 1 {
		t.Errorf("result = %+v", res)
	}
	got, _ := st.GetEscalation(e.ID)
	if got.Status != types.EscalationPending {
		t.Errorf("status = %s, want still pending", got.Status)
	}
}
