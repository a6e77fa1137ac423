package retro

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/config"
	"loom/internal/store"
	"loom/internal/types"
)

func newTestRetro(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eng := NewEngine(st, config.RetroConfig{Workers: 2, LookbackDays: 30, MinClusterSize: 3})
	return eng, st
}

func seedOutcome(t *testing.T, st *store.Store) *types.Outcome {
	t.Helper()
	o := &types.Outcome{Name: "Build a TODO app"}
	if err := st.CreateOutcome(o); err != nil {
		t.Fatalf("CreateOutcome: %v", err)
	}
	return o
}

func addEscalation(t *testing.T, st *store.Store, outcomeID, trigger, question string) *types.Escalation {
	t.Helper()
	e := &types.Escalation{
		OutcomeID:   outcomeID,
		TriggerType: trigger,
		Question:    question,
		Options: []types.EscalationOption{
			{ID: "a", Label: "option a"},
			{ID: "b", Label: "option b"},
		},
	}
	if err := st.CreateEscalation(e); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	return e
}

// seedHistory files five overlapping unclear-requirement escalations (one
// recurring pattern), one unrelated question with the same trigger, and two
// design questions below the cluster floor.
func seedHistory(t *testing.T, st *store.Store, outcomeID string) {
	t.Helper()
	recurring := []string{
		"should the export format include markdown tables",
		"should the export format include markdown headers",
		"does the export format include markdown links",
		"should the export include markdown tables or csv",
		"should markdown export include nested tables",
	}
	for _, q := range recurring {
		addEscalation(t, st, outcomeID, "unclear_requirement", q)
	}
	addEscalation(t, st, outcomeID, "unclear_requirement", "which timezone applies when stamping reminders")
	addEscalation(t, st, outcomeID, "design_decision", "flat files or sqlite for storage")
	addEscalation(t, st, outcomeID, "design_decision", "keep storage in flat files or move on")
}

// =============================================================================
// ANALYSIS
// =============================================================================

func TestTriggerDrainProducesProposals(t *testing.T) {
	eng, st := newTestRetro(t)
	o := seedOutcome(t, st)
	seedHistory(t, st, o.ID)

	job, err := eng.Trigger(o.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := eng.Trigger(o.ID); !types.IsKind(err, types.KindConflict) {
		t.Errorf("second trigger: kind = %v, want conflict", types.Kind(err))
	}

	if err := eng.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	done, err := eng.Status(o.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if done.ID != job.ID || done.Status != types.JobCompleted || done.Result == nil {
		t.Fatalf("job = %+v", done)
	}

	res := done.Result
	if len(res.Clusters) != 3 {
		t.Errorf("clusters = %d, want 3", len(res.Clusters))
	}
	// Clusters sort largest first; only the five-strong one clears the floor.
	if len(res.Clusters[0].EscalationIDs) != 5 {
		t.Errorf("dominant cluster size = %d", len(res.Clusters[0].EscalationIDs))
	}
	if len(res.Proposals) != 1 {
		t.Fatalf("proposals = %+v", res.Proposals)
	}

	p := res.Proposals[0]
	if !strings.HasPrefix(p.RootCause, "recurring unclear_requirement around:") {
		t.Errorf("root cause = %q", p.RootCause)
	}
	if !strings.Contains(p.Problem, "escalated 5 times") {
		t.Errorf("problem = %q", p.Problem)
	}
	if len(p.Tasks) != 3 {
		t.Errorf("proposed tasks = %v", p.Tasks)
	}
	if len(p.EscalationIDs) != 5 {
		t.Errorf("escalation ids = %v", p.EscalationIDs)
	}
}

func TestDrainWithNoPendingJobs(t *testing.T) {
	eng, _ := newTestRetro(t)
	if err := eng.Drain(context.Background()); err != nil {
		t.Fatalf("Drain on empty queue: %v", err)
	}
}

// =============================================================================
// MATERIALIZATION
// =============================================================================

func TestCreateFromProposal(t *testing.T) {
	eng, st := newTestRetro(t)
	o := seedOutcome(t, st)
	seedHistory(t, st, o.ID)

	if _, err := eng.Trigger(o.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	job, _ := eng.Status(o.ID)
	proposal := job.Result.Proposals[0]

	child, err := eng.CreateFromProposal(o.ID, proposal.ID)
	if err != nil {
		t.Fatalf("CreateFromProposal: %v", err)
	}
	if !strings.HasPrefix(child.Name, "Improve: recurring unclear_requirement") {
		t.Errorf("child name = %q", child.Name)
	}

	parent, err := st.GetOutcome(child.ParentID)
	if err != nil {
		t.Fatalf("GetOutcome parent: %v", err)
	}
	if parent.Name != SelfImprovementName || parent.ParentID != "" {
		t.Errorf("parent = %+v", parent)
	}

	doc, err := st.LatestDesignDoc(child.ID)
	if err != nil {
		t.Fatalf("LatestDesignDoc: %v", err)
	}
	if doc.Version != 1 || !strings.Contains(doc.Approach, "Capture the settled decisions") {
		t.Errorf("design doc = %+v", doc)
	}

	tasks, err := st.ListTasks(child.ID, store.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("child tasks = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Phase != types.PhaseExecution || task.Status != types.TaskPending {
			t.Errorf("task = %+v", task)
		}
	}

	for _, id := range proposal.EscalationIDs {
		esc, err := st.GetEscalation(id)
		if err != nil {
			t.Fatal(err)
		}
		if !esc.Incorporated {
			t.Errorf("escalation %s not incorporated", id)
		}
	}
}

func TestIncorporatedEscalationsCarryNoSignal(t *testing.T) {
	eng, st := newTestRetro(t)
	o := seedOutcome(t, st)
	seedHistory(t, st, o.ID)

	if _, err := eng.Trigger(o.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateConsolidated(o.ID); err != nil {
		t.Fatalf("CreateConsolidated: %v", err)
	}

	// Re-running finds nothing above the cluster floor.
	if _, err := eng.Trigger(o.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	job, _ := eng.Status(o.ID)
	if job.Status != types.JobCompleted {
		t.Fatalf("job = %+v", job)
	}
	if len(job.Result.Proposals) != 0 {
		t.Errorf("stale escalations produced proposals: %+v", job.Result.Proposals)
	}
}

func TestCreateConsolidatedWithoutProposals(t *testing.T) {
	eng, st := newTestRetro(t)
	o := seedOutcome(t, st)
	addEscalation(t, st, o.ID, "ambiguity", "one lonely question about nothing")

	if _, err := eng.Trigger(o.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := eng.CreateConsolidated(o.ID)
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("kind = %v, want not_found", types.Kind(err))
	}
}
