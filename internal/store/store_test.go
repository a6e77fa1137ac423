package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOutcome(t *testing.T, s *Store) *types.Outcome {
	t.Helper()
	o := &types.Outcome{
		Name:  "Build a TODO app",
		Brief: "CLI TODO application",
		Intent: types.Intent{
			Summary:         "a working TODO application",
			SuccessCriteria: []string{"items can be added and listed"},
		},
	}
	if err := s.CreateOutcome(o); err != nil {
		t.Fatalf("CreateOutcome: %v", err)
	}
	return o
}

func testTask(t *testing.T, s *Store, outcomeID, title string, priority int) *types.Task {
	t.Helper()
	task := &types.Task{
		OutcomeID: outcomeID,
		Title:     title,
		Priority:  priority,
		Phase:     types.PhaseExecution,
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask(%s): %v", title, err)
	}
	return task
}

// =============================================================================
// OUTCOMES
// =============================================================================

func TestCreateOutcomeDefaults(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	if !strings.HasPrefix(o.ID, types.PrefixOutcome+"-") {
		t.Errorf("ID = %q, want %q prefix", o.ID, types.PrefixOutcome)
	}
	if o.Status != types.OutcomeActive {
		t.Errorf("Status = %q, want active", o.Status)
	}
	if o.CapabilityReady != types.CapabilityNotStarted {
		t.Errorf("CapabilityReady = %q, want not_started", o.CapabilityReady)
	}
	if o.GitMode != types.GitModeNone {
		t.Errorf("GitMode = %q, want none", o.GitMode)
	}

	got, err := s.GetOutcome(o.ID)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if got.Name != o.Name || got.Intent.Summary != o.Intent.Summary {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCreateOutcomeValidation(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateOutcome(&types.Outcome{Name: "  "})
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("empty name: kind = %v, want validation", types.Kind(err))
	}

	err = s.CreateOutcome(&types.Outcome{Name: "child", ParentID: "outcome-missing"})
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("missing parent: kind = %v, want not_found", types.Kind(err))
	}

	err = s.CreateOutcome(&types.Outcome{
		Name:   "bad intent",
		Intent: types.Intent{SuccessCriteria: []string{"  "}},
	})
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("blank criterion: kind = %v, want validation", types.Kind(err))
	}
}

func TestUpdateOutcomeResetsCapabilityGate(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	if err := s.SetCapabilityReady(o.ID, types.CapabilityIsReady); err != nil {
		t.Fatalf("SetCapabilityReady: %v", err)
	}

	// Metadata-only change keeps the gate.
	o, _ = s.GetOutcome(o.ID)
	o.Brief = "renamed brief"
	if err := s.UpdateOutcome(o); err != nil {
		t.Fatalf("UpdateOutcome: %v", err)
	}
	got, _ := s.GetOutcome(o.ID)
	if got.CapabilityReady != types.CapabilityIsReady {
		t.Errorf("gate reset on metadata change: %q", got.CapabilityReady)
	}

	// Intent summary change resets it.
	got.Intent.Summary = "a different goal entirely"
	if err := s.UpdateOutcome(got); err != nil {
		t.Fatalf("UpdateOutcome: %v", err)
	}
	got, _ = s.GetOutcome(o.ID)
	if got.CapabilityReady != types.CapabilityNotStarted {
		t.Errorf("CapabilityReady = %q after intent change, want not_started", got.CapabilityReady)
	}
}

func TestSaveDesignDocResetsGateAndVersions(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	if err := s.SetCapabilityReady(o.ID, types.CapabilityIsReady); err != nil {
		t.Fatalf("SetCapabilityReady: %v", err)
	}

	d1, err := s.SaveDesignDoc(o.ID, "build it with sqlite")
	if err != nil {
		t.Fatalf("SaveDesignDoc: %v", err)
	}
	d2, err := s.SaveDesignDoc(o.ID, "build it with sqlite, plus a cli")
	if err != nil {
		t.Fatalf("SaveDesignDoc v2: %v", err)
	}
	if d1.Version != 1 || d2.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", d1.Version, d2.Version)
	}

	latest, err := s.LatestDesignDoc(o.ID)
	if err != nil {
		t.Fatalf("LatestDesignDoc: %v", err)
	}
	if latest.ID != d2.ID {
		t.Errorf("latest = %s, want %s", latest.ID, d2.ID)
	}

	got, _ := s.GetOutcome(o.ID)
	if got.CapabilityReady != types.CapabilityNotStarted {
		t.Errorf("approach change did not reset the gate: %q", got.CapabilityReady)
	}
}

func TestDeleteOutcomeGuards(t *testing.T) {
	s := newTestStore(t)
	parent := testOutcome(t, s)
	child := &types.Outcome{Name: "child", ParentID: parent.ID}
	if err := s.CreateOutcome(child); err != nil {
		t.Fatalf("CreateOutcome child: %v", err)
	}

	if err := s.DeleteOutcome(parent.ID); !types.IsKind(err, types.KindValidation) {
		t.Errorf("delete with children: kind = %v, want validation", types.Kind(err))
	}

	testTask(t, s, child.ID, "t", 10)
	if err := s.DeleteOutcome(child.ID); !types.IsKind(err, types.KindValidation) {
		t.Errorf("delete with tasks: kind = %v, want validation", types.Kind(err))
	}
}

// =============================================================================
// TASKS
// =============================================================================

func TestListTasksClaimOrder(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	low := testTask(t, s, o.ID, "low urgency", 50)
	first := testTask(t, s, o.ID, "most urgent", 1)
	second := testTask(t, s, o.ID, "same priority, later", 1)

	tasks, err := s.ListTasks(o.ID, TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	if tasks[0].ID != first.ID || tasks[1].ID != second.ID || tasks[2].ID != low.ID {
		t.Errorf("order = %s, %s, %s", tasks[0].Title, tasks[1].Title, tasks[2].Title)
	}
}

func TestTaskFilters(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	exec := testTask(t, s, o.ID, "exec", 10)

	capTask := &types.Task{
		OutcomeID:      o.ID,
		Title:          "Build skill: tavily-api",
		Phase:          types.PhaseCapability,
		CapabilityType: types.CapabilitySkill,
	}
	if err := s.CreateTask(capTask); err != nil {
		t.Fatalf("CreateTask capability: %v", err)
	}

	capOnly, err := s.ListTasks(o.ID, TaskFilter{Phase: types.PhaseCapability})
	if err != nil {
		t.Fatalf("ListTasks phase: %v", err)
	}
	if len(capOnly) != 1 || capOnly[0].ID != capTask.ID {
		t.Errorf("phase filter returned %d tasks", len(capOnly))
	}

	exec.Status = types.TaskCompleted
	if err := s.UpdateTask(exec); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	done, err := s.ListTasks(o.ID, TaskFilter{Status: types.TaskCompleted})
	if err != nil {
		t.Fatalf("ListTasks status: %v", err)
	}
	if len(done) != 1 || done[0].ID != exec.ID {
		t.Errorf("status filter returned %d tasks", len(done))
	}
}

func TestTaskValidation(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	err := s.CreateTask(&types.Task{OutcomeID: o.ID, Title: "no phase"})
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("missing phase: kind = %v, want validation", types.Kind(err))
	}

	err = s.CreateTask(&types.Task{
		OutcomeID: o.ID, Title: "cap without type", Phase: types.PhaseCapability,
	})
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("capability without type: kind = %v, want validation", types.Kind(err))
	}

	err = s.CreateTask(&types.Task{
		OutcomeID:            o.ID,
		Title:                "bad ref",
		Phase:                types.PhaseExecution,
		RequiredCapabilities: []string{"garbage"},
	})
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("malformed ref: kind = %v, want validation", types.Kind(err))
	}
}

func TestDeleteTaskProtectsClaimed(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	task := testTask(t, s, o.ID, "claimed", 10)

	task.Status = types.TaskClaimed
	task.ClaimedBy = "worker-1"
	if err := s.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if err := s.DeleteTask(task.ID); !types.IsKind(err, types.KindConflict) {
		t.Errorf("delete claimed: kind = %v, want conflict", types.Kind(err))
	}

	task.Status = types.TaskPending
	task.ClaimedBy = ""
	if err := s.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if err := s.DeleteTask(task.ID); err != nil {
		t.Errorf("delete pending: %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	err := s.WithTx(func(tx *Tx) error {
		if err := tx.CreateTask(&types.Task{
			OutcomeID: o.ID, Title: "doomed", Phase: types.PhaseExecution,
		}); err != nil {
			return err
		}
		return types.E(types.KindInternal, "forced failure")
	})
	if err == nil {
		t.Fatal("expected error from WithTx")
	}

	tasks, _ := s.ListTasks(o.ID, TaskFilter{})
	if len(tasks) != 0 {
		t.Errorf("rolled-back task persisted: %d tasks", len(tasks))
	}
}

// =============================================================================
// WORKERS / PROGRESS / OBSERVATIONS
// =============================================================================

func TestWorkerProgressLedger(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	w := &types.Worker{Name: "worker-1", OutcomeID: o.ID, Status: types.WorkerRunning}
	if err := s.CreateWorker(w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if err := s.CreateWorker(&types.Worker{OutcomeID: o.ID}); !types.IsKind(err, types.KindValidation) {
		t.Errorf("nameless worker: kind = %v, want validation", types.Kind(err))
	}

	var ids []int64
	for i := 1; i <= 3; i++ {
		id, err := s.AppendProgress(&types.ProgressEntry{
			WorkerID:  w.ID,
			Iteration: i,
			Content:   "step",
		})
		if err != nil {
			t.Fatalf("AppendProgress: %v", err)
		}
		ids = append(ids, id)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Errorf("progress IDs not monotonic: %v", ids)
	}

	tail, err := s.ListProgress(w.ID, ids[0])
	if err != nil {
		t.Fatalf("ListProgress: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("entries after first = %d, want 2", len(tail))
	}

	if _, err := s.AppendProgress(&types.ProgressEntry{
		WorkerID: w.ID, Iteration: 4, Content: "summary of 1-3", Compacted: true,
	}); err != nil {
		t.Fatalf("AppendProgress compacted: %v", err)
	}
	last, err := s.LatestCompactedEntry(w.ID)
	if err != nil {
		t.Fatalf("LatestCompactedEntry: %v", err)
	}
	if last == nil || !last.Compacted {
		t.Fatal("compacted entry not found")
	}
}

func TestObservationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	task := testTask(t, s, o.ID, "t", 10)

	obs := &types.Observation{
		WorkerID:       "worker-1",
		TaskID:         task.ID,
		Iteration:      3,
		AlignmentScore: 82,
		Quality:        types.QualityGood,
		OnTrack:        true,
		Discoveries:    []types.Discovery{{Type: types.DiscoveryInsight, Content: "uses sqlite"}},
	}
	if err := s.SaveObservation(obs); err != nil {
		t.Fatalf("SaveObservation: %v", err)
	}
	got, err := s.GetObservation(obs.ID)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if got.AlignmentScore != 82 || len(got.Discoveries) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	forTask, err := s.ListObservationsForTask(task.ID)
	if err != nil {
		t.Fatalf("ListObservationsForTask: %v", err)
	}
	if len(forTask) != 1 {
		t.Errorf("observations for task = %d, want 1", len(forTask))
	}
}

// =============================================================================
// ESCALATIONS
// =============================================================================

func TestCreateEscalationValidation(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	base := func() *types.Escalation {
		return &types.Escalation{
			OutcomeID:   o.ID,
			TriggerType: "unclear_requirement",
			Question:    "Should the list persist between runs?",
			Options: []types.EscalationOption{
				{ID: "yes", Label: "yes, file-backed"},
				{ID: "no", Label: "no, memory only"},
			},
		}
	}

	e := base()
	e.Question = ""
	if err := s.CreateEscalation(e); !types.IsKind(err, types.KindValidation) {
		t.Errorf("no question: kind = %v", types.Kind(err))
	}

	e = base()
	e.TriggerType = ""
	if err := s.CreateEscalation(e); !types.IsKind(err, types.KindValidation) {
		t.Errorf("no trigger: kind = %v", types.Kind(err))
	}

	e = base()
	e.Options = e.Options[:1]
	if err := s.CreateEscalation(e); !types.IsKind(err, types.KindValidation) {
		t.Errorf("one option: kind = %v", types.Kind(err))
	}

	if err := s.CreateEscalation(base()); err != nil {
		t.Errorf("valid escalation rejected: %v", err)
	}
}

func TestBlockedTaskIDs(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	blocked := testTask(t, s, o.ID, "blocked", 10)
	free := testTask(t, s, o.ID, "free", 10)

	e := &types.Escalation{
		OutcomeID:     o.ID,
		TriggerType:   "ambiguity",
		Question:      "which storage backend?",
		AffectedTasks: []string{blocked.ID},
		Options: []types.EscalationOption{
			{ID: "a", Label: "sqlite"},
			{ID: "b", Label: "flat file"},
		},
	}
	if err := s.CreateEscalation(e); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	ids, err := s.BlockedTaskIDs(o.ID)
	if err != nil {
		t.Fatalf("BlockedTaskIDs: %v", err)
	}
	if !ids[blocked.ID] || ids[free.ID] {
		t.Errorf("blocked map = %v", ids)
	}

	// Resolution unblocks.
	now := time.Now().UTC()
	e.Status = types.EscalationAnswered
	e.SelectedOption = "a"
	e.ResolvedAt = &now
	if err := s.UpdateEscalation(e); err != nil {
		t.Fatalf("UpdateEscalation: %v", err)
	}
	ids, _ = s.BlockedTaskIDs(o.ID)
	if ids[blocked.ID] {
		t.Error("task still blocked after resolution")
	}
}

func TestMarkIncorporated(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)
	e := &types.Escalation{
		OutcomeID:   o.ID,
		TriggerType: "ambiguity",
		Question:    "tabs or spaces?",
		Options: []types.EscalationOption{
			{ID: "tabs", Label: "tabs"},
			{ID: "spaces", Label: "spaces"},
		},
	}
	if err := s.CreateEscalation(e); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if err := s.MarkIncorporated([]string{e.ID}); err != nil {
		t.Fatalf("MarkIncorporated: %v", err)
	}
	got, _ := s.GetEscalation(e.ID)
	if !got.Incorporated {
		t.Error("escalation not marked incorporated")
	}
}

// =============================================================================
// REVIEW CYCLES
// =============================================================================

func TestReviewCycleIndexing(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	c1 := &types.ReviewCycle{OutcomeID: o.ID, IssuesFound: 2}
	c2 := &types.ReviewCycle{OutcomeID: o.ID, AllCriteriaPass: true}
	if err := s.SaveReviewCycle(c1); err != nil {
		t.Fatalf("SaveReviewCycle: %v", err)
	}
	if err := s.SaveReviewCycle(c2); err != nil {
		t.Fatalf("SaveReviewCycle: %v", err)
	}
	if c1.CycleIndex != 1 || c2.CycleIndex != 2 {
		t.Errorf("cycle indexes = %d, %d, want 1, 2", c1.CycleIndex, c2.CycleIndex)
	}

	latest, err := s.LatestReviewCycle(o.ID)
	if err != nil {
		t.Fatalf("LatestReviewCycle: %v", err)
	}
	if latest.ID != c2.ID || !latest.AllCriteriaPass {
		t.Errorf("latest = %+v", latest)
	}

	c2.RemediationTasks = []string{"task-r1"}
	if err := s.UpdateReviewCycle(c2); err != nil {
		t.Fatalf("UpdateReviewCycle: %v", err)
	}
	latest, _ = s.LatestReviewCycle(o.ID)
	if len(latest.RemediationTasks) != 1 {
		t.Errorf("remediation tasks = %v", latest.RemediationTasks)
	}
}

// =============================================================================
// ANALYSIS JOBS
// =============================================================================

func TestAnalysisJobSingleFlight(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	j1 := &types.AnalysisJob{OutcomeID: o.ID}
	if err := s.CreateAnalysisJob(j1); err != nil {
		t.Fatalf("CreateAnalysisJob: %v", err)
	}

	err := s.CreateAnalysisJob(&types.AnalysisJob{OutcomeID: o.ID})
	if !types.IsKind(err, types.KindConflict) {
		t.Errorf("second active job: kind = %v, want conflict", types.Kind(err))
	}

	popped, err := s.NextPendingJob()
	if err != nil {
		t.Fatalf("NextPendingJob: %v", err)
	}
	if popped == nil || popped.ID != j1.ID || popped.Status != types.JobRunning {
		t.Fatalf("popped = %+v", popped)
	}
	again, err := s.NextPendingJob()
	if err != nil {
		t.Fatalf("NextPendingJob again: %v", err)
	}
	if again != nil {
		t.Errorf("second pop returned %s", again.ID)
	}

	popped.Status = types.JobCompleted
	popped.Result = &types.AnalysisResult{}
	if err := s.UpdateAnalysisJob(popped); err != nil {
		t.Fatalf("UpdateAnalysisJob: %v", err)
	}
	if err := s.CreateAnalysisJob(&types.AnalysisJob{OutcomeID: o.ID}); err != nil {
		t.Errorf("new job after completion rejected: %v", err)
	}
}

// =============================================================================
// MERGE QUEUE
// =============================================================================

func TestMergeQueueSerializesPerOutcome(t *testing.T) {
	s := newTestStore(t)
	o := testOutcome(t, s)

	enqueue := func(worker, branch string) *types.MergeRequest {
		m := &types.MergeRequest{OutcomeID: o.ID, WorkerID: worker, Branch: branch}
		if err := s.EnqueueMerge(m); err != nil {
			t.Fatalf("EnqueueMerge(%s): %v", branch, err)
		}
		return m
	}
	first := enqueue("worker-1", "work/o/w1")
	enqueue("worker-2", "work/o/w2")

	claimed, err := s.ClaimNextMerge(o.ID)
	if err != nil {
		t.Fatalf("ClaimNextMerge: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("claimed = %+v, want first enqueued", claimed)
	}
	if claimed.State != types.MergeInProgress {
		t.Errorf("state = %q, want in_progress", claimed.State)
	}

	// Busy queue yields nothing until the in-flight merge finishes.
	busy, err := s.ClaimNextMerge(o.ID)
	if err != nil {
		t.Fatalf("ClaimNextMerge while busy: %v", err)
	}
	if busy != nil {
		t.Errorf("claimed %s while another merge in progress", busy.ID)
	}

	claimed.State = types.MergeCompleted
	if err := s.UpdateMerge(claimed); err != nil {
		t.Fatalf("UpdateMerge: %v", err)
	}
	next, err := s.ClaimNextMerge(o.ID)
	if err != nil {
		t.Fatalf("ClaimNextMerge after completion: %v", err)
	}
	if next == nil || next.WorkerID != "worker-2" {
		t.Fatalf("next = %+v, want worker-2", next)
	}
}
