// Package engine is the task lifecycle authority: creation with dependency
// validation, the claim algorithm, completion, retry, and the capability
// gate. All multi-row mutations run inside store transactions; claims for
// one outcome additionally serialize on a per-outcome lock.
package engine

import (
	"strings"
	"sync"

	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
)

// CapabilitySource yields the outcome's current capability set. The
// workspace manager implements it by scanning skills/ and tools/.
type CapabilitySource interface {
	Scan(o *types.Outcome) ([]types.Capability, error)
}

// Engine coordinates task state over the store.
type Engine struct {
	st   *store.Store
	caps CapabilitySource

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-outcome claim locks
}

// New creates a task engine.
func New(st *store.Store, caps CapabilitySource) *Engine {
	return &Engine{st: st, caps: caps, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) outcomeLock(outcomeID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[outcomeID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[outcomeID] = l
	}
	return l
}

// =============================================================================
// CREATE / UPDATE / DELETE
// =============================================================================

// Create persists one task after dependency validation.
func (e *Engine) Create(t *types.Task) error {
	return e.BatchCreate([]*types.Task{t})
}

// BatchCreate persists a set of tasks atomically. Dependencies may point at
// existing tasks or at other tasks in the batch; any invalid or cyclic
// dependency fails the whole batch with nothing persisted.
func (e *Engine) BatchCreate(tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = types.NewID(types.PrefixTask)
		}
	}

	outcomeID := tasks[0].OutcomeID
	for _, t := range tasks {
		if t.OutcomeID != outcomeID {
			return types.E(types.KindValidation, "batch must target a single outcome")
		}
	}

	return e.st.WithTx(func(tx *store.Tx) error {
		if _, err := tx.GetOutcome(outcomeID); err != nil {
			return err
		}
		existing, err := tx.ListTasks(outcomeID, store.TaskFilter{})
		if err != nil {
			return err
		}
		if err := validateDependencies(existing, tasks); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := tx.CreateTask(t); err != nil {
				return err
			}
		}
		logging.Get(logging.CategoryEngine).Info("created %d task(s) for %s", len(tasks), outcomeID)
		return nil
	})
}

// Update patches a task. depends_on changes re-run cycle validation against
// the outcome's full task set.
func (e *Engine) Update(t *types.Task) error {
	return e.st.WithTx(func(tx *store.Tx) error {
		prev, err := tx.GetTask(t.ID)
		if err != nil {
			return err
		}
		if t.OutcomeID != prev.OutcomeID {
			return types.E(types.KindValidation, "task %s cannot change outcome", t.ID)
		}
		existing, err := tx.ListTasks(t.OutcomeID, store.TaskFilter{})
		if err != nil {
			return err
		}
		// Replace the stored row with the patched one for validation.
		for i, et := range existing {
			if et.ID == t.ID {
				existing = append(existing[:i], existing[i+1:]...)
				break
			}
		}
		if err := validateDependencies(existing, []*types.Task{t}); err != nil {
			return err
		}
		return tx.UpdateTask(t)
	})
}

// Delete removes a task. The store rejects claimed/running tasks.
func (e *Engine) Delete(id string) error {
	return e.st.DeleteTask(id)
}

// Enumerate lists an outcome's tasks with an optional filter.
func (e *Engine) Enumerate(outcomeID string, f store.TaskFilter) ([]*types.Task, error) {
	return e.st.ListTasks(outcomeID, f)
}

// Stats summarizes an outcome's tasks.
func (e *Engine) Stats(outcomeID string) (*types.TaskStats, error) {
	return e.st.TaskStats(outcomeID)
}

// =============================================================================
// CLAIM
// =============================================================================

// Claim selects and atomically claims the next eligible task for a worker.
// Returns types.ErrNoEligibleTask when nothing qualifies.
func (e *Engine) Claim(outcomeID, workerID string) (*types.Task, error) {
	lock := e.outcomeLock(outcomeID)
	lock.Lock()
	defer lock.Unlock()

	timer := logging.StartTimer(logging.CategoryEngine, "claim")
	defer timer.Stop()

	var claimed *types.Task
	err := e.st.WithTx(func(tx *store.Tx) error {
		outcome, err := tx.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		all, err := tx.ListTasks(outcomeID, store.TaskFilter{})
		if err != nil {
			return err
		}
		blocked, err := tx.BlockedTaskIDs(outcomeID)
		if err != nil {
			return err
		}

		capSet, err := e.capabilitySet(outcome, all)
		if err != nil {
			return err
		}
		completed := make(map[string]bool)
		for _, t := range all {
			if t.Status == types.TaskCompleted {
				completed[t.ID] = true
			}
		}

		// all is already in (priority, created_at) order; first hit wins.
		for _, t := range all {
			if t.Status != types.TaskPending || blocked[t.ID] {
				continue
			}
			if outcome.CapabilityReady != types.CapabilityIsReady && t.Phase != types.PhaseCapability {
				continue
			}
			if !depsCompleted(t, completed) || !capsSatisfied(t, capSet) {
				continue
			}
			t.Status = types.TaskClaimed
			t.ClaimedBy = workerID
			if err := tx.UpdateTask(t); err != nil {
				return err
			}
			claimed = t
			return nil
		}
		return types.ErrNoEligibleTask
	})
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryEngine).Info("worker %s claimed %s (%s)", workerID, claimed.ID, claimed.Title)
	return claimed, nil
}

// Run transitions a claimed task to running. Only the claimant may do this.
func (e *Engine) Run(taskID, workerID string) error {
	return e.transition(taskID, workerID, types.TaskClaimed, types.TaskRunning)
}

// Complete marks a task completed. Only the claimant may do this.
func (e *Engine) Complete(taskID, workerID string) error {
	return e.transition(taskID, workerID, "", types.TaskCompleted)
}

func (e *Engine) transition(taskID, workerID string, from, to types.TaskStatus) error {
	return e.st.WithTx(func(tx *store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t.ClaimedBy != workerID {
			return types.E(types.KindConflict, "task %s is claimed by %q, not %q", taskID, t.ClaimedBy, workerID)
		}
		if from != "" && t.Status != from {
			return types.E(types.KindConflict, "task %s is %s, expected %s", taskID, t.Status, from)
		}
		t.Status = to
		return tx.UpdateTask(t)
	})
}

// Fail records a failed attempt: retry as pending while attempts remain,
// otherwise dead-letter as failed. Observations and progress survive either
// way.
func (e *Engine) Fail(taskID, workerID string) (retried bool, err error) {
	err = e.st.WithTx(func(tx *store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t.ClaimedBy != workerID {
			return types.E(types.KindConflict, "task %s is claimed by %q, not %q", taskID, t.ClaimedBy, workerID)
		}
		t.Attempts++
		t.ClaimedBy = ""
		if t.Attempts < t.MaxAttempts {
			t.Status = types.TaskPending
			retried = true
		} else {
			t.Status = types.TaskFailed
		}
		return tx.UpdateTask(t)
	})
	if err == nil {
		logging.Get(logging.CategoryEngine).Warn("task %s failed by %s (retried=%v)", taskID, workerID, retried)
	}
	return retried, err
}

// Release reverts a claimed or running task to pending without touching the
// attempts counter. Used when a worker is stopped mid-task.
func (e *Engine) Release(taskID string) error {
	return e.st.WithTx(func(tx *store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if t.Status != types.TaskClaimed && t.Status != types.TaskRunning {
			return nil
		}
		t.Status = types.TaskPending
		t.ClaimedBy = ""
		return tx.UpdateTask(t)
	})
}

// =============================================================================
// DECOMPOSITION
// =============================================================================

// Decompose replaces a decomposition_pending task with subtasks whose union
// covers it. Dependents of the original are rewired to depend on every
// subtask; the original row is removed. Everything happens in one
// transaction so claim never sees a half-replaced graph.
func (e *Engine) Decompose(taskID string, subtasks []*types.Task) error {
	if len(subtasks) == 0 {
		return types.E(types.KindValidation, "decomposition needs at least one subtask")
	}
	return e.st.WithTx(func(tx *store.Tx) error {
		original, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if original.Status != types.TaskDecompositionPending && original.Status != types.TaskDecompositionInProgress {
			return types.E(types.KindConflict, "task %s is %s, not awaiting decomposition", taskID, original.Status)
		}

		subIDs := make([]string, 0, len(subtasks))
		for _, st := range subtasks {
			if st.ID == "" {
				st.ID = types.NewID(types.PrefixTask)
			}
			st.OutcomeID = original.OutcomeID
			st.Phase = original.Phase
			st.CapabilityType = original.CapabilityType
			// Subtasks inherit what the original waited on.
			st.DependsOn = append(st.DependsOn, original.DependsOn...)
			st.RequiredCapabilities = append([]string{}, original.RequiredCapabilities...)
			if st.Priority == 0 {
				st.Priority = original.Priority
			}
			subIDs = append(subIDs, st.ID)
		}

		existing, err := tx.ListTasks(original.OutcomeID, store.TaskFilter{})
		if err != nil {
			return err
		}
		// Drop the original before validation; its edges move to the subtasks.
		remaining := existing[:0]
		for _, t := range existing {
			if t.ID != taskID {
				remaining = append(remaining, t)
			}
		}
		if err := validateDependencies(remaining, subtasks); err != nil {
			return err
		}

		for _, st := range subtasks {
			if err := tx.CreateTask(st); err != nil {
				return err
			}
		}
		for _, t := range remaining {
			rewired := false
			for i, dep := range t.DependsOn {
				if dep == taskID {
					t.DependsOn = append(append(t.DependsOn[:i], t.DependsOn[i+1:]...), subIDs...)
					rewired = true
					break
				}
			}
			if rewired {
				if err := tx.UpdateTask(t); err != nil {
					return err
				}
			}
		}
		if err := tx.DeleteTask(taskID); err != nil {
			return err
		}
		logging.Get(logging.CategoryEngine).Info("decomposed %s into %d subtask(s)", taskID, len(subtasks))
		return nil
	})
}

// =============================================================================
// CAPABILITY GATE
// =============================================================================

// RefreshCapabilityGate flips the outcome's capability_ready to ready when
// every capability task is completed. The caller has already confirmed no
// new capability need remains. Returns whether the gate flipped.
func (e *Engine) RefreshCapabilityGate(outcomeID string) (bool, error) {
	flipped := false
	err := e.st.WithTx(func(tx *store.Tx) error {
		outcome, err := tx.GetOutcome(outcomeID)
		if err != nil {
			return err
		}
		if outcome.CapabilityReady == types.CapabilityIsReady {
			return nil
		}
		capTasks, err := tx.ListTasks(outcomeID, store.TaskFilter{Phase: types.PhaseCapability})
		if err != nil {
			return err
		}
		for _, t := range capTasks {
			if t.Status != types.TaskCompleted {
				return nil
			}
		}
		if err := tx.SetCapabilityReady(outcomeID, types.CapabilityIsReady); err != nil {
			return err
		}
		flipped = true
		return nil
	})
	if flipped {
		logging.Get(logging.CategoryEngine).Info("capability gate ready for %s", outcomeID)
	}
	return flipped, err
}

// capabilitySet unions the workspace scan with completed capability tasks.
func (e *Engine) capabilitySet(outcome *types.Outcome, all []*types.Task) (map[string]bool, error) {
	set := make(map[string]bool)
	if e.caps != nil {
		scanned, err := e.caps.Scan(outcome)
		if err != nil {
			return nil, err
		}
		for _, c := range scanned {
			set[c.Ref()] = true
		}
	}
	for _, t := range all {
		if t.Phase == types.PhaseCapability && t.Status == types.TaskCompleted {
			set[string(t.CapabilityType)+":"+capabilityName(t.Title)] = true
		}
	}
	return set, nil
}

// capabilityName recovers the capability name from a planner task title like
// "Build skill: tavily-api".
func capabilityName(title string) string {
	if i := strings.LastIndex(title, ": "); i >= 0 {
		return title[i+2:]
	}
	return title
}

func depsCompleted(t *types.Task, completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func capsSatisfied(t *types.Task, capSet map[string]bool) bool {
	for _, ref := range t.RequiredCapabilities {
		if !capSet[ref] {
			return false
		}
	}
	return true
}
