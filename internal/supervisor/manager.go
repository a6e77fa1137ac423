// Package supervisor runs the worker loops: claim a task, drive the LLM
// sidecar for one iteration, observe the output, act on what the observer
// found. One supervisor per worker; the manager owns their lifecycle and
// implements the wake side of escalation waits.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/internal/capability"
	"loom/internal/config"
	"loom/internal/engine"
	"loom/internal/escalation"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
	"loom/internal/workspace"
	"loom/internal/worktree"
)

// Manager starts, stops, and tracks supervisors.
type Manager struct {
	st       *store.Store
	eng      *engine.Engine
	runner   types.Runner
	observer types.Observer
	planner  *capability.Planner
	ws       *workspace.Manager
	wt       *worktree.Coordinator
	resolver *escalation.Resolver
	cfg      config.WorkerConfig
	runTime  time.Duration // per-iteration runner timeout

	mu   sync.Mutex
	sups map[string]*Supervisor
	wg   sync.WaitGroup
}

// NewManager wires a supervisor manager. The escalation resolver is attached
// afterwards via SetResolver because it needs the manager as its
// WorkerControl.
func NewManager(st *store.Store, eng *engine.Engine, runner types.Runner, obs types.Observer,
	planner *capability.Planner, ws *workspace.Manager, wt *worktree.Coordinator,
	cfg config.WorkerConfig, runnerTimeout time.Duration) *Manager {
	return &Manager{
		st:       st,
		eng:      eng,
		runner:   runner,
		observer: obs,
		planner:  planner,
		ws:       ws,
		wt:       wt,
		cfg:      cfg,
		runTime:  runnerTimeout,
		sups:     make(map[string]*Supervisor),
	}
}

// SetResolver attaches the escalation resolver.
func (m *Manager) SetResolver(r *escalation.Resolver) { m.resolver = r }

// StartOptions controls worker spawning.
type StartOptions struct {
	Workers  int  // number of workers to spawn; 0 means 1
	Worktree bool // force worktree isolation for these workers
}

// Start validates the outcome, refreshes the capability plan, and spawns
// workers. Only leaf outcomes with pending work may host workers.
func (m *Manager) Start(ctx context.Context, outcomeID string, opts StartOptions) ([]*types.Worker, error) {
	outcome, err := m.st.GetOutcome(outcomeID)
	if err != nil {
		return nil, err
	}
	if outcome.Status != types.OutcomeActive {
		return nil, types.E(types.KindValidation, "outcome %s is %s, not active", outcomeID, outcome.Status)
	}
	hasChildren, err := m.st.HasChildren(outcomeID)
	if err != nil {
		return nil, err
	}
	if hasChildren {
		return nil, types.E(types.KindValidation, "outcome %s has child outcomes; only leaf outcomes host workers", outcomeID)
	}
	prior, err := m.st.ListWorkers(outcomeID, "")
	if err != nil {
		return nil, err
	}
	if !outcome.Parallel {
		for _, w := range prior {
			if w.Status == types.WorkerRunning || w.Status == types.WorkerWaiting {
				return nil, types.E(types.KindConflict, "worker %s already running for outcome %s", w.Name, outcomeID)
			}
		}
	}
	pending, err := m.st.ListTasks(outcomeID, store.TaskFilter{Status: types.TaskPending})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, types.E(types.KindValidation, "outcome %s has no pending tasks", outcomeID)
	}

	baseDir, err := m.ws.Ensure(outcome)
	if err != nil {
		return nil, err
	}
	if err := m.replanCapabilities(ctx, outcome); err != nil {
		return nil, err
	}
	if opts.Worktree && outcome.GitMode != types.GitModeWorktree {
		outcome.GitMode = types.GitModeWorktree
		if err := m.st.UpdateOutcome(outcome); err != nil {
			return nil, err
		}
	}

	count := opts.Workers
	if count < 1 {
		count = 1
	}
	// Serial outcomes host one worker at a time.
	if !outcome.Parallel {
		count = 1
	}

	var workers []*types.Worker
	for i := 0; i < count; i++ {
		w := &types.Worker{
			Name:      fmt.Sprintf("worker-%d", len(prior)+i+1),
			OutcomeID: outcomeID,
			Status:    types.WorkerRunning,
			StartedAt: time.Now().UTC(),
		}
		if err := m.st.CreateWorker(w); err != nil {
			return nil, err
		}

		workDir := baseDir
		if outcome.GitMode == types.GitModeWorktree {
			branch, dir, err := m.wt.Create(ctx, baseDir, outcome, w.ID)
			if err != nil {
				return nil, err
			}
			w.BranchName = branch
			workDir = dir
			if err := m.st.UpdateWorker(w); err != nil {
				return nil, err
			}
		}

		sup := newSupervisor(m, w, outcome.ID, workDir)
		m.mu.Lock()
		m.sups[w.ID] = sup
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sup.run(ctx)
			m.mu.Lock()
			delete(m.sups, sup.worker.ID)
			m.mu.Unlock()
		}()

		workers = append(workers, w)
		logging.Get(logging.CategorySupervisor).Info("worker %s started for %s (dir=%s)", w.ID, outcomeID, workDir)
	}
	return workers, nil
}

// replanCapabilities re-runs capability detection when the gate is open.
// New needs become capability tasks; an empty delta with every capability
// task completed flips the gate immediately.
func (m *Manager) replanCapabilities(ctx context.Context, outcome *types.Outcome) error {
	if outcome.CapabilityReady == types.CapabilityIsReady {
		return nil
	}

	approach := ""
	if doc, err := m.st.LatestDesignDoc(outcome.ID); err == nil {
		approach = doc.Approach
	}
	existing, err := m.ws.Scan(outcome)
	if err != nil {
		return err
	}
	tasks, err := m.st.ListTasks(outcome.ID, store.TaskFilter{})
	if err != nil {
		return err
	}

	needs, err := m.planner.DetectNew(ctx, approach, outcome.Intent.Summary, existing, tasks)
	if err != nil {
		return err
	}
	if len(needs) > 0 {
		capTasks := m.planner.CreateTasks(outcome, needs, outcome.Parallel)
		if err := m.eng.BatchCreate(capTasks); err != nil {
			return err
		}
		if err := m.st.SetCapabilityReady(outcome.ID, types.CapabilityBuilding); err != nil {
			return err
		}
		outcome.CapabilityReady = types.CapabilityBuilding
		logging.Get(logging.CategoryCapability).Info("planned %d capability task(s) for %s", len(capTasks), outcome.ID)
		return nil
	}

	flipped, err := m.eng.RefreshCapabilityGate(outcome.ID)
	if err != nil {
		return err
	}
	if flipped {
		outcome.CapabilityReady = types.CapabilityIsReady
	}
	return nil
}

// Stop signals one worker. asFailed marks the worker failed instead of
// paused; either way the in-flight LLM call is cancelled and the claimed
// task reverts to pending with attempts unchanged.
func (m *Manager) Stop(workerID string, asFailed bool) error {
	m.mu.Lock()
	sup, ok := m.sups[workerID]
	m.mu.Unlock()
	if !ok {
		return types.E(types.KindNotFound, "no running supervisor for worker %s", workerID)
	}
	sup.stop(asFailed)
	return nil
}

// Pause signals one worker to park after the current suspension point.
func (m *Manager) Pause(workerID string) error {
	m.mu.Lock()
	sup, ok := m.sups[workerID]
	m.mu.Unlock()
	if !ok {
		return types.E(types.KindNotFound, "no running supervisor for worker %s", workerID)
	}
	sup.pause()
	return nil
}

// StopAllForOutcome pauses every live worker of an outcome, preserving all
// partial progress.
func (m *Manager) StopAllForOutcome(outcomeID string) int {
	m.mu.Lock()
	var targets []*Supervisor
	for _, sup := range m.sups {
		if sup.outcomeID == outcomeID {
			targets = append(targets, sup)
		}
	}
	m.mu.Unlock()
	for _, sup := range targets {
		sup.pause()
	}
	return len(targets)
}

// WakeWorkers implements types.WorkerControl: supervisors waiting on any of
// the given tasks re-enter their loop.
func (m *Manager) WakeWorkers(taskIDs []string) {
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sup := range m.sups {
		if want[sup.currentTaskID()] {
			sup.wake()
		}
	}
}

// LiveStatus is the real-time view of one worker.
type LiveStatus struct {
	Worker          *types.Worker      `json:"worker"`
	CurrentTask     *types.Task        `json:"current_task,omitempty"`
	LastObservation *types.Observation `json:"last_observation,omitempty"`
}

// Status reads a worker's live state from the store.
func (m *Manager) Status(workerID string) (*LiveStatus, error) {
	w, err := m.st.GetWorker(workerID)
	if err != nil {
		return nil, err
	}
	ls := &LiveStatus{Worker: w}
	if w.CurrentTaskID != "" {
		if t, err := m.st.GetTask(w.CurrentTaskID); err == nil {
			ls.CurrentTask = t
		}
	}
	if w.LastObservationID != "" {
		if o, err := m.st.GetObservation(w.LastObservationID); err == nil {
			ls.LastObservation = o
		}
	}
	return ls, nil
}

// Wait blocks until every supervisor has exited.
func (m *Manager) Wait() { m.wg.Wait() }
