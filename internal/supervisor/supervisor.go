package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
)

// Supervisor drives one worker: a cooperative loop of claim, invoke,
// observe, act. Stop and pause are honored at every suspension point:
// before claim, before invocation, during invocation, and while waiting on
// an escalation.
type Supervisor struct {
	m         *Manager
	worker    *types.Worker
	outcomeID string
	workDir   string

	mu           sync.Mutex
	taskID       string
	cancelInvoke context.CancelFunc
	stopRequest  bool
	stopAsFailed bool
	pauseRequest bool

	signalCh chan struct{} // pulsed on stop/pause
	wakeCh   chan struct{} // pulsed on escalation resolution

	poorStreak int
}

func newSupervisor(m *Manager, w *types.Worker, outcomeID, workDir string) *Supervisor {
	return &Supervisor{
		m:         m,
		worker:    w,
		outcomeID: outcomeID,
		workDir:   workDir,
		signalCh:  make(chan struct{}, 1),
		wakeCh:    make(chan struct{}, 1),
	}
}

func (s *Supervisor) currentTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

func (s *Supervisor) setTask(id string) {
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}

// stop requests termination. The claimed task reverts to pending with
// attempts unchanged.
func (s *Supervisor) stop(asFailed bool) {
	s.mu.Lock()
	s.stopRequest = true
	s.stopAsFailed = asFailed
	cancel := s.cancelInvoke
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	pulse(s.signalCh)
}

// pause requests parking with state persisted.
func (s *Supervisor) pause() {
	s.mu.Lock()
	s.pauseRequest = true
	cancel := s.cancelInvoke
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	pulse(s.signalCh)
}

// wake unblocks an escalation wait.
func (s *Supervisor) wake() { pulse(s.wakeCh) }

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// interrupted reports a pending stop or pause request.
func (s *Supervisor) interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequest || s.pauseRequest
}

// =============================================================================
// LOOP
// =============================================================================

func (s *Supervisor) run(ctx context.Context) {
	log := logging.Get(logging.CategorySupervisor)
	for {
		if s.handleSignals(ctx) {
			return
		}

		s.worker.Iteration++
		s.persistWorker()

		task, done := s.nextTask(ctx, log)
		if done {
			return
		}
		if task == nil {
			continue // gate flipped, retry claim
		}

		s.appendProgress(task.ID, "claiming next task: "+task.Title, "", "")

		if s.handleSignals(ctx) {
			return
		}

		prompt, err := s.buildPrompt(task)
		if err != nil {
			log.Error("worker %s: prompt build failed: %v", s.worker.ID, err)
			s.park(types.WorkerFailed)
			return
		}

		res, err := s.invoke(ctx, prompt)
		if err != nil {
			if s.handleSignals(ctx) {
				return
			}
			if ctx.Err() != nil {
				s.park(types.WorkerPaused)
				return
			}
			// Transient sidecar failure counts as a failed attempt.
			s.appendProgress(task.ID, "iteration failed: "+err.Error(), "", "")
			if _, ferr := s.m.eng.Fail(task.ID, s.worker.ID); ferr != nil {
				log.Error("worker %s: fail transition: %v", s.worker.ID, ferr)
			}
			s.setTask("")
			continue
		}

		s.worker.CostUSD += res.CostUSD
		obs, err := s.observe(ctx, task, res.Text)
		if err != nil {
			log.Error("worker %s: observation failed: %v", s.worker.ID, err)
			s.park(types.WorkerFailed)
			return
		}
		s.appendProgress(task.ID, iterationSummary(obs), res.Text, obs.ID)
		s.compactIfNeeded(task.ID)

		if cont := s.act(ctx, task, obs); !cont {
			return
		}

		if s.m.cfg.MaxIterations > 0 && s.worker.Iteration >= s.m.cfg.MaxIterations {
			log.Warn("worker %s hit the iteration cap (%d)", s.worker.ID, s.m.cfg.MaxIterations)
			s.park(types.WorkerPaused)
			return
		}
		if s.m.cfg.IterationDelay > 0 {
			select {
			case <-time.After(s.m.cfg.IterationDelay):
			case <-ctx.Done():
				s.park(types.WorkerPaused)
				return
			case <-s.signalCh:
				pulse(s.signalCh) // re-deliver for handleSignals
			}
		}
	}
}

// nextTask returns the task to iterate on: the current claim if still live,
// otherwise a fresh claim. (nil, true) means the loop should exit; (nil,
// false) means retry after a capability-gate flip.
func (s *Supervisor) nextTask(ctx context.Context, log *logging.Logger) (*types.Task, bool) {
	if id := s.currentTaskID(); id != "" {
		task, err := s.m.st.GetTask(id)
		if err == nil && task.ClaimedBy == s.worker.ID &&
			(task.Status == types.TaskClaimed || task.Status == types.TaskRunning) {
			return task, false
		}
		s.setTask("")
	}

	task, err := s.m.eng.Claim(s.outcomeID, s.worker.ID)
	if errors.Is(err, types.ErrNoEligibleTask) {
		outcome, oerr := s.m.st.GetOutcome(s.outcomeID)
		if oerr == nil && outcome.CapabilityReady != types.CapabilityIsReady {
			if rerr := s.m.replanCapabilities(ctx, outcome); rerr == nil && outcome.CapabilityReady == types.CapabilityIsReady {
				return nil, false
			}
		}
		s.finalize(ctx)
		return nil, true
	}
	if err != nil {
		log.Error("worker %s: claim failed: %v", s.worker.ID, err)
		s.park(types.WorkerFailed)
		return nil, true
	}

	s.setTask(task.ID)
	s.worker.CurrentTaskID = task.ID
	s.persistWorker()
	if err := s.m.eng.Run(task.ID, s.worker.ID); err != nil {
		log.Error("worker %s: run transition: %v", s.worker.ID, err)
	}
	return task, false
}

// invoke runs one sidecar call with a cancellation handle registered so stop
// and pause can kill it mid-flight.
func (s *Supervisor) invoke(ctx context.Context, prompt string) (*types.RunResult, error) {
	invokeCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelInvoke = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelInvoke = nil
		s.mu.Unlock()
	}()

	return s.m.runner.Run(invokeCtx, types.RunRequest{
		Prompt:  prompt,
		WorkDir: s.workDir,
		Timeout: s.m.runTime,
	})
}

func (s *Supervisor) observe(ctx context.Context, task *types.Task, rawOutput string) (*types.Observation, error) {
	outcome, err := s.m.st.GetOutcome(s.outcomeID)
	if err != nil {
		return nil, err
	}
	approach := ""
	if doc, err := s.m.st.LatestDesignDoc(s.outcomeID); err == nil {
		approach = doc.Approach
	}
	caps, err := s.m.ws.Scan(outcome)
	if err != nil {
		return nil, err
	}

	obs, err := s.m.observer.Observe(ctx, types.ObserveInput{
		Outcome:      outcome,
		Task:         task,
		WorkerID:     s.worker.ID,
		Iteration:    s.worker.Iteration,
		RawOutput:    rawOutput,
		Approach:     approach,
		Capabilities: caps,
	})
	if err != nil {
		return nil, err
	}
	if err := s.m.st.SaveObservation(obs); err != nil {
		return nil, err
	}
	s.worker.LastObservationID = obs.ID
	s.persistWorker()
	return obs, nil
}

// act applies one observation. Returns false when the loop must exit.
func (s *Supervisor) act(ctx context.Context, task *types.Task, obs *types.Observation) bool {
	log := logging.Get(logging.CategorySupervisor)

	if obs.HasAmbiguity {
		return s.escalate(ctx, task, obs)
	}

	if obs.TaskComplete {
		if err := s.m.eng.Complete(task.ID, s.worker.ID); err != nil {
			log.Error("worker %s: complete failed: %v", s.worker.ID, err)
		}
		s.setTask("")
		s.worker.CurrentTaskID = ""
		s.poorStreak = 0
		s.persistWorker()

		if task.Phase == types.PhaseCapability {
			if outcome, err := s.m.st.GetOutcome(s.outcomeID); err == nil {
				if err := s.m.replanCapabilities(ctx, outcome); err != nil {
					log.Warn("worker %s: capability replan: %v", s.worker.ID, err)
				}
			}
		}
		return true
	}

	if obs.Quality == types.QualityPoor || !obs.OnTrack {
		s.poorStreak++
	} else {
		s.poorStreak = 0
	}
	if s.poorStreak >= 2 {
		log.Warn("worker %s: task %s off track for %d iterations, failing attempt", s.worker.ID, task.ID, s.poorStreak)
		if _, err := s.m.eng.Fail(task.ID, s.worker.ID); err != nil {
			log.Error("worker %s: fail transition: %v", s.worker.ID, err)
		}
		s.setTask("")
		s.worker.CurrentTaskID = ""
		s.poorStreak = 0
		s.persistWorker()
	}
	return true
}

// handleSignals parks the worker if a stop or pause is pending. Returns true
// when the loop must exit.
func (s *Supervisor) handleSignals(ctx context.Context) bool {
	select {
	case <-s.signalCh:
	default:
	}
	if ctx.Err() != nil {
		s.park(types.WorkerPaused)
		return true
	}
	s.mu.Lock()
	stop, asFailed, pausing := s.stopRequest, s.stopAsFailed, s.pauseRequest
	s.mu.Unlock()
	switch {
	case stop && asFailed:
		s.park(types.WorkerFailed)
		return true
	case stop || pausing:
		s.park(types.WorkerPaused)
		return true
	}
	return false
}

// park releases the current claim (attempts unchanged) and records the
// terminal-for-now worker state.
func (s *Supervisor) park(status types.WorkerStatus) {
	if id := s.currentTaskID(); id != "" {
		if err := s.m.eng.Release(id); err != nil {
			logging.Get(logging.CategorySupervisor).Error("worker %s: release %s: %v", s.worker.ID, id, err)
		}
		s.setTask("")
	}
	now := time.Now().UTC()
	s.worker.Status = status
	s.worker.CurrentTaskID = ""
	s.worker.StoppedAt = &now
	s.persistWorker()
	logging.Get(logging.CategorySupervisor).Info("worker %s parked as %s after %d iteration(s)", s.worker.ID, status, s.worker.Iteration)
}

// finalize runs when no task is claimable: completed if the outcome has
// fully drained and converged, idle otherwise. Worktree workers enqueue
// their branch for merge either way.
func (s *Supervisor) finalize(ctx context.Context) {
	if s.worker.BranchName != "" {
		if _, err := s.m.wt.Enqueue(s.outcomeID, s.worker.ID, s.worker.BranchName); err != nil {
			logging.Get(logging.CategorySupervisor).Warn("worker %s: merge enqueue: %v", s.worker.ID, err)
		}
	}

	status := types.WorkerIdle
	outcome, err := s.m.st.GetOutcome(s.outcomeID)
	if err == nil {
		stats, serr := s.m.st.TaskStats(s.outcomeID)
		drained := serr == nil &&
			stats.ByStatus[types.TaskPending] == 0 &&
			stats.ByStatus[types.TaskClaimed] == 0 &&
			stats.ByStatus[types.TaskRunning] == 0
		if drained && outcome.Convergence.ConsecutiveZeroIssues >= 2 {
			status = types.WorkerCompleted
		}
	}

	now := time.Now().UTC()
	s.worker.Status = status
	s.worker.CurrentTaskID = ""
	s.worker.StoppedAt = &now
	s.persistWorker()
	logging.Get(logging.CategorySupervisor).Info("worker %s finalized as %s", s.worker.ID, status)
}

func (s *Supervisor) persistWorker() {
	if err := s.m.st.UpdateWorker(s.worker); err != nil {
		logging.Get(logging.CategorySupervisor).Error("worker %s: persist: %v", s.worker.ID, err)
	}
}

func (s *Supervisor) appendProgress(taskID, content, rawOutput, observationID string) {
	_, err := s.m.st.AppendProgress(&types.ProgressEntry{
		WorkerID:      s.worker.ID,
		Iteration:     s.worker.Iteration,
		TaskID:        taskID,
		Content:       content,
		RawOutput:     rawOutput,
		ObservationID: observationID,
	})
	if err != nil {
		logging.Get(logging.CategorySupervisor).Error("worker %s: progress append: %v", s.worker.ID, err)
	}
}

// compactIfNeeded folds the raw progress window into a summary entry once it
// grows past the configured size. Old entries are never mutated; compaction
// appends.
func (s *Supervisor) compactIfNeeded(taskID string) {
	window := s.m.cfg.ProgressWindow
	if window <= 0 {
		return
	}
	afterID := int64(0)
	if last, err := s.m.st.LatestCompactedEntry(s.worker.ID); err == nil && last != nil {
		afterID = last.ID
	}
	entries, err := s.m.st.ListProgress(s.worker.ID, afterID)
	if err != nil || len(entries) < window {
		return
	}

	summary := summarizeEntries(entries)
	if _, err := s.m.st.AppendProgress(&types.ProgressEntry{
		WorkerID:  s.worker.ID,
		Iteration: s.worker.Iteration,
		TaskID:    taskID,
		Content:   summary,
		Compacted: true,
	}); err != nil {
		logging.Get(logging.CategorySupervisor).Error("worker %s: compaction: %v", s.worker.ID, err)
	}
	s.worker.ProgressSummary = summary
	s.persistWorker()
}

// =============================================================================
// ESCALATION WAIT
// =============================================================================

// escalate opens an escalation for the observed ambiguity and parks the
// worker in waiting until the resolver wakes it. Returns false when the loop
// must exit instead of continuing.
func (s *Supervisor) escalate(ctx context.Context, task *types.Task, obs *types.Observation) bool {
	log := logging.Get(logging.CategorySupervisor)
	esc, err := s.m.resolver.Open(s.outcomeID, obs.Ambiguity.Question, obs.Ambiguity.Options,
		[]string{task.ID}, obs.Ambiguity.TriggerType)
	if err != nil {
		log.Error("worker %s: escalation open: %v", s.worker.ID, err)
		return true
	}

	s.worker.Status = types.WorkerWaiting
	s.persistWorker()
	s.appendProgress(task.ID, "waiting on escalation: "+esc.Question, "", "")

	poll := s.m.cfg.EscalationPoll
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.park(types.WorkerPaused)
			return false
		case <-s.signalCh:
			pulse(s.signalCh)
			if s.handleSignals(ctx) {
				return false
			}
		case <-s.wakeCh:
		case <-ticker.C:
		}

		current, err := s.m.st.GetEscalation(esc.ID)
		if err != nil {
			log.Error("worker %s: escalation poll: %v", s.worker.ID, err)
			s.park(types.WorkerFailed)
			return false
		}
		if current.Status == types.EscalationPending {
			continue
		}

		s.worker.Status = types.WorkerRunning
		s.persistWorker()
		return s.resumeAfterEscalation(task, current)
	}
}

// resumeAfterEscalation re-reads the task and either decomposes it or keeps
// iterating with the amended approach.
func (s *Supervisor) resumeAfterEscalation(task *types.Task, esc *types.Escalation) bool {
	log := logging.Get(logging.CategorySupervisor)
	current, err := s.m.st.GetTask(task.ID)
	if err != nil {
		s.setTask("")
		return true
	}

	if current.Status == types.TaskDecompositionPending {
		current.Status = types.TaskDecompositionInProgress
		if err := s.m.st.UpdateTask(current); err != nil {
			log.Error("worker %s: decomposition transition: %v", s.worker.ID, err)
		}
		subtasks := generateSubtasks(current, esc)
		if err := s.m.eng.Decompose(current.ID, subtasks); err != nil {
			log.Error("worker %s: decomposition: %v", s.worker.ID, err)
		}
		s.setTask("")
		s.worker.CurrentTaskID = ""
		s.persistWorker()
	}
	return true
}

// generateSubtasks splits a task into a linear design/implement/verify chain
// that together satisfies the original.
func generateSubtasks(task *types.Task, esc *types.Escalation) []*types.Task {
	note := ""
	if esc != nil && esc.UserContext != "" {
		note = "\nContext from escalation: " + esc.UserContext
	}
	design := &types.Task{
		ID:       types.NewID(types.PrefixTask),
		Title:    "Design: " + task.Title,
		Intent:   "Settle the open questions and sketch the approach for: " + task.Intent,
		Approach: task.Approach + note,
	}
	implement := &types.Task{
		ID:        types.NewID(types.PrefixTask),
		Title:     "Implement: " + task.Title,
		Intent:    task.Intent,
		Approach:  task.Approach + note,
		DependsOn: []string{design.ID},
	}
	verify := &types.Task{
		ID:        types.NewID(types.PrefixTask),
		Title:     "Verify: " + task.Title,
		Intent:    "Confirm the implementation satisfies: " + task.Intent,
		DependsOn: []string{implement.ID},
	}
	return []*types.Task{design, implement, verify}
}
