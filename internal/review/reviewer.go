// Package review audits an outcome against its acceptance and success
// criteria, files remediation tasks for issues, and tracks convergence: two
// consecutive zero-issue cycles with all criteria passing achieves the
// outcome.
package review

import (
	"context"
	"strings"

	"loom/internal/engine"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
	"loom/internal/workspace"
)

// DefaultConvergenceWindow is how many consecutive zero-issue cycles achieve
// an outcome.
const DefaultConvergenceWindow = 2

// Reviewer runs review cycles.
type Reviewer struct {
	st     *store.Store
	eng    *engine.Engine
	ws     *workspace.Manager
	eval   types.Evaluator // optional
	window int
}

// New creates a reviewer. window <= 0 uses the default.
func New(st *store.Store, eng *engine.Engine, ws *workspace.Manager, eval types.Evaluator, window int) *Reviewer {
	if window <= 0 {
		window = DefaultConvergenceWindow
	}
	return &Reviewer{st: st, eng: eng, ws: ws, eval: eval, window: window}
}

// Review runs one cycle. criteriaOnly skips issue discovery and remediation
// and leaves convergence untouched.
func (r *Reviewer) Review(ctx context.Context, outcomeID string, criteriaOnly bool) (*types.ReviewCycle, error) {
	timer := logging.StartTimer(logging.CategoryReview, "review")
	defer timer.Stop()

	outcome, err := r.st.GetOutcome(outcomeID)
	if err != nil {
		return nil, err
	}
	tasks, err := r.st.ListTasks(outcomeID, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	outputs, err := r.ws.Outputs(outcome)
	if err != nil {
		return nil, err
	}
	ev := gatherEvidence(tasks, outputs)

	cycle := &types.ReviewCycle{
		OutcomeID:    outcomeID,
		CriteriaOnly: criteriaOnly,
	}

	for _, item := range outcome.Intent.Items {
		for _, crit := range item.AcceptanceCriteria {
			cycle.ItemResults = append(cycle.ItemResults, r.evaluateCriterion(ctx, outcome, item.ID, crit, ev))
		}
	}
	for _, crit := range outcome.Intent.SuccessCriteria {
		cycle.CriteriaResults = append(cycle.CriteriaResults, r.evaluateCriterion(ctx, outcome, "", crit, ev))
	}
	cycle.AllCriteriaPass = allPass(cycle.ItemResults) && allPass(cycle.CriteriaResults)

	if !criteriaOnly {
		cycle.Issues = r.findIssues(cycle, tasks)
		cycle.IssuesFound = len(cycle.Issues)
	}

	if err := r.st.SaveReviewCycle(cycle); err != nil {
		return nil, err
	}

	if !criteriaOnly {
		if err := r.remediate(cycle, tasks); err != nil {
			return nil, err
		}
		if err := r.updateConvergence(outcome, cycle); err != nil {
			return nil, err
		}
	}

	logging.Get(logging.CategoryReview).Info("cycle %d for %s: issues=%d, criteria_pass=%v",
		cycle.CycleIndex, outcomeID, cycle.IssuesFound, cycle.AllCriteriaPass)
	return cycle, nil
}

// Latest returns the newest cycle for an outcome.
func (r *Reviewer) Latest(outcomeID string) (*types.ReviewCycle, error) {
	return r.st.LatestReviewCycle(outcomeID)
}

// findIssues derives the issue list. Failing criteria are medium; permanently
// failed tasks are high.
func (r *Reviewer) findIssues(cycle *types.ReviewCycle, tasks []*types.Task) []types.ReviewIssue {
	var issues []types.ReviewIssue
	for _, res := range append(append([]types.CriterionResult{}, cycle.ItemResults...), cycle.CriteriaResults...) {
		if !res.Passed {
			issues = append(issues, types.ReviewIssue{
				Severity:    types.SeverityMedium,
				Description: "criterion not met: " + res.Criterion,
				ItemID:      res.ItemID,
			})
		}
	}
	for _, t := range tasks {
		if t.Status == types.TaskFailed && t.Attempts >= t.MaxAttempts {
			issues = append(issues, types.ReviewIssue{
				Severity:    types.SeverityHigh,
				Description: "task exhausted retries: " + t.Title,
			})
		}
	}
	return issues
}

// remediate files one task per medium-or-worse issue, priced below every
// currently claimable task so in-flight work drains first.
func (r *Reviewer) remediate(cycle *types.ReviewCycle, tasks []*types.Task) error {
	floor := 0
	for _, t := range tasks {
		switch t.Status {
		case types.TaskPending, types.TaskClaimed, types.TaskRunning:
			if t.Priority > floor {
				floor = t.Priority
			}
		}
	}

	var remediation []*types.Task
	for _, issue := range cycle.Issues {
		if !types.SeverityAtLeast(issue.Severity, types.SeverityMedium) {
			continue
		}
		remediation = append(remediation, &types.Task{
			OutcomeID:   cycle.OutcomeID,
			Title:       "Remediate: " + issue.Description,
			Intent:      issue.Description,
			Priority:    floor + 10,
			Phase:       types.PhaseExecution,
			FromReview:  true,
			ReviewCycle: cycle.CycleIndex,
		})
	}
	if len(remediation) == 0 {
		return nil
	}
	if err := r.eng.BatchCreate(remediation); err != nil {
		return err
	}
	for _, t := range remediation {
		cycle.RemediationTasks = append(cycle.RemediationTasks, t.ID)
	}
	return r.st.UpdateReviewCycle(cycle)
}

// updateConvergence advances or resets the zero-issue streak and achieves
// the outcome once the window closes with all criteria passing.
func (r *Reviewer) updateConvergence(outcome *types.Outcome, cycle *types.ReviewCycle) error {
	return r.st.WithTx(func(tx *store.Tx) error {
		o, err := tx.GetOutcome(outcome.ID)
		if err != nil {
			return err
		}
		if cycle.IssuesFound == 0 {
			o.Convergence.ConsecutiveZeroIssues++
		} else {
			o.Convergence.ConsecutiveZeroIssues = 0
		}
		o.Convergence.LastCycleIndex = cycle.CycleIndex

		if o.Convergence.ConsecutiveZeroIssues >= r.window && cycle.AllCriteriaPass {
			o.Status = types.OutcomeAchieved
			logging.Get(logging.CategoryReview).Info("outcome %s achieved after cycle %d", o.ID, cycle.CycleIndex)
		}
		return tx.UpdateOutcome(o)
	})
}

// Converged reports whether the outcome's streak satisfies the window.
func (r *Reviewer) Converged(o *types.Outcome) bool {
	return o.Convergence.ConsecutiveZeroIssues >= r.window
}

// =============================================================================
// CRITERION EVALUATION
// =============================================================================

// evidence is the material a criterion is judged against.
type evidence struct {
	completedTasks []*types.Task
	outputs        []string
	text           string // lowercased concatenation for matching
}

func gatherEvidence(tasks []*types.Task, outputs []string) *evidence {
	ev := &evidence{outputs: outputs}
	var b strings.Builder
	for _, t := range tasks {
		if t.Status != types.TaskCompleted {
			continue
		}
		ev.completedTasks = append(ev.completedTasks, t)
		b.WriteString(strings.ToLower(t.Title + " " + t.Intent + " " + t.Approach + " " + t.Description))
		b.WriteByte('\n')
	}
	for _, out := range outputs {
		b.WriteString(strings.ToLower(out))
		b.WriteByte('\n')
	}
	ev.text = b.String()
	return ev
}

func (r *Reviewer) evaluateCriterion(ctx context.Context, outcome *types.Outcome, itemID, criterion string, ev *evidence) types.CriterionResult {
	if r.eval != nil {
		if res, err := r.evaluateWithModel(ctx, outcome, itemID, criterion, ev); err == nil {
			return res
		} else {
			logging.Get(logging.CategoryReview).Warn("evaluator criterion check failed, using heuristics: %v", err)
		}
	}
	return heuristicCriterion(itemID, criterion, ev)
}

// heuristicCriterion passes a criterion when completed work covers its
// significant words. No completed work means nothing can pass.
func heuristicCriterion(itemID, criterion string, ev *evidence) types.CriterionResult {
	res := types.CriterionResult{ItemID: itemID, Criterion: criterion}
	if len(ev.completedTasks) == 0 && len(ev.outputs) == 0 {
		res.Evidence = "no completed work to evaluate"
		return res
	}

	words := significantWords(criterion)
	matched := 0
	for _, w := range words {
		if strings.Contains(ev.text, w) {
			matched++
		}
	}
	if len(words) == 0 || matched*2 >= len(words) {
		res.Passed = true
		res.Evidence = evidenceSummary(ev)
	} else {
		res.Evidence = "no completed task or output addresses this criterion"
	}
	return res
}

func (r *Reviewer) evaluateWithModel(ctx context.Context, outcome *types.Outcome, itemID, criterion string, ev *evidence) (types.CriterionResult, error) {
	const system = `You judge whether a success criterion is met by the completed work. Reply with exactly "PASS: <evidence>" or "FAIL: <reason>".`
	var b strings.Builder
	b.WriteString("Goal: " + outcome.Intent.Summary + "\nCriterion: " + criterion + "\n\nCompleted work:\n")
	for _, t := range ev.completedTasks {
		b.WriteString("- " + t.Title + "\n")
	}
	b.WriteString("\nOutputs:\n")
	for _, out := range ev.outputs {
		b.WriteString("- " + out + "\n")
	}

	reply, err := r.eval.Complete(ctx, system, b.String())
	if err != nil {
		return types.CriterionResult{}, err
	}
	reply = strings.TrimSpace(reply)
	res := types.CriterionResult{ItemID: itemID, Criterion: criterion}
	switch {
	case strings.HasPrefix(reply, "PASS"):
		res.Passed = true
		res.Evidence = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(reply, "PASS"), ":"))
	case strings.HasPrefix(reply, "FAIL"):
		res.Evidence = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(reply, "FAIL"), ":"))
	default:
		return types.CriterionResult{}, types.E(types.KindLLMTransient, "unparseable criterion verdict")
	}
	return res, nil
}

func evidenceSummary(ev *evidence) string {
	var names []string
	for _, t := range ev.completedTasks {
		names = append(names, t.Title)
	}
	if len(names) > 3 {
		names = names[:3]
	}
	return "covered by: " + strings.Join(names, "; ")
}

func significantWords(s string) []string {
	stop := map[string]bool{"can": true, "the": true, "and": true, "with": true, "for": true, "that": true, "are": true, "has": true, "have": true, "items": true, "item": true}
	var words []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'")
		if len(w) > 2 && !stop[w] {
			words = append(words, w)
		}
	}
	return words
}

func allPass(results []types.CriterionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
