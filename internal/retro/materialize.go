package retro

import (
	"strings"

	"loom/internal/logging"
	"loom/internal/types"
)

// CreateFromProposal materializes one proposal from the outcome's latest
// completed analysis as a child outcome under the Self-Improvement parent.
// The source escalations are marked incorporated so later analyses skip
// them.
func (e *Engine) CreateFromProposal(outcomeID, proposalID string) (*types.Outcome, error) {
	proposal, err := e.findProposal(outcomeID, proposalID)
	if err != nil {
		return nil, err
	}
	return e.materialize(outcomeID, []types.ImprovementProposal{*proposal})
}

// CreateConsolidated materializes every proposal of the latest completed
// analysis as a single child outcome.
func (e *Engine) CreateConsolidated(outcomeID string) (*types.Outcome, error) {
	result, err := e.latestResult(outcomeID)
	if err != nil {
		return nil, err
	}
	if len(result.Proposals) == 0 {
		return nil, types.E(types.KindNotFound, "no proposals for %s", outcomeID)
	}
	return e.materialize(outcomeID, result.Proposals)
}

func (e *Engine) latestResult(outcomeID string) (*types.AnalysisResult, error) {
	job, err := e.st.LatestAnalysisJob(outcomeID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobCompleted || job.Result == nil {
		return nil, types.E(types.KindConflict, "latest analysis for %s is %s", outcomeID, job.Status)
	}
	return job.Result, nil
}

func (e *Engine) findProposal(outcomeID, proposalID string) (*types.ImprovementProposal, error) {
	result, err := e.latestResult(outcomeID)
	if err != nil {
		return nil, err
	}
	for i := range result.Proposals {
		if result.Proposals[i].ID == proposalID {
			return &result.Proposals[i], nil
		}
	}
	return nil, types.E(types.KindNotFound, "proposal %s", proposalID)
}

// materialize builds the child outcome, its design doc, and its tasks, then
// marks the source escalations incorporated.
func (e *Engine) materialize(sourceOutcomeID string, proposals []types.ImprovementProposal) (*types.Outcome, error) {
	parent, err := e.ensureParent()
	if err != nil {
		return nil, err
	}

	var intents, approaches, escalationIDs []string
	for _, p := range proposals {
		intents = append(intents, p.IntentSketch)
		approaches = append(approaches, p.ApproachSketch)
		escalationIDs = append(escalationIDs, p.EscalationIDs...)
	}

	child := &types.Outcome{
		Name:     "Improve: " + proposals[0].RootCause,
		ParentID: parent.ID,
		Brief:    "Derived from retrospective analysis of " + sourceOutcomeID,
		Intent: types.Intent{
			Summary:         strings.Join(intents, " "),
			SuccessCriteria: []string{"the clustered escalation patterns no longer recur"},
		},
		GitMode: types.GitModeNone,
	}
	if len(proposals) > 1 {
		child.Name = "Improve: consolidated retrospective proposals"
	}
	if err := e.st.CreateOutcome(child); err != nil {
		return nil, err
	}
	if _, err := e.st.SaveDesignDoc(child.ID, strings.Join(approaches, "\n\n")); err != nil {
		return nil, err
	}

	for _, p := range proposals {
		for _, pt := range p.Tasks {
			task := &types.Task{
				OutcomeID:   child.ID,
				Title:       pt.Title,
				Description: pt.Description,
				Priority:    pt.Priority,
				Phase:       types.PhaseExecution,
			}
			if err := e.st.CreateTask(task); err != nil {
				return nil, err
			}
		}
	}

	if err := e.st.MarkIncorporated(escalationIDs); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryRetro).Info("materialized %d proposal(s) as outcome %s", len(proposals), child.ID)
	return child, nil
}

// ensureParent finds or creates the Self-Improvement parent outcome.
func (e *Engine) ensureParent() (*types.Outcome, error) {
	outcomes, err := e.st.ListOutcomes("")
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		if o.Name == SelfImprovementName && o.ParentID == "" {
			return o, nil
		}
	}
	parent := &types.Outcome{
		Name:  SelfImprovementName,
		Brief: "Synthesized parent for retrospective improvement outcomes.",
		Intent: types.Intent{
			Summary: "Continuously reduce recurring escalations by encoding settled decisions.",
		},
		GitMode: types.GitModeNone,
	}
	if err := e.st.CreateOutcome(parent); err != nil {
		return nil, err
	}
	return parent, nil
}
