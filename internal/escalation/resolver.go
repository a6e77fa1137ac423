// Package escalation owns the ask-the-user path: opening questions, applying
// answers back onto tasks, and auto-resolving from prior knowledge. A task
// referenced by any pending escalation is invisible to claim until resolved.
package escalation

import (
	"time"

	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/types"
)

// DefaultAutoResolveConfidence is the floor a match must clear before the
// resolver answers without the user.
const DefaultAutoResolveConfidence = 0.8

// Resolver manages escalation lifecycle.
type Resolver struct {
	st        *store.Store
	control   types.WorkerControl // may be nil when no supervisors run in-process
	threshold float64
}

// New creates a resolver. threshold <= 0 uses the default.
func New(st *store.Store, control types.WorkerControl, threshold float64) *Resolver {
	if threshold <= 0 {
		threshold = DefaultAutoResolveConfidence
	}
	return &Resolver{st: st, control: control, threshold: threshold}
}

// Open creates a pending escalation.
func (r *Resolver) Open(outcomeID, question string, options []types.EscalationOption, affectedTasks []string, triggerType string) (*types.Escalation, error) {
	e := &types.Escalation{
		OutcomeID:     outcomeID,
		Question:      question,
		Options:       options,
		AffectedTasks: affectedTasks,
		TriggerType:   triggerType,
	}
	if err := r.st.CreateEscalation(e); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryEscalation).Info("opened %s (%s) blocking %d task(s)", e.ID, triggerType, len(affectedTasks))
	return e, nil
}

// Answer resolves a pending escalation with the selected option. Picking the
// decomposition option marks affected tasks decomposition_pending before the
// escalation resolves; any other option appends the choice (plus additional
// context) to each affected task's approach. Waiting workers are woken after
// the transaction commits.
func (r *Resolver) Answer(id, selectedOption, additionalContext string) (*types.Escalation, error) {
	var resolved *types.Escalation
	err := r.st.WithTx(func(tx *store.Tx) error {
		e, err := tx.GetEscalation(id)
		if err != nil {
			return err
		}
		if e.Status != types.EscalationPending {
			return types.E(types.KindConflict, "escalation %s is %s", id, e.Status)
		}
		opt, ok := findOption(e.Options, selectedOption)
		if !ok {
			return types.E(types.KindValidation, "escalation %s has no option %q", id, selectedOption)
		}

		if opt.ID == types.OptionBreakIntoSubtasks {
			for _, taskID := range e.AffectedTasks {
				t, err := tx.GetTask(taskID)
				if err != nil {
					return err
				}
				t.Status = types.TaskDecompositionPending
				if err := tx.UpdateTask(t); err != nil {
					return err
				}
			}
		} else {
			for _, taskID := range e.AffectedTasks {
				t, err := tx.GetTask(taskID)
				if err != nil {
					return err
				}
				t.Approach = appendContext(t.Approach, opt.Label, additionalContext)
				if err := tx.UpdateTask(t); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		e.Status = types.EscalationAnswered
		e.SelectedOption = opt.ID
		e.UserContext = additionalContext
		e.ResolvedAt = &now
		if err := tx.UpdateEscalation(e); err != nil {
			return err
		}
		resolved = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.control != nil {
		r.control.WakeWorkers(resolved.AffectedTasks)
	}
	logging.Get(logging.CategoryEscalation).Info("answered %s with %q", id, resolved.SelectedOption)
	return resolved, nil
}

// Dismiss closes a pending escalation without touching tasks.
func (r *Resolver) Dismiss(id, reason string) (*types.Escalation, error) {
	var dismissed *types.Escalation
	err := r.st.WithTx(func(tx *store.Tx) error {
		e, err := tx.GetEscalation(id)
		if err != nil {
			return err
		}
		if e.Status != types.EscalationPending {
			return types.E(types.KindConflict, "escalation %s is %s", id, e.Status)
		}
		now := time.Now().UTC()
		e.Status = types.EscalationDismissed
		e.UserContext = reason
		e.ResolvedAt = &now
		if err := tx.UpdateEscalation(e); err != nil {
			return err
		}
		dismissed = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.control != nil {
		r.control.WakeWorkers(dismissed.AffectedTasks)
	}
	return dismissed, nil
}

// AutoResolveResult counts one auto-resolve pass.
type AutoResolveResult struct {
	Resolved int `json:"resolved"`
	Deferred int `json:"deferred"`
}

// AutoResolve answers each pending escalation whose best match against the
// outcome's skill set or prior resolutions clears the confidence floor;
// everything else stays pending for the user.
func (r *Resolver) AutoResolve(outcomeID string, skills []types.Capability) (*AutoResolveResult, error) {
	pending, err := r.st.ListEscalations(outcomeID, true)
	if err != nil {
		return nil, err
	}
	history, err := r.st.ListEscalations(outcomeID, false)
	if err != nil {
		return nil, err
	}
	var resolvedHistory []*types.Escalation
	for _, h := range history {
		if h.Status == types.EscalationAnswered {
			resolvedHistory = append(resolvedHistory, h)
		}
	}

	res := &AutoResolveResult{}
	log := logging.Get(logging.CategoryEscalation)
	for _, e := range pending {
		optID, confidence := bestMatch(e, skills, resolvedHistory)
		if confidence < r.threshold {
			res.Deferred++
			continue
		}
		answered, err := r.Answer(e.ID, optID, "auto-resolved from prior knowledge")
		if err != nil {
			log.Warn("auto-resolve of %s failed: %v", e.ID, err)
			res.Deferred++
			continue
		}
		answered.Confidence = confidence
		if err := r.st.UpdateEscalation(answered); err != nil {
			return nil, err
		}
		log.Info("auto-resolved %s with %q (confidence %.2f)", e.ID, optID, confidence)
		res.Resolved++
	}
	return res, nil
}

func findOption(options []types.EscalationOption, selected string) (types.EscalationOption, bool) {
	for _, o := range options {
		if o.ID == selected || o.Label == selected {
			return o, true
		}
	}
	return types.EscalationOption{}, false
}

func appendContext(approach, optionLabel, extra string) string {
	amended := approach
	if amended != "" {
		amended += "\n\n"
	}
	amended += "Resolution: " + optionLabel
	if extra != "" {
		amended += "\n" + extra
	}
	return amended
}
