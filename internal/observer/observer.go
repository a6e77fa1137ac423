// Package observer implements the per-iteration evaluation pass. Each
// iteration's raw LLM output is scored for alignment, drift, completion, and
// ambiguity; the supervisor acts on the observation, never the observer.
package observer

import (
	"context"
	"encoding/json"
	"strings"

	"loom/internal/logging"
	"loom/internal/types"
)

// Thresholds carry the quality band cut-offs.
type Thresholds struct {
	Good int // score >= Good => good
	Poor int // score < Poor => poor
}

// DefaultThresholds matches the standard bands.
var DefaultThresholds = Thresholds{Good: 75, Poor: 40}

// QualityFor bands a score using these cut-offs.
func (t Thresholds) QualityFor(score int) types.Quality {
	switch {
	case score >= t.Good:
		return types.QualityGood
	case score >= t.Poor:
		return types.QualityNeedsWork
	default:
		return types.QualityPoor
	}
}

// Observer scores iterations. With an evaluator it delegates judgment to a
// model and validates the reply; without one, deterministic heuristics run.
// Stateless over its inputs either way.
type Observer struct {
	eval       types.Evaluator
	thresholds Thresholds
}

// New creates an observer. eval may be nil for pure-heuristic operation.
func New(eval types.Evaluator, t Thresholds) *Observer {
	if t.Good == 0 {
		t = DefaultThresholds
	}
	return &Observer{eval: eval, thresholds: t}
}

// Observe evaluates one iteration.
func (o *Observer) Observe(ctx context.Context, in types.ObserveInput) (*types.Observation, error) {
	timer := logging.StartTimer(logging.CategoryObserver, "observe")
	defer timer.Stop()

	var obs *types.Observation
	if o.eval != nil {
		evaluated, err := o.evaluate(ctx, in)
		if err != nil {
			logging.Get(logging.CategoryObserver).Warn("evaluator failed, falling back to heuristics: %v", err)
		} else {
			obs = evaluated
		}
	}
	if obs == nil {
		obs = o.heuristic(in)
	}

	o.normalize(obs, in)
	return obs, nil
}

// normalize enforces the structural contract no matter which path produced
// the observation.
func (o *Observer) normalize(obs *types.Observation, in types.ObserveInput) {
	obs.WorkerID = in.WorkerID
	if in.Task != nil {
		obs.TaskID = in.Task.ID
	}
	obs.Iteration = in.Iteration

	if obs.AlignmentScore < 0 {
		obs.AlignmentScore = 0
	}
	if obs.AlignmentScore > 100 {
		obs.AlignmentScore = 100
	}
	obs.Quality = o.thresholds.QualityFor(obs.AlignmentScore)

	// Blocker discoveries override any on-track verdict.
	for _, d := range obs.Discoveries {
		if d.Type == types.DiscoveryBlocker {
			obs.OnTrack = false
		}
	}
	if len(obs.Drift) > 0 {
		obs.OnTrack = false
	}

	if obs.Ambiguity != nil {
		obs.HasAmbiguity = true
		if obs.Ambiguity.TriggerType == "" {
			obs.Ambiguity.TriggerType = "ambiguity"
		}
		ensureOptionFloor(obs.Ambiguity)
	}
	if obs.HasAmbiguity && obs.Ambiguity == nil {
		obs.HasAmbiguity = false
	}
}

// ensureOptionFloor guarantees at least two labeled options on an ambiguity
// payload, appending decomposition as the last resort choice.
func ensureOptionFloor(a *types.Ambiguity) {
	for i, opt := range a.Options {
		if opt.ID == "" {
			a.Options[i].ID = optionID(opt.Label)
		}
	}
	if len(a.Options) >= 2 {
		return
	}
	if len(a.Options) == 0 {
		a.Options = append(a.Options, types.EscalationOption{ID: "proceed", Label: "proceed with the current approach"})
	}
	a.Options = append(a.Options, types.EscalationOption{
		ID:    types.OptionBreakIntoSubtasks,
		Label: "break into subtasks",
	})
}

func optionID(label string) string {
	id := strings.ToLower(strings.TrimSpace(label))
	id = strings.ReplaceAll(id, " ", "_")
	if len(id) > 40 {
		id = id[:40]
	}
	return id
}

// =============================================================================
// EVALUATOR PATH
// =============================================================================

// verdict is the JSON the evaluator must return.
type verdict struct {
	AlignmentScore int               `json:"alignment_score"`
	OnTrack        bool              `json:"on_track"`
	TaskComplete   bool              `json:"task_complete"`
	Drift          []string          `json:"drift"`
	Issues         []string          `json:"issues"`
	Discoveries    []types.Discovery `json:"discoveries"`
	Ambiguity      *types.Ambiguity  `json:"ambiguity"`
}

const evaluatorSystem = `You are an alignment observer for an autonomous coding worker.
Given the goal, the task, and the worker's latest output, reply with ONLY a JSON object:
{"alignment_score":0-100,"on_track":bool,"task_complete":bool,"drift":["..."],"issues":["..."],
"discoveries":[{"type":"pattern|constraint|insight|blocker","content":"..."}],
"ambiguity":{"question":"...","options":[{"id":"...","label":"..."}],"trigger_type":"..."} or null}
Report ambiguity only when the output explicitly asks for a user decision.`

func (o *Observer) evaluate(ctx context.Context, in types.ObserveInput) (*types.Observation, error) {
	var b strings.Builder
	if in.Outcome != nil {
		b.WriteString("Goal: " + in.Outcome.Intent.Summary + "\n")
	}
	b.WriteString("Approach: " + in.Approach + "\n")
	if in.Task != nil {
		b.WriteString("Task: " + in.Task.Title + "\nTask intent: " + in.Task.Intent + "\nTask approach: " + in.Task.Approach + "\n")
	}
	b.WriteString("\nWorker output:\n" + in.RawOutput)

	reply, err := o.eval.Complete(ctx, evaluatorSystem, b.String())
	if err != nil {
		return nil, err
	}
	reply = strings.TrimSpace(reply)
	if i := strings.IndexByte(reply, '{'); i >= 0 {
		if j := strings.LastIndexByte(reply, '}'); j > i {
			reply = reply[i : j+1]
		}
	}
	var v verdict
	if err := json.Unmarshal([]byte(reply), &v); err != nil {
		return nil, types.Wrap(types.KindLLMTransient, err, "unparseable observer verdict")
	}
	return &types.Observation{
		AlignmentScore: v.AlignmentScore,
		OnTrack:        v.OnTrack,
		TaskComplete:   v.TaskComplete,
		Drift:          v.Drift,
		Issues:         v.Issues,
		Discoveries:    v.Discoveries,
		Ambiguity:      v.Ambiguity,
	}, nil
}
