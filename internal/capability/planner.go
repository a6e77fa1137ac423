// Package capability extracts skill/tool needs from an outcome's approach
// text and materializes the capability-phase tasks that gate execution.
package capability

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"loom/internal/logging"
	"loom/internal/types"
)

// Capability tasks sort ahead of execution work. Anything the user creates
// with the default priority (10) comes after.
const capabilityTaskPriority = 1

// Planner turns approach text into capability needs and tasks. The optional
// evaluator refines heuristic extraction; without one, pattern matching alone
// decides.
type Planner struct {
	eval types.Evaluator
}

// NewPlanner creates a planner. eval may be nil.
func NewPlanner(eval types.Evaluator) *Planner {
	return &Planner{eval: eval}
}

// apiMention matches "<Name> API" and "the <name> service" style references
// in approach text.
var apiMention = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z0-9_-]*)\s+API\b`)

// toolMention matches explicit tool callouts like "using the foo tool" or
// "a script to frobnicate".
var toolMention = regexp.MustCompile(`(?i)\b(?:using|with|via)\s+(?:the\s+)?([a-z][a-z0-9_-]+)\s+(?:tool|cli|script)\b`)

// Analyze extracts capability needs from the approach and intent text,
// deduplicated against the outcome's existing capability set.
func (p *Planner) Analyze(ctx context.Context, approach, intentSummary string, existing []types.Capability) ([]types.CapabilityNeed, error) {
	timer := logging.StartTimer(logging.CategoryCapability, "analyze")
	defer timer.Stop()

	needs := extractNeeds(approach + "\n" + intentSummary)

	if p.eval != nil {
		refined, err := p.refine(ctx, approach, intentSummary)
		if err != nil {
			logging.Get(logging.CategoryCapability).Warn("evaluator refinement failed, using heuristics: %v", err)
		} else {
			needs = mergeNeeds(needs, refined)
		}
	}

	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.Ref()] = true
	}
	out := needs[:0]
	for _, n := range needs {
		if !have[n.Ref()] {
			out = append(out, n)
		}
	}
	return out, nil
}

// DetectNew is Analyze restricted to the delta: needs already covered by a
// capability task in the outcome, completed or not, are excluded too.
func (p *Planner) DetectNew(ctx context.Context, approach, intentSummary string, existing []types.Capability, tasks []*types.Task) ([]types.CapabilityNeed, error) {
	needs, err := p.Analyze(ctx, approach, intentSummary, existing)
	if err != nil {
		return nil, err
	}

	planned := make(map[string]bool)
	for _, t := range tasks {
		if t.Phase != types.PhaseCapability {
			continue
		}
		for _, ref := range t.RequiredCapabilities {
			planned[ref] = true
		}
		planned[string(t.CapabilityType)+":"+capabilityNameFromTitle(t.Title)] = true
	}

	out := needs[:0]
	for _, n := range needs {
		if !planned[n.Ref()] {
			out = append(out, n)
		}
	}
	return out, nil
}

// CreateTasks materializes one capability task per need. Parallel needs get
// no dependencies among themselves; otherwise each task depends on the
// previous, forming a chain.
func (p *Planner) CreateTasks(outcome *types.Outcome, needs []types.CapabilityNeed, parallel bool) []*types.Task {
	tasks := make([]*types.Task, 0, len(needs))
	var prev string
	for _, n := range needs {
		t := &types.Task{
			ID:             types.NewID(types.PrefixTask),
			OutcomeID:      outcome.ID,
			Title:          "Build " + string(n.Type) + ": " + n.Name,
			Description:    n.Reason,
			Intent:         "Provide the " + n.Ref() + " capability for this outcome.",
			Priority:       capabilityTaskPriority,
			Phase:          types.PhaseCapability,
			CapabilityType: n.Type,
			Status:         types.TaskPending,
			MaxAttempts:    types.DefaultMaxAttempts,
		}
		if !parallel && prev != "" {
			t.DependsOn = []string{prev}
		}
		prev = t.ID
		tasks = append(tasks, t)
	}
	return tasks
}

// Satisfied reports whether every referenced capability is present in the
// outcome's capability set.
func Satisfied(refs []string, caps []types.Capability) bool {
	if len(refs) == 0 {
		return true
	}
	have := make(map[string]bool, len(caps))
	for _, c := range caps {
		have[c.Ref()] = true
	}
	for _, ref := range refs {
		if !have[ref] {
			return false
		}
	}
	return true
}

// extractNeeds runs the pattern matchers over free text.
func extractNeeds(text string) []types.CapabilityNeed {
	seen := make(map[string]bool)
	var needs []types.CapabilityNeed

	for _, m := range apiMention.FindAllStringSubmatch(text, -1) {
		name := normalizeName(m[1]) + "-api"
		n := types.CapabilityNeed{Type: types.CapabilitySkill, Name: name, Reason: "approach references the " + m[1] + " API"}
		if !seen[n.Ref()] {
			seen[n.Ref()] = true
			needs = append(needs, n)
		}
	}
	for _, m := range toolMention.FindAllStringSubmatch(text, -1) {
		n := types.CapabilityNeed{Type: types.CapabilityTool, Name: normalizeName(m[1]), Reason: "approach references the " + m[1] + " tool"}
		if !seen[n.Ref()] {
			seen[n.Ref()] = true
			needs = append(needs, n)
		}
	}

	sort.Slice(needs, func(i, j int) bool { return needs[i].Ref() < needs[j].Ref() })
	return needs
}

// refine asks the evaluator for needs the patterns missed. The reply must be
// a JSON array of {type, name, reason}; anything else is discarded.
func (p *Planner) refine(ctx context.Context, approach, intentSummary string) ([]types.CapabilityNeed, error) {
	const system = "You extract external capability requirements (skills for APIs/services, tools for scripts) from a plan. Reply with a JSON array of {\"type\":\"skill\"|\"tool\",\"name\":\"kebab-case\",\"reason\":\"...\"}. Reply [] when none."
	reply, err := p.eval.Complete(ctx, system, "Intent: "+intentSummary+"\n\nApproach: "+approach)
	if err != nil {
		return nil, err
	}

	reply = strings.TrimSpace(reply)
	if i := strings.IndexByte(reply, '['); i >= 0 {
		if j := strings.LastIndexByte(reply, ']'); j > i {
			reply = reply[i : j+1]
		}
	}
	var needs []types.CapabilityNeed
	if err := json.Unmarshal([]byte(reply), &needs); err != nil {
		return nil, types.Wrap(types.KindLLMTransient, err, "unparseable capability extraction")
	}
	valid := needs[:0]
	for _, n := range needs {
		if n.Name == "" {
			continue
		}
		if n.Type != types.CapabilitySkill && n.Type != types.CapabilityTool {
			continue
		}
		n.Name = normalizeName(n.Name)
		valid = append(valid, n)
	}
	return valid, nil
}

func mergeNeeds(a, b []types.CapabilityNeed) []types.CapabilityNeed {
	seen := make(map[string]bool, len(a))
	for _, n := range a {
		seen[n.Ref()] = true
	}
	for _, n := range b {
		if !seen[n.Ref()] {
			seen[n.Ref()] = true
			a = append(a, n)
		}
	}
	sort.Slice(a, func(i, j int) bool { return a[i].Ref() < a[j].Ref() })
	return a
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	return s
}

// capabilityNameFromTitle recovers the need name from a planner-generated
// task title like "Build skill: tavily-api".
func capabilityNameFromTitle(title string) string {
	if i := strings.LastIndex(title, ": "); i >= 0 {
		return title[i+2:]
	}
	return title
}
